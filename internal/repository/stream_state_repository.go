package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"polychat-go/internal/model"
)

// StreamStateRepository 保存可恢复流的最新完整快照。Save 为整体替换，没有合并语义。
type StreamStateRepository interface {
	// Get 在状态不存在时返回 (nil, nil)。
	Get(ctx context.Context, streamID string) (*model.StreamState, error)
	Save(ctx context.Context, state *model.StreamState) error
	MarkComplete(ctx context.Context, streamID string) error
	Remove(ctx context.Context, streamID string) error
	ListIncomplete(ctx context.Context) ([]*model.StreamState, error)
	// Sweep 删除 LastUpdate 早于 olderThan 的已完成状态，返回删除数量。
	Sweep(ctx context.Context, olderThan time.Time) (int, error)
}

const (
	streamStateKeyPrefix = "stream:state:"
	streamIncompleteKey  = "stream:incomplete"
)

type redisStreamStateRepository struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisStreamStateRepository 创建基于 Redis 的流状态仓库，适用于多实例部署。
func NewRedisStreamStateRepository(rdb *redis.Client, ttl time.Duration) StreamStateRepository {
	return &redisStreamStateRepository{rdb: rdb, ttl: ttl}
}

func streamStateKey(id string) string {
	return streamStateKeyPrefix + id
}

func (r *redisStreamStateRepository) Get(ctx context.Context, streamID string) (*model.StreamState, error) {
	data, err := r.rdb.Get(ctx, streamStateKey(streamID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get stream state: %w", err)
	}
	var state model.StreamState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stream state: %w", err)
	}
	return &state, nil
}

func (r *redisStreamStateRepository) Save(ctx context.Context, state *model.StreamState) error {
	if state == nil || state.StreamID == "" {
		return errors.New("stream state requires a stream id")
	}
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		return r.write(ctx, pipe, state)
	})
	if err != nil {
		return fmt.Errorf("failed to save stream state: %w", err)
	}
	return nil
}

func (r *redisStreamStateRepository) write(ctx context.Context, pipe redis.Pipeliner, state *model.StreamState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal stream state: %w", err)
	}
	pipe.Set(ctx, streamStateKey(state.StreamID), data, r.ttl)
	if state.IsComplete {
		pipe.SRem(ctx, streamIncompleteKey, state.StreamID)
	} else {
		pipe.SAdd(ctx, streamIncompleteKey, state.StreamID)
	}
	return nil
}

// MarkComplete 使用 WATCH 做读改写，状态不存在时只清理索引。
func (r *redisStreamStateRepository) MarkComplete(ctx context.Context, streamID string) error {
	key := streamStateKey(streamID)
	err := r.rdb.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return tx.SRem(ctx, streamIncompleteKey, streamID).Err()
		}
		if err != nil {
			return err
		}
		var state model.StreamState
		if err := json.Unmarshal(data, &state); err != nil {
			return err
		}
		state.IsComplete = true
		state.IsPaused = false
		state.Touch(time.Now())
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			return r.write(ctx, pipe, &state)
		})
		return err
	}, key)
	if err != nil {
		return fmt.Errorf("failed to mark stream complete: %w", err)
	}
	return nil
}

func (r *redisStreamStateRepository) Remove(ctx context.Context, streamID string) error {
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, streamStateKey(streamID))
		pipe.SRem(ctx, streamIncompleteKey, streamID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to remove stream state: %w", err)
	}
	return nil
}

// ListIncomplete 读取索引集合，顺带清理已过期的条目。
func (r *redisStreamStateRepository) ListIncomplete(ctx context.Context) ([]*model.StreamState, error) {
	ids, err := r.rdb.SMembers(ctx, streamIncompleteKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list incomplete streams: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = streamStateKey(id)
	}
	values, err := r.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load incomplete streams: %w", err)
	}

	var stale []interface{}
	states := make([]*model.StreamState, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var state model.StreamState
		if err := json.Unmarshal([]byte(raw), &state); err != nil || state.IsComplete {
			stale = append(stale, ids[i])
			continue
		}
		states = append(states, &state)
	}
	if len(stale) > 0 {
		_ = r.rdb.SRem(ctx, streamIncompleteKey, stale...).Err()
	}
	return states, nil
}

func (r *redisStreamStateRepository) Sweep(ctx context.Context, olderThan time.Time) (int, error) {
	removed := 0
	iter := r.rdb.Scan(ctx, 0, streamStateKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		data, err := r.rdb.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return removed, fmt.Errorf("failed to read stream state %s: %w", key, err)
		}
		var state model.StreamState
		if err := json.Unmarshal(data, &state); err != nil {
			continue
		}
		if state.IsComplete && state.LastUpdate.Before(olderThan) {
			if err := r.Remove(ctx, state.StreamID); err != nil {
				return removed, err
			}
			removed++
		}
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("failed to scan stream states: %w", err)
	}
	return removed, nil
}
