package repository

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"polychat-go/internal/model"
)

type memoryEntry struct {
	state     *model.StreamState
	expiresAt time.Time
}

// memoryStreamStateRepository 是进程内实现，只适用于单实例部署。
type memoryStreamStateRepository struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	locks   sync.Map // streamID -> *sync.Mutex
	ttl     time.Duration
	now     func() time.Time
}

// NewMemoryStreamStateRepository 创建进程内流状态仓库。ttl 为 0 时不过期。
func NewMemoryStreamStateRepository(ttl time.Duration) StreamStateRepository {
	return &memoryStreamStateRepository{
		entries: make(map[string]memoryEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (r *memoryStreamStateRepository) keyLock(id string) *sync.Mutex {
	l, _ := r.locks.LoadOrStore(id, &sync.Mutex{})
	return l.(*sync.Mutex)
}

func (r *memoryStreamStateRepository) expired(e memoryEntry) bool {
	return !e.expiresAt.IsZero() && r.now().After(e.expiresAt)
}

func (r *memoryStreamStateRepository) put(state *model.StreamState) {
	e := memoryEntry{state: state.Clone()}
	if r.ttl > 0 {
		e.expiresAt = r.now().Add(r.ttl)
	}
	r.mu.Lock()
	r.entries[state.StreamID] = e
	r.mu.Unlock()
}

func (r *memoryStreamStateRepository) Get(_ context.Context, streamID string) (*model.StreamState, error) {
	r.mu.RLock()
	e, ok := r.entries[streamID]
	r.mu.RUnlock()
	if !ok || r.expired(e) {
		return nil, nil
	}
	return e.state.Clone(), nil
}

func (r *memoryStreamStateRepository) Save(_ context.Context, state *model.StreamState) error {
	if state == nil || state.StreamID == "" {
		return errors.New("stream state requires a stream id")
	}
	l := r.keyLock(state.StreamID)
	l.Lock()
	defer l.Unlock()
	r.put(state)
	return nil
}

func (r *memoryStreamStateRepository) MarkComplete(_ context.Context, streamID string) error {
	l := r.keyLock(streamID)
	l.Lock()
	defer l.Unlock()

	r.mu.RLock()
	e, ok := r.entries[streamID]
	r.mu.RUnlock()
	if !ok || r.expired(e) {
		return nil
	}
	state := e.state.Clone()
	state.IsComplete = true
	state.IsPaused = false
	state.Touch(r.now())
	r.put(state)
	return nil
}

func (r *memoryStreamStateRepository) Remove(_ context.Context, streamID string) error {
	l := r.keyLock(streamID)
	l.Lock()
	r.mu.Lock()
	delete(r.entries, streamID)
	r.mu.Unlock()
	l.Unlock()
	r.locks.Delete(streamID)
	return nil
}

func (r *memoryStreamStateRepository) ListIncomplete(_ context.Context) ([]*model.StreamState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*model.StreamState
	for _, e := range r.entries {
		if e.state.IsComplete || r.expired(e) {
			continue
		}
		out = append(out, e.state.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

// Sweep 同时清理已过期的条目。
func (r *memoryStreamStateRepository) Sweep(_ context.Context, olderThan time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, e := range r.entries {
		if r.expired(e) || (e.state.IsComplete && e.state.LastUpdate.Before(olderThan)) {
			delete(r.entries, id)
			r.locks.Delete(id)
			removed++
		}
	}
	return removed, nil
}
