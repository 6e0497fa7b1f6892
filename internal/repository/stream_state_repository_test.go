package repository

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"polychat-go/internal/model"
)

func streamBackends(t *testing.T) map[string]StreamStateRepository {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return map[string]StreamStateRepository{
		"redis":  NewRedisStreamStateRepository(rdb, time.Hour),
		"memory": NewMemoryStreamStateRepository(time.Hour),
	}
}

func TestStreamStateRepository_Contract(t *testing.T) {
	for name, repo := range streamBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			got, err := repo.Get(ctx, "missing")
			require.NoError(t, err)
			assert.Nil(t, got)

			start := time.Now().Add(-time.Second)
			s1 := &model.StreamState{StreamID: "s1", ConversationID: "c", MessageID: "m1", Content: "Hel", ChunkIndex: 1, StartTime: start}
			require.NoError(t, repo.Save(ctx, s1))
			s1.Content = "Hello"
			s1.ChunkIndex = 2
			require.NoError(t, repo.Save(ctx, s1))
			require.NoError(t, repo.Save(ctx, &model.StreamState{StreamID: "s2", MessageID: "m2", StartTime: start.Add(time.Millisecond)}))

			got, err = repo.Get(ctx, "s1")
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, "Hello", got.Content)
			assert.Equal(t, 2, got.ChunkIndex)

			incomplete, err := repo.ListIncomplete(ctx)
			require.NoError(t, err)
			assert.Len(t, incomplete, 2)

			require.NoError(t, repo.MarkComplete(ctx, "s1"))
			require.NoError(t, repo.MarkComplete(ctx, "ghost"))
			got, err = repo.Get(ctx, "s1")
			require.NoError(t, err)
			assert.True(t, got.IsComplete)
			assert.Equal(t, "Hello", got.Content)

			incomplete, err = repo.ListIncomplete(ctx)
			require.NoError(t, err)
			require.Len(t, incomplete, 1)
			assert.Equal(t, "s2", incomplete[0].StreamID)

			require.NoError(t, repo.Remove(ctx, "s2"))
			got, err = repo.Get(ctx, "s2")
			require.NoError(t, err)
			assert.Nil(t, got)
			incomplete, err = repo.ListIncomplete(ctx)
			require.NoError(t, err)
			assert.Empty(t, incomplete)

			assert.Error(t, repo.Save(ctx, &model.StreamState{}))
		})
	}
}

func TestStreamStateRepository_SavedCopyIsIndependent(t *testing.T) {
	for name, repo := range streamBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			state := &model.StreamState{StreamID: "s", Content: "a"}
			require.NoError(t, repo.Save(ctx, state))
			state.Content = "mutated"

			got, err := repo.Get(ctx, "s")
			require.NoError(t, err)
			assert.Equal(t, "a", got.Content)
		})
	}
}

func TestStreamStateRepository_Sweep(t *testing.T) {
	for name, repo := range streamBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			old := time.Now().Add(-2 * time.Hour)
			require.NoError(t, repo.Save(ctx, &model.StreamState{StreamID: "old-done", IsComplete: true, LastUpdate: old}))
			require.NoError(t, repo.Save(ctx, &model.StreamState{StreamID: "old-live", LastUpdate: old}))
			require.NoError(t, repo.Save(ctx, &model.StreamState{StreamID: "new-done", IsComplete: true, LastUpdate: time.Now()}))

			n, err := repo.Sweep(ctx, time.Now().Add(-time.Hour))
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			for id, present := range map[string]bool{"old-done": false, "old-live": true, "new-done": true} {
				got, err := repo.Get(ctx, id)
				require.NoError(t, err)
				assert.Equal(t, present, got != nil, id)
			}
		})
	}
}

func TestMemoryStreamStateRepository_Expiry(t *testing.T) {
	repo := NewMemoryStreamStateRepository(time.Minute).(*memoryStreamStateRepository)
	now := time.Now()
	repo.now = func() time.Time { return now }
	ctx := context.Background()
	require.NoError(t, repo.Save(ctx, &model.StreamState{StreamID: "s"}))

	repo.now = func() time.Time { return now.Add(2 * time.Minute) }
	got, err := repo.Get(ctx, "s")
	require.NoError(t, err)
	assert.Nil(t, got)
	incomplete, err := repo.ListIncomplete(ctx)
	require.NoError(t, err)
	assert.Empty(t, incomplete)

	n, err := repo.Sweep(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRedisStreamStateRepository_PrunesExpiredIndex(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	repo := NewRedisStreamStateRepository(rdb, time.Minute)
	ctx := context.Background()

	require.NoError(t, repo.Save(ctx, &model.StreamState{StreamID: "s"}))
	assert.True(t, mr.Exists(streamStateKey("s")))
	mr.FastForward(2 * time.Minute)

	incomplete, err := repo.ListIncomplete(ctx)
	require.NoError(t, err)
	assert.Empty(t, incomplete)
	members, err := rdb.SMembers(ctx, streamIncompleteKey).Result()
	require.NoError(t, err)
	assert.Empty(t, members)
}
