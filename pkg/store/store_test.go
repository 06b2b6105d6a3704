package store

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/agentgate/pkg/models"
)

func spec(id string) models.ServerSpec {
	return models.ServerSpec{
		ServerID:   id,
		ServerName: "Server " + id,
		Command:    "npx",
		Args:       []string{"-y", "@example/" + id},
		Env:        map[string]string{"TOKEN": "t-" + id},
	}
}

// Both backends must satisfy the same contract, so the suite runs against each.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("get absent returns not found", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(ctx, "alice", "nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("put then get round trips", func(t *testing.T) {
		s := newStore(t)
		want := spec("weather")
		require.NoError(t, s.Put(ctx, "alice", want))
		got, err := s.Get(ctx, "alice", "weather")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	})

	t.Run("put overwrites", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Put(ctx, "alice", spec("weather")))
		updated := spec("weather")
		updated.Args = []string{"-y", "@example/weather-v2"}
		require.NoError(t, s.Put(ctx, "alice", updated))
		got, err := s.Get(ctx, "alice", "weather")
		require.NoError(t, err)
		assert.Equal(t, updated.Args, got.Args)
	})

	t.Run("users are isolated", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Put(ctx, "alice", spec("weather")))
		_, err := s.Get(ctx, "bob", "weather")
		assert.ErrorIs(t, err, ErrNotFound)
		specs, err := s.List(ctx, "bob")
		require.NoError(t, err)
		assert.Empty(t, specs)
	})

	t.Run("delete is idempotent", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Put(ctx, "alice", spec("weather")))
		require.NoError(t, s.Delete(ctx, "alice", "weather"))
		require.NoError(t, s.Delete(ctx, "alice", "weather"))
		require.NoError(t, s.Delete(ctx, "alice", "never-existed"))
		_, err := s.Get(ctx, "alice", "weather")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("list returns all specs for the user", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Put(ctx, "alice", spec("a")))
		require.NoError(t, s.Put(ctx, "alice", spec("b")))
		require.NoError(t, s.Put(ctx, "alice", spec("c")))
		specs, err := s.List(ctx, "alice")
		require.NoError(t, err)
		ids := make([]string, 0, len(specs))
		for _, sp := range specs {
			ids = append(ids, sp.ServerID)
		}
		assert.ElementsMatch(t, []string{"a", "b", "c"}, ids)
	})

	t.Run("list users", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Put(ctx, "alice", spec("a")))
		require.NoError(t, s.Put(ctx, "bob", spec("b")))
		users, err := s.ListUsers(ctx)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"alice", "bob"}, users)
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		return NewMemory()
	})
}

func TestRedisStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		return NewRedis(client)
	})
}

func TestRedisStore_Unavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	s := NewRedis(client)

	mr.Close()

	err := s.Put(context.Background(), "alice", spec("weather"))
	assert.ErrorIs(t, err, ErrUnavailable)
	_, err = s.List(context.Background(), "alice")
	assert.ErrorIs(t, err, ErrUnavailable)
}
