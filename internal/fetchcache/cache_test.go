// internal/fetchcache/cache_test.go
package fetchcache

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	cache, err := Open(filepath.Join(t.TempDir(), "cache", "fetch.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close() })
	return cache
}

func TestCache(t *testing.T) {
	pushed := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

	t.Run("hit only on identical push time", func(t *testing.T) {
		cache := newTestCache(t)
		require.NoError(t, cache.Put("Octocat", "hello", Entry{PushedAt: pushed, Branch: "main", Paths: []string{"main.go"}, Readme: "# hi"}))

		entry, ok := cache.Get("octocat", "HELLO", pushed, "main")
		require.True(t, ok)
		assert.Equal(t, []string{"main.go"}, entry.Paths)
		assert.Equal(t, "# hi", entry.Readme)
		assert.False(t, entry.StoredAt.IsZero())

		_, ok = cache.Get("octocat", "hello", pushed.Add(time.Second), "main")
		assert.False(t, ok, "a newer push invalidates the entry")
		_, ok = cache.Get("octocat", "hello", time.Time{}, "main")
		assert.False(t, ok)
		_, ok = cache.Get("octocat", "other", pushed, "main")
		assert.False(t, ok)
	})

	t.Run("default branch change invalidates the entry", func(t *testing.T) {
		cache := newTestCache(t)
		require.NoError(t, cache.Put("octocat", "hello", Entry{PushedAt: pushed, Branch: "master", Paths: []string{"old.go"}}))

		_, ok := cache.Get("octocat", "hello", pushed, "main")
		assert.False(t, ok)
		entry, ok := cache.Get("octocat", "hello", pushed, "master")
		require.True(t, ok)
		assert.Equal(t, []string{"old.go"}, entry.Paths)
	})

	t.Run("delete owner removes only that owner", func(t *testing.T) {
		cache := newTestCache(t)
		require.NoError(t, cache.Put("octocat", "a", Entry{PushedAt: pushed, Branch: "main"}))
		require.NoError(t, cache.Put("octocat", "b", Entry{PushedAt: pushed, Branch: "main"}))
		require.NoError(t, cache.Put("octocat-fan", "a", Entry{PushedAt: pushed, Branch: "main"}))

		require.NoError(t, cache.DeleteOwner("octocat"))

		_, ok := cache.Get("octocat", "a", pushed, "main")
		assert.False(t, ok)
		_, ok = cache.Get("octocat", "b", pushed, "main")
		assert.False(t, ok)
		_, ok = cache.Get("octocat-fan", "a", pushed, "main")
		assert.True(t, ok)
	})

	t.Run("nil cache is a no-op", func(t *testing.T) {
		var cache *Cache
		assert.NoError(t, cache.Put("octocat", "a", Entry{PushedAt: pushed, Branch: "main"}))
		_, ok := cache.Get("octocat", "a", pushed, "main")
		assert.False(t, ok)
		assert.NoError(t, cache.DeleteOwner("octocat"))
		assert.NoError(t, cache.Close())
	})
}
