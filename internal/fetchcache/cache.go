// internal/fetchcache/cache.go
package fetchcache

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

const bucketName = "repo_snapshots"

// Entry is the remote state of a repository captured at a given push time on a given default
// branch.
type Entry struct {
	PushedAt time.Time `json:"pushed_at"`
	Branch   string    `json:"branch"`
	Paths    []string  `json:"paths"`
	Readme   string    `json:"readme"`
	StoredAt time.Time `json:"stored_at"`
}

// Cache remembers file trees and READMEs so unchanged repositories are not re-fetched.
// A nil *Cache is valid and caches nothing.
type Cache struct {
	db     *bolt.DB
	logger *slog.Logger
}

// Open opens (or creates) the cache file at path.
func Open(path string, logger *slog.Logger) (*Cache, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open fetch cache: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init fetch cache: %w", err)
	}
	return &Cache{db: db, logger: logger}, nil
}

func key(owner, repo string) []byte {
	return []byte(strings.ToLower(owner) + "/" + strings.ToLower(repo))
}

// Get returns the cached entry for owner/repo when it was captured at exactly pushedAt from the
// same default branch.
func (c *Cache) Get(owner, repo string, pushedAt time.Time, branch string) (Entry, bool) {
	if c == nil || pushedAt.IsZero() {
		return Entry{}, false
	}
	var entry Entry
	found := false
	err := c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(bucketName)).Get(key(owner, repo))
		if data == nil {
			return nil
		}
		if err := json.Unmarshal(data, &entry); err != nil {
			return err
		}
		found = entry.PushedAt.Equal(pushedAt) && entry.Branch == branch
		return nil
	})
	if err != nil {
		c.logger.Warn("Ignoring unreadable fetch cache entry", "owner", owner, "repo", repo, "error", err)
		return Entry{}, false
	}
	return entry, found
}

// Put stores the entry for owner/repo, replacing any previous one.
func (c *Cache) Put(owner, repo string, entry Entry) error {
	if c == nil {
		return nil
	}
	if entry.StoredAt.IsZero() {
		entry.StoredAt = time.Now().UTC()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketName)).Put(key(owner, repo), data)
	})
}

// DeleteOwner drops every entry of owner.
func (c *Cache) DeleteOwner(owner string) error {
	if c == nil {
		return nil
	}
	prefix := []byte(strings.ToLower(owner) + "/")
	return c.db.Update(func(tx *bolt.Tx) error {
		cur := tx.Bucket([]byte(bucketName)).Cursor()
		for k, _ := cur.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = cur.Seek(prefix) {
			if err := cur.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
}

func (c *Cache) Close() error {
	if c == nil {
		return nil
	}
	return c.db.Close()
}
