package sources

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/spigell/hh-sieve/internal/posting"
	"github.com/spigell/hh-sieve/internal/utils"
)

// DayCache keeps the postings of a source for the rest of the calendar day
// they were fetched on. With a directory set, entries survive restarts.
type DayCache struct {
	dir string

	mu      sync.Mutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	FetchedAt time.Time         `json:"fetched_at"`
	Postings  []posting.Posting `json:"postings"`
}

// NewDayCache creates a cache. An empty dir keeps entries in memory only.
func NewDayCache(dir string) *DayCache {
	return &DayCache{dir: dir, entries: make(map[string]cacheEntry)}
}

// Get returns the postings fetched for source on the same day as now.
func (c *DayCache) Get(source string, now time.Time) ([]posting.Posting, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[source]
	if !ok && c.dir != "" {
		entry, ok = c.readFile(source)
		if ok {
			c.entries[source] = entry
		}
	}
	if !ok || !utils.SameDay(now, entry.FetchedAt) {
		return nil, false
	}
	return entry.Postings, true
}

// Put stores the postings fetched for source at now.
func (c *DayCache) Put(source string, postings []posting.Posting, now time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := cacheEntry{FetchedAt: now, Postings: postings}
	c.entries[source] = entry

	if c.dir == "" {
		return nil
	}
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}

	path := c.path(source)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write cache entry: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace cache entry: %w", err)
	}
	return nil
}

func (c *DayCache) readFile(source string) (cacheEntry, bool) {
	data, err := os.ReadFile(c.path(source))
	if err != nil {
		return cacheEntry{}, false
	}
	var entry cacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return cacheEntry{}, false
	}
	return entry, true
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func (c *DayCache) path(source string) string {
	return filepath.Join(c.dir, unsafeName.ReplaceAllString(source, "_")+".json")
}
