// Package media implements C8 (the content-addressed media cache) and C9
// (the media planner: mood detection, style-specific prompt rewriting, and
// scene-description fallback extraction).
package media

import (
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"llmrpg/internal/apperr"
	"llmrpg/internal/clock"
)

// Kind is the media cache namespace; image and music entries are keyed
// separately per spec.md §3's "distinct image vs music namespaces".
type Kind string

const (
	KindImage Kind = "images"
	KindMusic Kind = "music"
)

// Entry is one index record: a relative file path plus the description it
// was generated from and when.
type Entry struct {
	Key         string    `json:"key"`
	Path        string    `json:"path"`
	Description string    `json:"description"`
	GeneratedAt time.Time `json:"generatedAt"`
}

// index is the on-disk metadata.json shape for one game's media directory,
// split by namespace.
type index struct {
	Images map[string]Entry `json:"images"`
	Music  map[string]Entry `json:"music"`
}

func newIndex() *index {
	return &index{Images: make(map[string]Entry), Music: make(map[string]Entry)}
}

func (ix *index) entries(kind Kind) map[string]Entry {
	if kind == KindMusic {
		return ix.Music
	}
	return ix.Images
}

// Cache is the per-process media store rooted at a directory containing one
// subdirectory per game. Index writes for a given game directory are
// serialized by a per-game mutex; distinct games' directories may be written
// concurrently, per spec.md §4.5/§5.
type Cache struct {
	root      string
	clock     clock.Clock
	ttl       time.Duration
	maxBytes  int64

	mu        sync.Mutex // guards the locks map itself
	locks     map[string]*sync.Mutex
}

// DefaultTTL is the default eviction age (7 days), per spec.md §4.5.
const DefaultTTL = 7 * 24 * time.Hour

// DefaultMaxBytes is the default per-game directory size cap (500 MB), per
// spec.md §4.5.
const DefaultMaxBytes = 500 * 1024 * 1024

// NewCache creates a Cache rooted at root. ttl and maxBytes of zero fall back
// to the spec's defaults.
func NewCache(root string, c clock.Clock, ttl time.Duration, maxBytes int64) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Cache{root: root, clock: c, ttl: ttl, maxBytes: maxBytes, locks: make(map[string]*sync.Mutex)}
}

// Key computes the SHA-1(provider|style-or-mood|description)[:12 hex chars]
// cache key, per spec.md §3.
func Key(provider, styleOrMood, description string) string {
	h := sha1.New()
	fmt.Fprintf(h, "%s|%s|%s", provider, styleOrMood, description)
	return hex.EncodeToString(h.Sum(nil))[:12]
}

func (c *Cache) gameLock(gameID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[gameID]
	if !ok {
		l = &sync.Mutex{}
		c.locks[gameID] = l
	}
	return l
}

func (c *Cache) gameDir(gameID string) string    { return filepath.Join(c.root, gameID) }
func (c *Cache) kindDir(gameID string, kind Kind) string {
	return filepath.Join(c.gameDir(gameID), string(kind))
}
func (c *Cache) indexPath(gameID string) string { return filepath.Join(c.gameDir(gameID), "metadata.json") }

func (c *Cache) loadIndex(gameID string) (*index, error) {
	b, err := os.ReadFile(c.indexPath(gameID))
	if os.IsNotExist(err) {
		return newIndex(), nil
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindCache, "read media index", err)
	}
	ix := newIndex()
	if err := json.Unmarshal(b, ix); err != nil {
		// A corrupt index is treated as an empty cache for this game, not a
		// fatal error — the cache is a pure optimization (spec.md §7).
		return newIndex(), nil
	}
	return ix, nil
}

func (c *Cache) saveIndex(gameID string, ix *index) error {
	b, err := json.MarshalIndent(ix, "", "  ")
	if err != nil {
		return apperr.Wrap(apperr.KindCache, "encode media index", err)
	}
	if err := os.MkdirAll(c.gameDir(gameID), 0o755); err != nil {
		return apperr.Wrap(apperr.KindCache, "create game media dir", err)
	}
	if err := os.WriteFile(c.indexPath(gameID), b, 0o644); err != nil {
		return apperr.Wrap(apperr.KindCache, "write media index", err)
	}
	return nil
}

// Get returns the base64-encoded bytes of a cached entry, if present.
func (c *Cache) Get(gameID string, kind Kind, key string) (string, bool, error) {
	lock := c.gameLock(gameID)
	lock.Lock()
	defer lock.Unlock()

	ix, err := c.loadIndex(gameID)
	if err != nil {
		return "", false, err
	}
	entry, ok := ix.entries(kind)[key]
	if !ok {
		return "", false, nil
	}
	data, err := os.ReadFile(filepath.Join(c.gameDir(gameID), entry.Path))
	if os.IsNotExist(err) {
		// Index says it exists but the file is gone: stale entry, repaired
		// lazily here per spec.md §4.5.
		delete(ix.entries(kind), key)
		_ = c.saveIndex(gameID, ix)
		return "", false, nil
	}
	if err != nil {
		return "", false, apperr.Wrap(apperr.KindCache, "read cached media file", err)
	}
	return base64.StdEncoding.EncodeToString(data), true, nil
}

// Put stores raw bytes under key, evicts by TTL and size, and is idempotent:
// storing the same (gameID, kind, key, bytes) twice leaves exactly one index
// entry (invariant 6, spec.md §8).
func (c *Cache) Put(gameID string, kind Kind, key, description string, data []byte) error {
	lock := c.gameLock(gameID)
	lock.Lock()
	defer lock.Unlock()

	dir := c.kindDir(gameID, kind)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return apperr.Wrap(apperr.KindCache, "create media kind dir", err)
	}

	relPath := filepath.Join(string(kind), key+".bin")
	if err := os.WriteFile(filepath.Join(c.gameDir(gameID), relPath), data, 0o644); err != nil {
		return apperr.Wrap(apperr.KindCache, "write media file", err)
	}

	ix, err := c.loadIndex(gameID)
	if err != nil {
		return err
	}
	ix.entries(kind)[key] = Entry{
		Key:         key,
		Path:        relPath,
		Description: description,
		GeneratedAt: c.clock.Now(),
	}
	if err := c.saveIndex(gameID, ix); err != nil {
		return err
	}

	return c.evict(gameID, ix)
}

// evict deletes files older than the TTL, then, if the game directory still
// exceeds maxBytes, deletes oldest-by-mtime files until under the limit. The
// index itself is never pruned on eviction, per spec.md §4.5 — stale entries
// are repaired lazily on next Get.
func (c *Cache) evict(gameID string, ix *index) error {
	type file struct {
		path  string
		size  int64
		mtime time.Time
	}
	var files []file
	var total int64

	root := c.gameDir(gameID)
	now := c.clock.Now()

	_ = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() || filepath.Base(path) == "metadata.json" {
			return nil
		}
		if now.Sub(info.ModTime()) > c.ttl {
			_ = os.Remove(path)
			return nil
		}
		files = append(files, file{path: path, size: info.Size(), mtime: info.ModTime()})
		total += info.Size()
		return nil
	})

	if total > c.maxBytes {
		sort.Slice(files, func(i, j int) bool { return files[i].mtime.Before(files[j].mtime) })
		for _, f := range files {
			if total <= c.maxBytes {
				break
			}
			if err := os.Remove(f.path); err == nil {
				total -= f.size
			}
		}
	}
	return nil
}

// ClearGame best-effort removes a game's entire media directory, used when a
// game is deleted (spec.md §4.6); failures are logged by the caller, not
// propagated, per spec.md §7.
func (c *Cache) ClearGame(gameID string) error {
	lock := c.gameLock(gameID)
	lock.Lock()
	defer lock.Unlock()
	return os.RemoveAll(c.gameDir(gameID))
}
