// Package hashcache records the content digest of every item's source file so
// repeated builds can skip items whose sources did not change.
//
// The on-disk form is a header-less, two-column CSV file:
//
//	1f469 200d 1f52c,3b0c...e1
//
// Column one is the codepoint sequence as space separated lowercase hex,
// column two the 64 character hex digest. Loading is best effort: unusable
// rows are skipped, since a damaged cache only costs a rebuild.
package hashcache

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"git.home.luguber.info/inful/emojibuilder/internal/item"
	"git.home.luguber.info/inful/emojibuilder/internal/logfields"
)

// DefaultFileName is the cache file name used inside a build directory.
const DefaultFileName = "hashes.csv"

// Staleness is the result of comparing an item's source with the cache.
type Staleness int

const (
	// Stale means the item has no cache entry or its source changed.
	Stale Staleness = iota
	// Fresh means the cached digest equals the current source digest.
	Fresh
)

func (s Staleness) String() string {
	if s == Fresh {
		return "fresh"
	}
	return "stale"
}

// Cache maps item sequences to the last known-good digest of their source.
// Reads may run concurrently; writes are expected from a single goroutine.
type Cache struct {
	mu      sync.RWMutex
	entries map[item.Key]Digest
	logger  *slog.Logger
}

// New returns an empty cache.
func New() *Cache {
	return &Cache{
		entries: make(map[item.Key]Digest),
		logger:  slog.Default(),
	}
}

// WithLogger sets a custom logger.
func (c *Cache) WithLogger(logger *slog.Logger) *Cache {
	if logger != nil {
		c.logger = logger
	}
	return c
}

// Load parses rows from r. Rows with too few columns, an invalid sequence or
// a digest that is not 64 hex characters are dropped. A later row for the same
// sequence replaces an earlier one. Load never fails; a read error ends
// parsing and keeps what was read so far.
func Load(r io.Reader) *Cache {
	c := New()
	c.load(r)
	return c
}

func (c *Cache) load(r io.Reader) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.ReuseRecord = true
	reader.TrimLeadingSpace = true

	skipped := 0
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				skipped++
				continue
			}
			c.logger.Warn("Stopped reading hash cache", logfields.Error(err))
			break
		}
		if len(record) < 2 {
			skipped++
			continue
		}
		seq, err := item.ParseSequence(record[0])
		if err != nil {
			skipped++
			continue
		}
		digest, err := ParseDigest(record[1])
		if err != nil {
			skipped++
			continue
		}
		c.entries[seq.Key()] = digest
	}
	if skipped > 0 {
		c.logger.Debug("Skipped malformed hash cache rows", slog.Int("rows", skipped))
	}
}

// LoadFile reads the cache at path. A missing or unreadable file yields an
// empty cache.
func LoadFile(path string) *Cache {
	return LoadFileWithLogger(path, slog.Default())
}

// LoadFileWithLogger is LoadFile with an explicit logger.
func LoadFileWithLogger(path string, logger *slog.Logger) *Cache {
	c := New().WithLogger(logger)
	f, err := os.Open(path) // #nosec G304 -- cache path comes from configuration
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			c.logger.Info("No hash cache found, building everything", logfields.Path(path))
		} else {
			c.logger.Warn("Hash cache unreadable, building everything", logfields.Path(path), logfields.Error(err))
		}
		return c
	}
	defer func() {
		_ = f.Close()
	}()
	c.load(f)
	c.logger.Debug("Loaded hash cache", logfields.Path(path), logfields.Items(c.Len()))
	return c
}

// Digest computes the current digest of the item's source. It does not read or
// modify the cache.
func (c *Cache) Digest(it item.Item) (Digest, error) {
	return DigestItem(it)
}

// Check hashes the item's source and compares it with the cached digest.
// It fails with ErrNoSourcePath when the item has no source, or with the I/O
// error when the source cannot be read.
func (c *Cache) Check(it item.Item) (Staleness, error) {
	current, err := DigestItem(it)
	if err != nil {
		return Stale, err
	}
	return c.Compare(it, current), nil
}

// Compare reports whether current matches the cached digest for it.
func (c *Cache) Compare(it item.Item, current Digest) Staleness {
	cached, ok := c.Lookup(it)
	if !ok || cached != current {
		return Stale
	}
	return Fresh
}

// Lookup returns the cached digest for it.
func (c *Cache) Lookup(it item.Item) (Digest, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.entries[it.Key()]
	return d, ok
}

// Update stores digest for it and returns the replaced digest, if any.
func (c *Cache) Update(it item.Item, digest Digest) (Digest, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev, ok := c.entries[it.Key()]
	c.entries[it.Key()] = digest
	return prev, ok
}

// Remove drops the entry for it, making it stale.
func (c *Cache) Remove(it item.Item) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[it.Key()]
	delete(c.entries, it.Key())
	return ok
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[item.Key]Digest)
}

// Len returns the number of entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Keys returns the cached sequence keys in sorted order.
func (c *Cache) Keys() []item.Key {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]item.Key, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Persist writes every entry to w. Row order is not significant.
func (c *Cache) Persist(w io.Writer) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	writer := csv.NewWriter(w)
	for key, digest := range c.entries {
		if err := writer.Write([]string{string(key), digest.String()}); err != nil {
			return fmt.Errorf("write hash cache row: %w", err)
		}
	}
	writer.Flush()
	return writer.Error()
}

// PersistFile replaces the file at path with the cache contents. The data is
// written to a temporary file in the same directory and renamed into place.
func (c *Cache) PersistFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create cache directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temporary cache file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		_ = os.Remove(tmpName)
	}

	if err := c.Persist(tmp); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temporary cache file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("replace cache file: %w", err)
	}
	return nil
}
