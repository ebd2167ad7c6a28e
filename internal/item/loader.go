package item

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"git.home.luguber.info/inful/emojibuilder/internal/logfields"
)

// DefaultPattern matches the source images picked up by LoadDir.
const DefaultPattern = "*.svg"

// ParseFileName derives a sequence from a source file name. Both the
// "emoji_u1f469_200d_1f52c.svg" and "1f469-200d-1f52c.svg" conventions are
// understood.
func ParseFileName(name string) (Sequence, error) {
	base := filepath.Base(name)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	base = strings.TrimPrefix(base, "emoji_u")
	base = strings.TrimPrefix(base, "u")
	fields := strings.FieldsFunc(base, func(r rune) bool {
		return r == '_' || r == '-' || r == ' '
	})
	seq, err := parseFields(fields)
	if err != nil {
		return nil, fmt.Errorf("file %q: %w", name, err)
	}
	return seq, nil
}

// LoadDir walks dir and returns one item per source file whose name matches
// pattern and parses as a sequence. Files that do not parse are skipped and
// logged. Items are returned in key order; duplicates are merged.
func LoadDir(dir, pattern string) ([]Item, error) {
	if pattern == "" {
		pattern = DefaultPattern
	}
	if _, err := filepath.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("source directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("source directory %s is not a directory", dir)
	}

	byKey := make(map[Key]Item)
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		if ok, _ := filepath.Match(pattern, d.Name()); !ok {
			return nil
		}
		seq, perr := ParseFileName(d.Name())
		if perr != nil {
			slog.Debug("Skipping source file", logfields.Path(path), logfields.Error(perr))
			return nil
		}
		it := New(seq, path)
		if prev, ok := byKey[it.Key()]; ok {
			it = prev.Merge(it)
		}
		byKey[it.Key()] = it
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", dir, err)
	}

	return Sorted(byKey), nil
}

// Dedupe merges items sharing a key, keeping first-seen order.
func Dedupe(items []Item) []Item {
	index := make(map[Key]int, len(items))
	out := make([]Item, 0, len(items))
	for _, it := range items {
		if i, ok := index[it.Key()]; ok {
			out[i] = out[i].Merge(it)
			continue
		}
		index[it.Key()] = len(out)
		out = append(out, it)
	}
	return out
}

// Sorted returns the items of m ordered by key.
func Sorted(m map[Key]Item) []Item {
	out := make([]Item, 0, len(m))
	for _, it := range m {
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}
