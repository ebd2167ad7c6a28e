// Package bundle is a producer that collects every prepared glyph into a
// single compressed tar archive with a YAML manifest. Preparation normalises
// each SVG source into the build directory and optionally derives skin tone
// variants from a base palette.
//
// Layout of the build directory:
//
//	<buildDir>/glyphs/emoji_u<seq>.svg   prepared glyphs, derived variants included
//	<buildDir>/fallback.svg              substitute for items that failed
//	<buildDir>/manifest.partial.yaml     progress left by an interrupted build
package bundle

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"git.home.luguber.info/inful/emojibuilder/internal/foundation/normalization"
	"git.home.luguber.info/inful/emojibuilder/internal/hashcache"
	"git.home.luguber.info/inful/emojibuilder/internal/item"
	"git.home.luguber.info/inful/emojibuilder/internal/logfields"
	"git.home.luguber.info/inful/emojibuilder/internal/producer"
)

const (
	glyphDirName        = "glyphs"
	fallbackFileName    = "fallback.svg"
	partialManifestName = "manifest.partial.yaml"
	manifestName        = "manifest.yaml"
)

var (
	// ErrNoSource is returned by Prepare for items without a source file.
	ErrNoSource = errors.New("item has no source file")
	// ErrNotSVG is returned by Prepare for sources that are not SVG documents.
	ErrNotSVG = errors.New("source is not an svg document")
	// ErrEmptyBundle is returned by Build when no glyph could be packed.
	ErrEmptyBundle = errors.New("no glyphs to bundle")
)

// Compression selects the archive codec.
type Compression string

const (
	CompressionZstd Compression = "zstd"
	CompressionLZ4  Compression = "lz4"
	CompressionNone Compression = "none"
)

var compressionNormalizer = normalization.NewNormalizer(map[string]Compression{
	"zstd":      CompressionZstd,
	"zstandard": CompressionZstd,
	"lz4":       CompressionLZ4,
	"none":      CompressionNone,
	"off":       CompressionNone,
}, CompressionZstd)

// ParseCompression parses a codec name. The empty string selects zstd.
func ParseCompression(raw string) (Compression, error) {
	if strings.TrimSpace(raw) == "" {
		return CompressionZstd, nil
	}
	return compressionNormalizer.NormalizeWithError(raw)
}

// Extension returns the conventional file suffix for archives in c.
func (c Compression) Extension() string {
	switch c {
	case CompressionLZ4:
		return ".tar.lz4"
	case CompressionNone:
		return ".tar"
	default:
		return ".tar.zst"
	}
}

// MaxLevel is the highest zstd encoder level accepted in Config.
const MaxLevel = 4

// Config configures a bundle producer.
type Config struct {
	Compression Compression
	// Level is the zstd encoder level from 1 (fastest) to 4 (best). Zero
	// selects the default.
	Level int
	// Fallback is an SVG file packed in place of items that failed.
	Fallback string
	Tones    ToneConfig
	Logger   *slog.Logger
}

// Glyph is the prepared value of one item.
type Glyph struct {
	// Path is the prepared file inside the build directory.
	Path string
	Size int64
}

// Producer implements producer.Producer[Glyph].
type Producer struct {
	producer.Defaults[Glyph]

	buildDir string
	glyphDir string
	cfg      Config
	palette  *palette
	logger   *slog.Logger

	mu        sync.RWMutex
	submitted map[item.Key]bool
	// items of the previous run that are no longer submitted
	withdrawn map[item.Key]bool
}

var (
	_ producer.Producer[Glyph] = (*Producer)(nil)
	_ producer.Planner         = (*Producer)(nil)
)

// New creates a producer for buildDir, creating the directory layout and
// seeding the fallback glyph.
func New(buildDir string, cfg Config) (*Producer, error) {
	if buildDir == "" {
		return nil, errors.New("bundle: build directory is required")
	}
	compression, err := ParseCompression(string(cfg.Compression))
	if err != nil {
		return nil, fmt.Errorf("bundle: compression: %w", err)
	}
	cfg.Compression = compression
	if cfg.Level < 0 || cfg.Level > MaxLevel {
		return nil, fmt.Errorf("bundle: compression level %d out of range 0-%d", cfg.Level, MaxLevel)
	}
	if err := cfg.Tones.Validate(); err != nil {
		return nil, fmt.Errorf("bundle: %w", err)
	}
	pal, err := newPalette(cfg.Tones)
	if err != nil {
		return nil, fmt.Errorf("bundle: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	p := &Producer{
		buildDir: buildDir,
		glyphDir: filepath.Join(buildDir, glyphDirName),
		cfg:      cfg,
		palette:  pal,
		logger:   logger.With(logfields.Producer("bundle")),
	}
	if err := p.seed(); err != nil {
		return nil, err
	}
	return p, nil
}

// Open is New as a producer.Factory.
func Open(buildDir string, cfg Config) (producer.Producer[Glyph], error) {
	return New(buildDir, cfg)
}

// GlyphFile returns the file name used for key inside the archive and the
// build directory.
func GlyphFile(key item.Key) string {
	return "emoji_u" + strings.ReplaceAll(string(key), " ", "_") + ".svg"
}

func (p *Producer) glyphPath(key item.Key) string {
	return filepath.Join(p.glyphDir, GlyphFile(key))
}

func (p *Producer) fallbackPath() string {
	return filepath.Join(p.buildDir, fallbackFileName)
}

// seed creates the glyph directory and copies the fallback glyph.
func (p *Producer) seed() error {
	if err := os.MkdirAll(p.glyphDir, 0o750); err != nil {
		return fmt.Errorf("bundle: create glyph dir: %w", err)
	}
	if p.cfg.Fallback == "" {
		return nil
	}
	data, err := readSVG(p.cfg.Fallback)
	if err != nil {
		return fmt.Errorf("bundle: fallback: %w", err)
	}
	if err := os.WriteFile(p.fallbackPath(), data, 0o600); err != nil {
		return fmt.Errorf("bundle: seed fallback: %w", err)
	}
	return nil
}

// readSVG reads path without carriage returns and checks it is an SVG document.
func readSVG(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	data = bytes.ReplaceAll(data, []byte{'\r'}, nil)
	if !bytes.Contains(data, []byte("<svg")) {
		return nil, fmt.Errorf("%s: %w", path, ErrNotSVG)
	}
	return data, nil
}

func writeGlyph(path string, data []byte) (Glyph, error) {
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return Glyph{}, err
	}
	return Glyph{Path: path, Size: int64(len(data))}, nil
}

func statGlyph(path string) (Glyph, bool) {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return Glyph{}, false
	}
	return Glyph{Path: path, Size: info.Size()}, true
}

// Plan records the items of the coming run. A skin tone variant that is also
// a submitted item keeps its own source and is not derived.
func (p *Producer) Plan(items []item.Item) {
	submitted := make(map[item.Key]bool, len(items))
	for _, it := range items {
		submitted[it.Key()] = true
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.withdrawn = make(map[item.Key]bool)
	for key := range p.submitted {
		if !submitted[key] {
			p.withdrawn[key] = true
		}
	}
	p.submitted = submitted
}

// wasWithdrawn reports whether key had its own source in the previous run
// but no longer has one, so its glyph file holds that source.
func (p *Producer) wasWithdrawn(key item.Key) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.withdrawn[key]
}

func (p *Producer) isSubmitted(key item.Key) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.submitted[key]
}

// derivable returns the variants of it that are not submitted items.
func (p *Producer) derivable(it item.Item) []item.Item {
	if p.palette == nil {
		return nil
	}
	var out []item.Item
	for _, variant := range p.palette.variants(it) {
		if !p.isSubmitted(variant.Key()) {
			out = append(out, variant)
		}
	}
	return out
}

// Prepare normalises the item's SVG into the build directory and derives its
// skin tone variants when a palette is configured.
func (p *Producer) Prepare(ctx context.Context, it item.Item) (producer.Prepared[Glyph], error) {
	if err := ctx.Err(); err != nil {
		return producer.Prepared[Glyph]{}, err
	}
	if !it.HasSource() {
		return producer.Prepared[Glyph]{}, fmt.Errorf("%s: %w", it.Key(), ErrNoSource)
	}
	data, err := readSVG(it.SourcePath)
	if err != nil {
		return producer.Prepared[Glyph]{}, err
	}
	g, err := writeGlyph(p.glyphPath(it.Key()), data)
	if err != nil {
		return producer.Prepared[Glyph]{}, fmt.Errorf("write glyph %s: %w", it.Key(), err)
	}
	prepared := producer.Prepared[Glyph]{Value: g}

	if !p.palette.eligible(it, data) {
		return prepared, nil
	}
	for _, t := range p.palette.tones {
		variant := p.palette.variant(it, t)
		if p.isSubmitted(variant.Key()) {
			p.logger.Debug("Skin tone has its own source, not deriving",
				logfields.Sequence(string(variant.Key())), slog.String("derived_from", string(it.Key())))
			continue
		}
		vg, err := writeGlyph(p.glyphPath(variant.Key()), []byte(t.replacer.Replace(string(data))))
		if err != nil {
			return producer.Prepared[Glyph]{}, fmt.Errorf("write variant %s: %w", variant.Key(), err)
		}
		prepared.Derived = append(prepared.Derived, producer.Derivative[Glyph]{Item: variant, Value: vg})
	}
	p.logger.Debug("Derived skin tones", logfields.Sequence(string(it.Key())), logfields.Items(len(prepared.Derived)))
	return prepared, nil
}

// Reuse returns the glyph prepared by an earlier build together with its
// variants, as long as every file is still in place.
func (p *Producer) Reuse(it item.Item, _ hashcache.Digest) (producer.Prepared[Glyph], bool) {
	g, ok := statGlyph(p.glyphPath(it.Key()))
	if !ok {
		return producer.Prepared[Glyph]{}, false
	}
	prepared := producer.Prepared[Glyph]{Value: g}
	if p.palette == nil {
		return prepared, true
	}
	data, err := os.ReadFile(g.Path)
	if err != nil || !p.palette.eligible(it, data) {
		return prepared, err == nil
	}
	for _, variant := range p.derivable(it) {
		if p.wasWithdrawn(variant.Key()) {
			return producer.Prepared[Glyph]{}, false
		}
		vg, ok := statGlyph(p.glyphPath(variant.Key()))
		if !ok {
			return producer.Prepared[Glyph]{}, false
		}
		prepared.Derived = append(prepared.Derived, producer.Derivative[Glyph]{Item: variant, Value: vg})
	}
	return prepared, true
}

// Undo deletes the prepared glyph of it and any variants, and marks the
// outcome invalidated.
func (p *Producer) Undo(it item.Item, outcome producer.Outcome[Glyph]) (producer.Outcome[Glyph], error) {
	paths := []string{p.glyphPath(it.Key())}
	for _, variant := range p.derivable(it) {
		paths = append(paths, p.glyphPath(variant.Key()))
	}
	var errs []error
	for _, path := range paths {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return producer.Invalidate(outcome), errors.Join(errs...)
}

// Reset empties buildDir and restores the directory layout.
func (p *Producer) Reset(buildDir string) error {
	resetErr := p.Defaults.Reset(buildDir)
	if buildDir != p.buildDir {
		return resetErr
	}
	if err := p.seed(); err != nil {
		if resetErr != nil {
			return errors.Join(resetErr, err)
		}
		return err
	}
	return resetErr
}

// Finish records the outcomes gathered so far in manifest.partial.yaml.
func (p *Producer) Finish(outcomes producer.OutcomeMap[Glyph]) error {
	m := p.manifest(outcomes, true)
	path := filepath.Join(p.buildDir, partialManifestName)
	if err := m.seal(); err != nil {
		return err
	}
	data, err := m.marshal()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write partial manifest: %w", err)
	}
	p.logger.Info("Recorded partial build", logfields.Path(path), logfields.Items(len(m.Glyphs)))
	return nil
}
