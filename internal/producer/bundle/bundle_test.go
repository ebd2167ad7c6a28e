package bundle

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/emojibuilder/internal/item"
	"git.home.luguber.info/inful/emojibuilder/internal/producer"
)

const (
	wave     = `<svg xmlns="http://www.w3.org/2000/svg"><path fill="#FFCC4D" d="M0 0"/></svg>`
	rocket   = `<svg xmlns="http://www.w3.org/2000/svg"><path fill="#A0041E" d="M1 1"/></svg>`
	fallback = `<svg xmlns="http://www.w3.org/2000/svg"><rect fill="#CCCCCC"/></svg>`
)

func source(t *testing.T, dir string, seq item.Sequence, content string) item.Item {
	t.Helper()
	path := filepath.Join(dir, GlyphFile(seq.Key()))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return item.New(seq, path)
}

func newProducer(t *testing.T, cfg Config) (*Producer, string) {
	t.Helper()
	buildDir := filepath.Join(t.TempDir(), "build")
	p, err := New(buildDir, cfg)
	require.NoError(t, err)
	return p, buildDir
}

func tones() ToneConfig {
	return ToneConfig{
		Base: map[string]string{"skin": "#FFCC4D"},
		Targets: []ToneTarget{
			{Modifier: "1f3fb", Name: "light skin tone", Colors: map[string]string{"skin": "#F7DECE"}},
			{Modifier: "1f3ff", Name: "dark skin tone", Colors: map[string]string{"skin": "#5C4A42"}},
		},
	}
}

func prepareAll(t *testing.T, p *Producer, items ...item.Item) producer.OutcomeMap[Glyph] {
	t.Helper()
	outcomes := producer.OutcomeMap[Glyph]{}
	for _, it := range items {
		prepared, err := p.Prepare(context.Background(), it)
		if err != nil {
			outcomes.Put(producer.Failed[Glyph](it, err))
			continue
		}
		outcomes.Put(producer.Succeeded(it, prepared.Value))
		for _, d := range prepared.Derived {
			o := producer.Succeeded(d.Item, d.Value)
			o.Derived = true
			outcomes.Put(o)
		}
	}
	return outcomes
}

func TestNewCreatesLayout(t *testing.T) {
	src := t.TempDir()
	fb := filepath.Join(src, "fallback.svg")
	require.NoError(t, os.WriteFile(fb, []byte(fallback), 0o600))

	_, buildDir := newProducer(t, Config{Fallback: fb})

	info, err := os.Stat(filepath.Join(buildDir, "glyphs"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	seeded, err := os.ReadFile(filepath.Join(buildDir, "fallback.svg"))
	require.NoError(t, err)
	assert.Equal(t, fallback, string(seeded))
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name string
		cfg  Config
	}{
		{"compression", Config{Compression: "brotli"}},
		{"level", Config{Level: 9}},
		{"fallback missing", Config{Fallback: filepath.Join(dir, "missing.svg")}},
		{"tone modifier", Config{Tones: ToneConfig{
			Base:    map[string]string{"skin": "#FFCC4D"},
			Targets: []ToneTarget{{Modifier: "1f600", Name: "x", Colors: map[string]string{"skin": "#000"}}},
		}}},
		{"tone colour", Config{Tones: ToneConfig{
			Base:    map[string]string{"skin": "#FFCC4D"},
			Targets: []ToneTarget{{Modifier: "1f3fb", Name: "x", Colors: map[string]string{"hair": "#000"}}},
		}}},
		{"base colour", Config{Tones: ToneConfig{
			Base:    map[string]string{"skin": "yellow"},
			Targets: []ToneTarget{{Modifier: "1f3fb", Name: "x"}},
		}}},
		{"targets without base", Config{Tones: ToneConfig{
			Targets: []ToneTarget{{Modifier: "1f3fb", Name: "x"}},
		}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(filepath.Join(dir, tt.name), tt.cfg)
			assert.Error(t, err)
		})
	}
}

func TestPrepare(t *testing.T) {
	src := t.TempDir()
	p, buildDir := newProducer(t, Config{})

	it := source(t, src, item.Sequence{0x1F680}, strings.ReplaceAll(rocket, ">", ">\r\n"))
	prepared, err := p.Prepare(context.Background(), it)
	require.NoError(t, err)
	assert.Empty(t, prepared.Derived)
	assert.Equal(t, filepath.Join(buildDir, "glyphs", "emoji_u1f680.svg"), prepared.Value.Path)

	data, err := os.ReadFile(prepared.Value.Path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "\r")
	assert.Equal(t, int64(len(data)), prepared.Value.Size)

	notSVG := source(t, src, item.Sequence{0x1F681}, "GIF89a")
	_, err = p.Prepare(context.Background(), notSVG)
	assert.ErrorIs(t, err, ErrNotSVG)

	_, err = p.Prepare(context.Background(), item.New(item.Sequence{0x1F682}, ""))
	assert.ErrorIs(t, err, ErrNoSource)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Prepare(ctx, it)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPrepareDerivesSkinTones(t *testing.T) {
	src := t.TempDir()
	p, _ := newProducer(t, Config{Tones: tones()})

	waving := source(t, src, item.Sequence{0x1F44B}, wave)
	waving.Name = "waving hand"
	prepared, err := p.Prepare(context.Background(), waving)
	require.NoError(t, err)
	require.Len(t, prepared.Derived, 2)

	light := prepared.Derived[0]
	assert.Equal(t, item.Key("1f44b 1f3fb"), light.Item.Key())
	assert.Equal(t, "waving hand: light skin tone", light.Item.Name)
	assert.True(t, light.Item.Kinds.Has(item.KindModifier))
	data, err := os.ReadFile(light.Value.Path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "#F7DECE")
	assert.NotContains(t, string(data), "#FFCC4D")

	dark := prepared.Derived[1]
	assert.Equal(t, item.Key("1f44b 1f3ff"), dark.Item.Key())

	// Glyphs without the base palette, and toned sequences, derive nothing.
	plain, err := p.Prepare(context.Background(), source(t, src, item.Sequence{0x1F680}, rocket))
	require.NoError(t, err)
	assert.Empty(t, plain.Derived)
	toned, err := p.Prepare(context.Background(), source(t, src, item.Sequence{0x1F44D, 0x1F3FD}, wave))
	require.NoError(t, err)
	assert.Empty(t, toned.Derived)
}

func TestPlanKeepsSubmittedVariants(t *testing.T) {
	src := t.TempDir()
	p, _ := newProducer(t, Config{Tones: tones()})
	waving := source(t, src, item.Sequence{0x1F44B}, wave)
	ownLight := source(t, src, item.Sequence{0x1F44B, 0x1F3FB}, `<svg xmlns="http://www.w3.org/2000/svg"><path fill="#123456"/></svg>`)
	p.Plan([]item.Item{waving, ownLight})

	light, err := p.Prepare(context.Background(), ownLight)
	require.NoError(t, err)
	prepared, err := p.Prepare(context.Background(), waving)
	require.NoError(t, err)
	require.Len(t, prepared.Derived, 1)
	assert.Equal(t, item.Key("1f44b 1f3ff"), prepared.Derived[0].Item.Key())

	data, err := os.ReadFile(light.Value.Path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "#123456", "the submitted source wins over derivation")

	reused, ok := p.Reuse(waving, [32]byte{})
	require.True(t, ok)
	assert.Len(t, reused.Derived, 1)

	_, err = p.Undo(waving, producer.Succeeded(waving, prepared.Value))
	require.NoError(t, err)
	assert.FileExists(t, light.Value.Path)

	// Once the own source is withdrawn, its file must be derived again.
	_, err = p.Prepare(context.Background(), waving)
	require.NoError(t, err)
	p.Plan([]item.Item{waving})
	_, ok = p.Reuse(waving, [32]byte{})
	assert.False(t, ok, "the light glyph still holds the withdrawn source")
	prepared, err = p.Prepare(context.Background(), waving)
	require.NoError(t, err)
	assert.Len(t, prepared.Derived, 2)
	data, err = os.ReadFile(light.Value.Path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "#F7DECE")
}

func TestReuse(t *testing.T) {
	src := t.TempDir()
	p, _ := newProducer(t, Config{Tones: tones()})
	waving := source(t, src, item.Sequence{0x1F44B}, wave)

	_, ok := p.Reuse(waving, [32]byte{})
	assert.False(t, ok, "nothing prepared yet")

	prepared, err := p.Prepare(context.Background(), waving)
	require.NoError(t, err)

	reused, ok := p.Reuse(waving, [32]byte{})
	require.True(t, ok)
	assert.Equal(t, prepared.Value, reused.Value)
	require.Len(t, reused.Derived, 2)
	assert.Equal(t, prepared.Derived[1].Item.Key(), reused.Derived[1].Item.Key())

	require.NoError(t, os.Remove(prepared.Derived[0].Value.Path))
	_, ok = p.Reuse(waving, [32]byte{})
	assert.False(t, ok, "a missing variant forces preparation")
}

func TestUndo(t *testing.T) {
	src := t.TempDir()
	p, _ := newProducer(t, Config{Tones: tones()})
	waving := source(t, src, item.Sequence{0x1F44B}, wave)
	prepared, err := p.Prepare(context.Background(), waving)
	require.NoError(t, err)

	undone, err := p.Undo(waving, producer.Succeeded(waving, prepared.Value))
	require.NoError(t, err)
	assert.True(t, undone.Invalidated)
	for _, path := range []string{prepared.Value.Path, prepared.Derived[0].Value.Path, prepared.Derived[1].Value.Path} {
		_, err := os.Stat(path)
		assert.True(t, os.IsNotExist(err), "%s should be gone", path)
	}

	// Undoing twice is harmless.
	_, err = p.Undo(waving, undone)
	assert.NoError(t, err)
}

func TestBuildRoundTrip(t *testing.T) {
	for _, compression := range []Compression{CompressionZstd, CompressionLZ4, CompressionNone} {
		t.Run(string(compression), func(t *testing.T) {
			src := t.TempDir()
			fb := filepath.Join(src, "fallback.svg")
			require.NoError(t, os.WriteFile(fb, []byte(fallback), 0o600))
			p, _ := newProducer(t, Config{Compression: compression, Fallback: fb})

			outcomes := prepareAll(t, p,
				source(t, src, item.Sequence{0x1F680}, rocket),
				source(t, src, item.Sequence{0x1F44B}, wave),
				source(t, src, item.Sequence{0x1F681}, "not an image"),
			)
			out := filepath.Join(t.TempDir(), "dist", "emoji"+compression.Extension())
			require.NoError(t, p.Build(context.Background(), outcomes, out))

			archive, err := ReadArchive(out, compression)
			require.NoError(t, err)
			m := archive.Manifest
			assert.Equal(t, compression, m.Compression)
			assert.False(t, m.Partial)
			require.Len(t, m.Glyphs, 3)
			assert.Equal(t, "1f44b", m.Glyphs[0].Sequence)
			assert.Equal(t, "1f680", m.Glyphs[1].Sequence)
			assert.True(t, m.Glyphs[2].Fallback)
			require.Len(t, m.Failures, 1)
			assert.Equal(t, "1f681", m.Failures[0].Sequence)

			assert.NotEmpty(t, m.ContentHash)
			assert.NoError(t, m.Verify())

			assert.Equal(t, rocket, string(archive.Files["glyphs/emoji_u1f680.svg"]))
			assert.Equal(t, fallback, string(archive.Files["glyphs/emoji_u1f681.svg"]))
		})
	}
}

func TestBuildWithoutFallbackSkipsFailures(t *testing.T) {
	src := t.TempDir()
	p, _ := newProducer(t, Config{})
	outcomes := prepareAll(t, p,
		source(t, src, item.Sequence{0x1F680}, rocket),
		source(t, src, item.Sequence{0x1F681}, "broken"),
	)
	out := filepath.Join(t.TempDir(), "emoji.tar.zst")
	require.NoError(t, p.Build(context.Background(), outcomes, out))

	archive, err := ReadArchive(out, CompressionZstd)
	require.NoError(t, err)
	assert.Len(t, archive.Manifest.Glyphs, 1)
	assert.Len(t, archive.Files, 1)
	assert.Len(t, archive.Manifest.Failures, 1)
}

func TestBuildFailsWhenNothingToPack(t *testing.T) {
	src := t.TempDir()
	p, _ := newProducer(t, Config{})
	outcomes := prepareAll(t, p, source(t, src, item.Sequence{0x1F681}, "broken"))
	out := filepath.Join(t.TempDir(), "emoji.tar.zst")

	err := p.Build(context.Background(), outcomes, out)
	require.ErrorIs(t, err, ErrEmptyBundle)
	_, statErr := os.Stat(out)
	assert.True(t, os.IsNotExist(statErr))
	entries, _ := os.ReadDir(filepath.Dir(out))
	assert.Empty(t, entries, "no temporary archive is left behind")
}

func TestBuildIncludesDerivedGlyphs(t *testing.T) {
	src := t.TempDir()
	p, _ := newProducer(t, Config{Tones: tones()})
	outcomes := prepareAll(t, p, source(t, src, item.Sequence{0x1F44B}, wave))
	out := filepath.Join(t.TempDir(), "emoji.tar.zst")
	require.NoError(t, p.Build(context.Background(), outcomes, out))

	archive, err := ReadArchive(out, CompressionZstd)
	require.NoError(t, err)
	require.Len(t, archive.Manifest.Glyphs, 3)
	assert.True(t, archive.Manifest.Glyphs[1].Derived)
	assert.Contains(t, string(archive.Files["glyphs/emoji_u1f44b_1f3ff.svg"]), "#5C4A42")
}

func TestResetReseedsFallback(t *testing.T) {
	src := t.TempDir()
	fb := filepath.Join(src, "fallback.svg")
	require.NoError(t, os.WriteFile(fb, []byte(fallback), 0o600))
	p, buildDir := newProducer(t, Config{Fallback: fb})
	prepared, err := p.Prepare(context.Background(), source(t, src, item.Sequence{0x1F680}, rocket))
	require.NoError(t, err)

	require.NoError(t, p.Reset(buildDir))

	_, err = os.Stat(prepared.Value.Path)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(buildDir, "fallback.svg"))
	assert.NoError(t, err)
	entries, err := os.ReadDir(filepath.Join(buildDir, "glyphs"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestFinishWritesPartialManifest(t *testing.T) {
	src := t.TempDir()
	p, buildDir := newProducer(t, Config{})
	outcomes := prepareAll(t, p, source(t, src, item.Sequence{0x1F680}, rocket))
	outcomes.Put(producer.Failed[Glyph](item.New(item.Sequence{0x1F681}, ""), errors.New("interrupted")))

	require.NoError(t, p.Finish(outcomes))

	data, err := os.ReadFile(filepath.Join(buildDir, "manifest.partial.yaml"))
	require.NoError(t, err)
	m, err := ParseManifest(data)
	require.NoError(t, err)
	assert.NoError(t, m.Verify())
	assert.True(t, m.Partial)
	assert.Len(t, m.Glyphs, 1)
	require.Len(t, m.Failures, 1)
	assert.Equal(t, "interrupted", m.Failures[0].Error)

	// A completed build clears the partial record.
	require.NoError(t, p.Build(context.Background(), outcomes, filepath.Join(t.TempDir(), "emoji.tar.zst")))
	_, err = os.Stat(filepath.Join(buildDir, "manifest.partial.yaml"))
	assert.True(t, os.IsNotExist(err))
}

func TestParseCompression(t *testing.T) {
	c, err := ParseCompression("")
	require.NoError(t, err)
	assert.Equal(t, CompressionZstd, c)
	c, err = ParseCompression(" LZ4 ")
	require.NoError(t, err)
	assert.Equal(t, CompressionLZ4, c)
	assert.Equal(t, ".tar", CompressionNone.Extension())
	_, err = ParseCompression("gzip")
	assert.Error(t, err)
}
