package bundle

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"git.home.luguber.info/inful/emojibuilder/internal/item"
	"git.home.luguber.info/inful/emojibuilder/internal/logfields"
	"git.home.luguber.info/inful/emojibuilder/internal/producer"
)

// archiveFile is one tar member with its content source.
type archiveFile struct {
	name string
	src  string
}

// manifest lists outcomes in key order. Failed items become fallback entries
// when a fallback glyph is configured and are listed under failures either way.
func (p *Producer) manifest(outcomes producer.OutcomeMap[Glyph], partial bool) Manifest {
	m := Manifest{
		Generated:   time.Now().UTC(),
		Compression: p.cfg.Compression,
		Partial:     partial,
	}
	fallback, hasFallback := statGlyph(p.fallbackPath())
	for _, o := range outcomes.Sorted() {
		key := o.Item.Key()
		entry := ManifestEntry{
			Sequence: string(key),
			Name:     o.Item.Name,
			File:     path.Join(glyphDirName, GlyphFile(key)),
			Reused:   o.Reused,
			Derived:  o.Derived,
		}
		if !o.Item.Kinds.Empty() {
			entry.Kinds = o.Item.Kinds.String()
		}
		switch {
		case o.OK() && !o.Invalidated:
			entry.Size = o.Value.Size
		case !o.OK():
			m.Failures = append(m.Failures, ManifestFailure{Sequence: string(key), Error: o.Err.Error()})
			if !hasFallback {
				continue
			}
			entry.Size = fallback.Size
			entry.Fallback = true
		default:
			continue
		}
		m.Glyphs = append(m.Glyphs, entry)
	}
	return m
}

// Build writes every glyph and the manifest into a compressed tar archive at
// outputPath. The archive replaces any previous one atomically.
func (p *Producer) Build(ctx context.Context, outcomes producer.OutcomeMap[Glyph], outputPath string) error {
	m := p.manifest(outcomes, false)
	if len(m.Glyphs) == 0 {
		return fmt.Errorf("%w: %d items failed", ErrEmptyBundle, len(m.Failures))
	}
	if err := m.seal(); err != nil {
		return err
	}
	manifest, err := m.marshal()
	if err != nil {
		return err
	}

	files := make([]archiveFile, 0, len(m.Glyphs))
	for _, entry := range m.Glyphs {
		src := outcomes[item.Key(entry.Sequence)].Value.Path
		if entry.Fallback {
			src = p.fallbackPath()
		}
		files = append(files, archiveFile{name: entry.File, src: src})
	}

	if err := os.MkdirAll(filepath.Dir(outputPath), 0o750); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(outputPath), "."+filepath.Base(outputPath)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp archive: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	if err := p.writeArchive(ctx, tmp, manifest, files); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close archive: %w", err)
	}
	if err := os.Rename(tmpName, outputPath); err != nil {
		return fmt.Errorf("rename archive: %w", err)
	}
	_ = os.Remove(filepath.Join(p.buildDir, partialManifestName))

	p.logger.Info("Bundle written",
		logfields.Output(outputPath),
		slog.String("content_hash", m.ContentHash),
		logfields.Items(len(m.Glyphs)),
		logfields.Failed(len(m.Failures)))
	return nil
}

func (p *Producer) writeArchive(ctx context.Context, w io.Writer, manifest []byte, files []archiveFile) error {
	cw, err := p.compressor(w)
	if err != nil {
		return err
	}
	tw := tar.NewWriter(cw)
	now := time.Now()

	if err := writeMember(tw, manifestName, manifest, now); err != nil {
		return err
	}
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := os.ReadFile(f.src)
		if err != nil {
			return fmt.Errorf("read %s: %w", f.src, err)
		}
		if err := writeMember(tw, f.name, data, now); err != nil {
			return err
		}
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar: %w", err)
	}
	if err := cw.Close(); err != nil {
		return fmt.Errorf("close %s stream: %w", p.cfg.Compression, err)
	}
	return nil
}

func writeMember(tw *tar.Writer, name string, data []byte, modTime time.Time) error {
	hdr := &tar.Header{
		Name:    name,
		Mode:    0o644,
		Size:    int64(len(data)),
		ModTime: modTime,
		Format:  tar.FormatPAX,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("tar header %s: %w", name, err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("tar write %s: %w", name, err)
	}
	return nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func (p *Producer) compressor(w io.Writer) (io.WriteCloser, error) {
	switch p.cfg.Compression {
	case CompressionNone:
		return nopWriteCloser{w}, nil
	case CompressionLZ4:
		return lz4.NewWriter(w), nil
	default:
		opts := []zstd.EOption{zstd.WithEncoderLevel(zstd.SpeedDefault)}
		if p.cfg.Level > 0 {
			opts = []zstd.EOption{zstd.WithEncoderLevel(zstd.EncoderLevel(p.cfg.Level))}
		}
		enc, err := zstd.NewWriter(w, opts...)
		if err != nil {
			return nil, fmt.Errorf("zstd writer: %w", err)
		}
		return enc, nil
	}
}

// Archive is the decoded content of a bundle.
type Archive struct {
	Manifest Manifest
	Files    map[string][]byte
}

// ReadArchive decodes the bundle at path.
func ReadArchive(file string, compression Compression) (*Archive, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close()
	}()

	var r io.Reader
	switch compression {
	case CompressionNone:
		r = f
	case CompressionLZ4:
		r = lz4.NewReader(f)
	default:
		dec, err := zstd.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("zstd reader: %w", err)
		}
		defer dec.Close()
		r = dec
	}

	a := &Archive{Files: make(map[string][]byte)}
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read tar: %w", err)
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", hdr.Name, err)
		}
		if hdr.Name == manifestName {
			m, err := ParseManifest(data)
			if err != nil {
				return nil, err
			}
			a.Manifest = *m
			continue
		}
		a.Files[hdr.Name] = data
	}
	if err := a.Manifest.Verify(); err != nil {
		return nil, err
	}
	return a, nil
}
