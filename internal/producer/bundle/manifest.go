package bundle

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrManifestMismatch is returned when a manifest's content hash does not match
// its entries.
var ErrManifestMismatch = errors.New("manifest content hash mismatch")

// Manifest describes the content of an archive. It is the first entry of
// every archive.
type Manifest struct {
	Generated   time.Time         `yaml:"generated"`
	Compression Compression       `yaml:"compression"`
	Partial     bool              `yaml:"partial,omitempty"`
	ContentHash string            `yaml:"content_hash,omitempty"`
	Glyphs      []ManifestEntry   `yaml:"glyphs"`
	Failures    []ManifestFailure `yaml:"failures,omitempty"`
}

// ManifestEntry is one packed glyph.
type ManifestEntry struct {
	Sequence string `yaml:"sequence" json:"sequence"`
	Name     string `yaml:"name,omitempty" json:"name,omitempty"`
	Kinds    string `yaml:"kinds,omitempty" json:"kinds,omitempty"`
	File     string `yaml:"file" json:"file"`
	Size     int64  `yaml:"size" json:"size"`
	Reused   bool   `yaml:"reused,omitempty" json:"-"`
	Derived  bool   `yaml:"derived,omitempty" json:"derived,omitempty"`
	Fallback bool   `yaml:"fallback,omitempty" json:"fallback,omitempty"`
}

// ManifestFailure is one item that could not be prepared.
type ManifestFailure struct {
	Sequence string `yaml:"sequence" json:"sequence"`
	Error    string `yaml:"error" json:"error"`
}

// ParseManifest decodes a manifest written by Build or Finish.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return &m, nil
}

// Hash computes a deterministic hash of what the archive holds. The generation
// time and whether a glyph was reused do not contribute, so two builds that
// pack the same glyphs hash alike.
func (m Manifest) Hash() (string, error) {
	hashInput := struct {
		Compression Compression       `json:"compression"`
		Partial     bool              `json:"partial"`
		Glyphs      []ManifestEntry   `json:"glyphs"`
		Failures    []ManifestFailure `json:"failures"`
	}{
		Compression: m.Compression,
		Partial:     m.Partial,
		Glyphs:      append([]ManifestEntry{}, m.Glyphs...),
		Failures:    append([]ManifestFailure{}, m.Failures...),
	}

	data, err := json.Marshal(hashInput)
	if err != nil {
		return "", fmt.Errorf("marshal manifest for hash: %w", err)
	}
	return fmt.Sprintf("%x", sha256.Sum256(data)), nil
}

// Verify checks ContentHash against the entries. Manifests without a hash
// pass.
func (m Manifest) Verify() error {
	if m.ContentHash == "" {
		return nil
	}
	hash, err := m.Hash()
	if err != nil {
		return err
	}
	if hash != m.ContentHash {
		return fmt.Errorf("%w: recorded %s, computed %s", ErrManifestMismatch, m.ContentHash, hash)
	}
	return nil
}

func (m *Manifest) seal() error {
	hash, err := m.Hash()
	if err != nil {
		return err
	}
	m.ContentHash = hash
	return nil
}

func (m Manifest) marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(m); err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	return buf.Bytes(), nil
}
