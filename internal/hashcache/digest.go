package hashcache

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"

	"git.home.luguber.info/inful/emojibuilder/internal/item"
)

// DigestSize is the length in bytes of a Digest.
const DigestSize = sha256.Size

// Digest is the SHA-256 of a source file with every carriage return removed,
// so checkouts with CRLF and LF line endings hash identically.
type Digest [DigestSize]byte

// ErrNoSourcePath is returned when an item carries no source file to hash.
var ErrNoSourcePath = errors.New("item has no source path")

// String renders the digest as lowercase hex.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// IsZero reports whether d is the zero value.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// ParseDigest decodes exactly 64 hex characters.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	if hex.DecodedLen(len(s)) != DigestSize {
		return d, fmt.Errorf("digest must be %d hex characters, got %d", DigestSize*2, len(s))
	}
	if _, err := hex.Decode(d[:], []byte(s)); err != nil {
		return d, fmt.Errorf("decode digest: %w", err)
	}
	return d, nil
}

// crStripper forwards writes to the hash with all 0x0D bytes dropped.
type crStripper struct {
	h hash.Hash
}

func (w crStripper) Write(p []byte) (int, error) {
	n := len(p)
	for len(p) > 0 {
		i := bytes.IndexByte(p, '\r')
		if i < 0 {
			_, _ = w.h.Write(p)
			break
		}
		_, _ = w.h.Write(p[:i])
		p = p[i+1:]
	}
	return n, nil
}

// DigestReader hashes the CR-normalized contents of r.
func DigestReader(r io.Reader) (Digest, error) {
	h := sha256.New()
	if _, err := io.Copy(crStripper{h: h}, r); err != nil {
		return Digest{}, err
	}
	var d Digest
	copy(d[:], h.Sum(nil))
	return d, nil
}

// DigestBytes hashes the CR-normalized form of b.
func DigestBytes(b []byte) Digest {
	d, _ := DigestReader(bytes.NewReader(b))
	return d
}

// DigestFile hashes the CR-normalized contents of the file at path.
func DigestFile(path string) (Digest, error) {
	f, err := os.Open(path) // #nosec G304 -- source paths come from the item loader
	if err != nil {
		return Digest{}, err
	}
	defer func() {
		_ = f.Close()
	}()
	d, err := DigestReader(f)
	if err != nil {
		return Digest{}, fmt.Errorf("read %s: %w", path, err)
	}
	return d, nil
}

// DigestItem hashes the source file of it. It never touches a Cache and may be
// called from any number of goroutines.
func DigestItem(it item.Item) (Digest, error) {
	if !it.HasSource() {
		return Digest{}, fmt.Errorf("%s: %w", it.Key(), ErrNoSourcePath)
	}
	return DigestFile(it.SourcePath)
}
