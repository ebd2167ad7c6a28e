// Package item models the identity of a single unit of build work: an emoji
// glyph addressed by its codepoint sequence.
package item

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// MaxCodepoint is the largest valid Unicode scalar value.
const MaxCodepoint = 0x10FFFF

var (
	// ErrEmptySequence is returned when a sequence has no code values.
	ErrEmptySequence = errors.New("empty codepoint sequence")
	// ErrInvalidCodepoint is returned for values beyond MaxCodepoint or unparseable hex.
	ErrInvalidCodepoint = errors.New("invalid codepoint")
)

// Sequence is an ordered list of code values. It is the sole identity of an Item.
type Sequence []uint32

// Key is the canonical string form of a Sequence, usable as a map key.
type Key string

// Key renders the sequence as lowercase hex code values separated by single spaces.
func (s Sequence) Key() Key {
	return Key(s.String())
}

func (s Sequence) String() string {
	var b strings.Builder
	for i, cp := range s {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(strconv.FormatUint(uint64(cp), 16))
	}
	return b.String()
}

// Validate reports whether the sequence is non-empty and every value is a
// Unicode scalar value.
func (s Sequence) Validate() error {
	if len(s) == 0 {
		return ErrEmptySequence
	}
	for i, cp := range s {
		if cp > MaxCodepoint {
			return fmt.Errorf("%w: U+%X at position %d", ErrInvalidCodepoint, cp, i)
		}
	}
	return nil
}

// Equal compares two sequences value by value.
func (s Sequence) Equal(other Sequence) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

// Runes converts the sequence into a string of the encoded characters.
func (s Sequence) Runes() string {
	var b strings.Builder
	for _, cp := range s {
		b.WriteRune(rune(cp))
	}
	return b.String()
}

// Clone returns an independent copy.
func (s Sequence) Clone() Sequence {
	if s == nil {
		return nil
	}
	out := make(Sequence, len(s))
	copy(out, s)
	return out
}

// ParseSequence parses space-separated hexadecimal code values, e.g. "1f600 200d".
// Leading zeros and an optional "U+" prefix are accepted.
func ParseSequence(raw string) (Sequence, error) {
	return parseFields(strings.Fields(raw))
}

func parseFields(fields []string) (Sequence, error) {
	if len(fields) == 0 {
		return nil, ErrEmptySequence
	}
	seq := make(Sequence, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimPrefix(strings.TrimPrefix(f, "U+"), "u+")
		v, err := strconv.ParseUint(f, 16, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidCodepoint, f)
		}
		seq = append(seq, uint32(v))
	}
	if err := seq.Validate(); err != nil {
		return nil, err
	}
	return seq, nil
}

// Item is one unit of build work. Two items with equal sequences are the same
// item regardless of their other fields.
type Item struct {
	Sequence   Sequence
	Name       string
	Kinds      Kinds
	SourcePath string
}

// New creates an item for seq with kinds inferred from its code values.
func New(seq Sequence, sourcePath string) Item {
	return Item{
		Sequence:   seq,
		Kinds:      Classify(seq),
		SourcePath: sourcePath,
	}
}

// Key returns the identity key of the item.
func (it Item) Key() Key {
	return it.Sequence.Key()
}

// Same reports whether both items share an identity.
func (it Item) Same(other Item) bool {
	return it.Sequence.Equal(other.Sequence)
}

// HasSource reports whether the item can be hashed and rendered.
func (it Item) HasSource() bool {
	return it.SourcePath != ""
}

// Label returns the human readable name, falling back to the Unicode character
// name for single codepoints and to the key otherwise.
func (it Item) Label() string {
	if it.Name != "" {
		return it.Name
	}
	if name := UnicodeName(it.Sequence); name != "" {
		return name
	}
	return string(it.Key())
}

// Merge combines two descriptions of the same item. Kinds are unioned, the
// first non-empty name is kept and a non-empty source path from other replaces
// the current one.
func (it Item) Merge(other Item) Item {
	out := Item{
		Sequence:   it.Sequence.Clone(),
		Name:       it.Name,
		Kinds:      it.Kinds.Union(other.Kinds),
		SourcePath: it.SourcePath,
	}
	if out.Name == "" {
		out.Name = other.Name
	}
	if other.SourcePath != "" {
		out.SourcePath = other.SourcePath
	}
	return out
}

func (it Item) String() string {
	if it.Name != "" {
		return fmt.Sprintf("%s (%s)", it.Key(), it.Name)
	}
	return string(it.Key())
}
