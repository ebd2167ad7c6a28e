package bundle

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"git.home.luguber.info/inful/emojibuilder/internal/item"
)

// ToneConfig describes skin tone derivation. Base names the colours of the
// default skin in source glyphs; every target maps some of those names to the
// colours of one Fitzpatrick modifier.
type ToneConfig struct {
	Base    map[string]string `yaml:"base,omitempty"`
	Targets []ToneTarget      `yaml:"targets,omitempty"`
}

// ToneTarget is one derived skin tone.
type ToneTarget struct {
	// Modifier is the hex code of the skin tone modifier, e.g. "1f3fb".
	Modifier string            `yaml:"modifier"`
	Name     string            `yaml:"name"`
	Colors   map[string]string `yaml:"colors"`
}

// Enabled reports whether any derivation is configured.
func (c ToneConfig) Enabled() bool {
	return len(c.Base) > 0 && len(c.Targets) > 0
}

// Validate checks the palette the way New does. Base colours are checked even
// when no target is configured.
func (c ToneConfig) Validate() error {
	if len(c.Targets) > 0 && len(c.Base) == 0 {
		return errors.New("tones: targets require a base palette")
	}
	for name, color := range c.Base {
		if !hexColor.MatchString(color) {
			return fmt.Errorf("tones: base colour %s: invalid hex colour %q", name, color)
		}
	}
	_, err := newPalette(c)
	return err
}

var hexColor = regexp.MustCompile(`^#([0-9a-fA-F]{3}|[0-9a-fA-F]{6})$`)

type tone struct {
	modifier uint32
	name     string
	replacer *strings.Replacer
}

// palette is a validated ToneConfig.
type palette struct {
	base  []string // lowercase base colours
	tones []tone
}

func newPalette(cfg ToneConfig) (*palette, error) {
	if !cfg.Enabled() {
		return nil, nil
	}
	p := &palette{}
	names := make([]string, 0, len(cfg.Base))
	for name, color := range cfg.Base {
		if !hexColor.MatchString(color) {
			return nil, fmt.Errorf("tones: base colour %s: invalid hex colour %q", name, color)
		}
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		p.base = append(p.base, strings.ToLower(cfg.Base[name]))
	}

	seen := make(map[uint32]bool, len(cfg.Targets))
	for i, target := range cfg.Targets {
		seq, err := item.ParseSequence(target.Modifier)
		if err != nil || len(seq) != 1 || !item.IsSkinTone(seq[0]) {
			return nil, fmt.Errorf("tones: target %d: %q is not a skin tone modifier", i, target.Modifier)
		}
		if seen[seq[0]] {
			return nil, fmt.Errorf("tones: target %d: duplicate modifier %s", i, seq.Key())
		}
		seen[seq[0]] = true
		if strings.TrimSpace(target.Name) == "" {
			return nil, fmt.Errorf("tones: target %s: name is required", seq.Key())
		}

		var pairs []string
		for name, color := range target.Colors {
			base, ok := cfg.Base[name]
			if !ok {
				return nil, fmt.Errorf("tones: target %s: colour %q is not in the base palette", seq.Key(), name)
			}
			if !hexColor.MatchString(color) {
				return nil, fmt.Errorf("tones: target %s: colour %s: invalid hex colour %q", seq.Key(), name, color)
			}
			pairs = append(pairs, strings.ToLower(base), color, strings.ToUpper(base), color)
		}
		p.tones = append(p.tones, tone{modifier: seq[0], name: target.Name, replacer: strings.NewReplacer(pairs...)})
	}
	return p, nil
}

// eligible reports whether it is a skin tone base drawn in the base palette.
func (p *palette) eligible(it item.Item, svg []byte) bool {
	if p == nil || len(toneBase(it.Sequence)) != 1 {
		return false
	}
	for _, cp := range it.Sequence {
		if item.IsSkinTone(cp) {
			return false
		}
	}
	lower := strings.ToLower(string(svg))
	for _, color := range p.base {
		if strings.Contains(lower, color) {
			return true
		}
	}
	return false
}

// toneBase drops a trailing emoji presentation selector.
func toneBase(seq item.Sequence) item.Sequence {
	if n := len(seq); n > 1 && seq[n-1] == item.VS16 {
		return seq[:n-1]
	}
	return seq
}

// variants returns the derived item for every tone.
func (p *palette) variants(it item.Item) []item.Item {
	out := make([]item.Item, 0, len(p.tones))
	for _, t := range p.tones {
		out = append(out, p.variant(it, t))
	}
	return out
}

func (p *palette) variant(it item.Item, t tone) item.Item {
	seq := append(toneBase(it.Sequence).Clone(), t.modifier)
	derived := item.New(seq, it.SourcePath)
	if name := it.Label(); name != string(it.Key()) {
		derived.Name = name + ": " + t.name
	}
	return derived
}
