package item

import (
	"fmt"
	"strings"

	"git.home.luguber.info/inful/emojibuilder/internal/foundation/normalization"
)

// Kind is a categorical tag from a closed vocabulary.
type Kind uint8

// Declaration order is the canonical order used when rendering or merging.
const (
	KindEmoji Kind = iota
	KindModifier
	KindZWJ
	KindFlag
	KindKeycap
	KindTag
	KindComponent
	KindTextDefault

	kindCount
)

var kindNames = [kindCount]string{
	KindEmoji:       "emoji",
	KindModifier:    "modifier",
	KindZWJ:         "zwj",
	KindFlag:        "flag",
	KindKeycap:      "keycap",
	KindTag:         "tag",
	KindComponent:   "component",
	KindTextDefault: "text-default",
}

var kindNormalizer = normalization.NewNormalizer(map[string]Kind{
	"emoji":        KindEmoji,
	"modifier":     KindModifier,
	"zwj":          KindZWJ,
	"flag":         KindFlag,
	"keycap":       KindKeycap,
	"tag":          KindTag,
	"component":    KindComponent,
	"text-default": KindTextDefault,
	"text_default": KindTextDefault,
}, kindCount)

func (k Kind) String() string {
	if k < kindCount {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// ParseKind maps a name to a Kind, case-insensitively.
func ParseKind(raw string) (Kind, error) {
	k, err := kindNormalizer.NormalizeWithError(raw)
	if err != nil {
		return 0, fmt.Errorf("kind: %w", err)
	}
	return k, nil
}

// Kinds is an order-independent set of Kind values.
type Kinds uint16

// KindsOf builds a set from the given kinds.
func KindsOf(kinds ...Kind) Kinds {
	var s Kinds
	for _, k := range kinds {
		s = s.With(k)
	}
	return s
}

// With returns the set with k added.
func (s Kinds) With(k Kind) Kinds {
	if k >= kindCount {
		return s
	}
	return s | 1<<k
}

// Has reports membership.
func (s Kinds) Has(k Kind) bool {
	return k < kindCount && s&(1<<k) != 0
}

// Union merges two sets.
func (s Kinds) Union(other Kinds) Kinds {
	return s | other
}

// Empty reports whether no kind is set.
func (s Kinds) Empty() bool {
	return s == 0
}

// List returns the members in canonical order.
func (s Kinds) List() []Kind {
	var out []Kind
	for k := Kind(0); k < kindCount; k++ {
		if s.Has(k) {
			out = append(out, k)
		}
	}
	return out
}

func (s Kinds) String() string {
	list := s.List()
	names := make([]string, len(list))
	for i, k := range list {
		names[i] = k.String()
	}
	return strings.Join(names, ",")
}

// ParseKinds parses a comma separated list of kind names.
func ParseKinds(raw string) (Kinds, error) {
	var s Kinds
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		k, err := ParseKind(part)
		if err != nil {
			return 0, err
		}
		s = s.With(k)
	}
	return s, nil
}

// Notable code values used for classification.
const (
	ZWJ              = 0x200D
	VS15             = 0xFE0E
	VS16             = 0xFE0F
	CombiningKeycap  = 0x20E3
	SkinToneFirst    = 0x1F3FB
	SkinToneLast     = 0x1F3FF
	RegionalFirst    = 0x1F1E6
	RegionalLast     = 0x1F1FF
	TagFirst         = 0xE0020
	TagLast          = 0xE007F
	BlackFlag        = 0x1F3F4
	componentHairMin = 0x1F9B0
	componentHairMax = 0x1F9B3
)

// IsSkinTone reports whether cp is a Fitzpatrick modifier.
func IsSkinTone(cp uint32) bool {
	return cp >= SkinToneFirst && cp <= SkinToneLast
}

// Classify infers kinds from the code values of seq.
func Classify(seq Sequence) Kinds {
	s := KindsOf(KindEmoji)
	regional := 0
	for _, cp := range seq {
		switch {
		case cp == ZWJ:
			s = s.With(KindZWJ)
		case IsSkinTone(cp):
			s = s.With(KindModifier)
		case cp >= RegionalFirst && cp <= RegionalLast:
			regional++
		case cp == CombiningKeycap:
			s = s.With(KindKeycap)
		case cp >= TagFirst && cp <= TagLast:
			s = s.With(KindTag)
		case cp == VS15:
			s = s.With(KindTextDefault)
		}
	}
	if regional == 2 && len(seq) == 2 {
		s = s.With(KindFlag)
	}
	if len(seq) > 0 && seq[0] == BlackFlag && s.Has(KindTag) {
		s = s.With(KindFlag)
	}
	if len(seq) == 1 {
		cp := seq[0]
		if IsSkinTone(cp) || (cp >= componentHairMin && cp <= componentHairMax) {
			s = s.With(KindComponent)
		}
	}
	return s
}
