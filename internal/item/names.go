package item

import (
	"strings"

	"golang.org/x/text/unicode/runenames"
)

// UnicodeName returns the lowercased Unicode character name for a
// single-codepoint sequence (ignoring a trailing VS16), or "" when unknown.
func UnicodeName(seq Sequence) string {
	if len(seq) == 2 && seq[1] == VS16 {
		seq = seq[:1]
	}
	if len(seq) != 1 || seq[0] > MaxCodepoint {
		return ""
	}
	name := runenames.Name(rune(seq[0]))
	if name == "" || strings.HasPrefix(name, "<") {
		return ""
	}
	return strings.ToLower(name)
}
