package model

import (
	"cmp"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// IdentityKey identifies one extracted, graded or generated item.
// Number is the question (or day) number; Label is an optional sub-question
// label such as "a" or "ii"; Option is an optional OR-alternative.
type IdentityKey struct {
	Number int    `json:"number"`
	Label  string `json:"label,omitempty"`
	Option string `json:"option,omitempty"`
}

// Key builds a normalized identity key.
func Key(number int, label, option string) IdentityKey {
	return IdentityKey{Number: number, Label: NormalizeLabel(label), Option: NormalizeLabel(option)}
}

// String renders the key as "3", "3b" or "3b/or2".
func (k IdentityKey) String() string {
	s := strconv.Itoa(k.Number) + k.Label
	if k.Option != "" {
		s += "/or" + k.Option
	}
	return s
}

// Covers reports whether an item with key item satisfies this key as a target.
// Empty label and option act as wildcards.
func (k IdentityKey) Covers(item IdentityKey) bool {
	if k.Number != item.Number {
		return false
	}
	if k.Label != "" && k.Label != item.Label {
		return false
	}
	if k.Option != "" && k.Option != item.Option {
		return false
	}
	return true
}

// Compare orders keys by number, then label, then option.
func (k IdentityKey) Compare(o IdentityKey) int {
	if c := cmp.Compare(k.Number, o.Number); c != 0 {
		return c
	}
	if c := cmp.Compare(k.Label, o.Label); c != 0 {
		return c
	}
	return cmp.Compare(k.Option, o.Option)
}

var keyPattern = regexp.MustCompile(`^(?i)\s*(?:q(?:uestion)?\.?\s*)?(\d+)\s*[.\-]?\s*\(?([a-z]+)?\)?\s*(?:/\s*or\s*\(?([a-z0-9]+)\)?)?\s*$`)

// ParseIdentityKey parses keys written as "3", "3b", "Q3(b)", "3.b" or "3b/or2".
func ParseIdentityKey(s string) (IdentityKey, error) {
	m := keyPattern.FindStringSubmatch(s)
	if m == nil {
		return IdentityKey{}, fmt.Errorf("invalid identity key %q", s)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return IdentityKey{}, fmt.Errorf("invalid identity key %q: %w", s, err)
	}
	return Key(n, m[2], m[3]), nil
}

// NormalizeLabel lowercases a sub-label and strips brackets, dots and spaces.
func NormalizeLabel(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.Trim(s, "().[] ")
}
