package anonymize

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Child is one identity to conceal before text leaves the machine.
type Child struct {
	Name      string
	YearGroup string
	School    string
}

// Profile is the anonymized view of a child that may be shared with the
// AI backend: the token plus non-identifying context.
type Profile struct {
	Token     string `json:"token"`
	YearGroup string `json:"year_group,omitempty"`
	School    string `json:"school,omitempty"`
}

// Mapping is a run-scoped substitution table between real child names and
// opaque CHILD_n tokens. It lives for one pipeline run and is never
// persisted; real names must not reach the backend and tokens must not
// reach the user.
type Mapping struct {
	children []Child
	tokens   []string
	patterns []*regexp.Regexp
	// Longest names substitute first so "Mary Jane" is not consumed by
	// a sibling "Mary" pattern.
	order []int
}

// NewMapping builds the token table. Token numbering follows the given
// order: children[i] becomes CHILD_{i+1}. Children with empty names are
// dropped.
func NewMapping(children []Child) *Mapping {
	kept := make([]Child, 0, len(children))
	for _, c := range children {
		if strings.TrimSpace(c.Name) != "" {
			kept = append(kept, c)
		}
	}

	m := &Mapping{
		children: kept,
		tokens:   make([]string, len(kept)),
		patterns: make([]*regexp.Regexp, len(kept)),
		order:    make([]int, len(kept)),
	}
	for i, c := range kept {
		m.tokens[i] = fmt.Sprintf("CHILD_%d", i+1)
		m.patterns[i] = regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(c.Name) + `\b`)
		m.order[i] = i
	}
	sort.SliceStable(m.order, func(a, b int) bool {
		return len(kept[m.order[a]].Name) > len(kept[m.order[b]].Name)
	})
	return m
}

// Empty reports whether the mapping has no children to substitute.
func (m *Mapping) Empty() bool {
	return len(m.children) == 0
}

// Anonymize replaces every real child name in text with its token.
// Matching is case-insensitive and whole-name. Text already containing
// tokens passes through unchanged.
func (m *Mapping) Anonymize(text string) string {
	for _, i := range m.order {
		text = m.patterns[i].ReplaceAllString(text, m.tokens[i])
	}
	return text
}

// Deanonymize replaces every token in text with the real child name.
// Higher-numbered tokens substitute first so CHILD_1 never clips CHILD_12.
func (m *Mapping) Deanonymize(text string) string {
	for i := len(m.tokens) - 1; i >= 0; i-- {
		text = strings.ReplaceAll(text, m.tokens[i], m.children[i].Name)
	}
	return text
}

// Profiles returns the anonymized child profiles for prompt building.
func (m *Mapping) Profiles() []Profile {
	profiles := make([]Profile, len(m.children))
	for i, c := range m.children {
		profiles[i] = Profile{
			Token:     m.tokens[i],
			YearGroup: c.YearGroup,
			School:    c.School,
		}
	}
	return profiles
}

// NameForToken resolves a token back to the real name for fields that hold
// exactly one token rather than free text.
func (m *Mapping) NameForToken(token string) (string, bool) {
	for i, t := range m.tokens {
		if t == token {
			return m.children[i].Name, true
		}
	}
	return "", false
}
