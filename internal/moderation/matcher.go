package moderation

import (
	"regexp"
	"strings"
	"sync"

	"github.com/cloudflare/ahocorasick"
)

// DefaultLinkPattern matches an http or https scheme, or a literal "www.",
// anywhere in the text and in any case.
const DefaultLinkPattern = `(?i)(https?://|www\.)`

// DefaultKeywords is the banned-term list used when none is configured.
// Scheme and "www." entries are covered by the link pattern instead.
var DefaultKeywords = []string{"bit.ly", "เชิญเข้ากลุ่ม", "เข้าเล่น"}

var defaultLinkRegexp = regexp.MustCompile(DefaultLinkPattern)

// keywordCheck pairs a reason with the function that detects it.
type keywordCheck struct {
	reason Reason
	match  func(m *KeywordMatcher, text, lower string) bool
}

// keywordChecks is applied in order; the resulting set preserves precedence.
var keywordChecks = []keywordCheck{
	{reason: ReasonLink, match: func(m *KeywordMatcher, text, _ string) bool {
		return m.link.MatchString(text)
	}},
	{reason: ReasonBannedKeyword, match: func(m *KeywordMatcher, _, lower string) bool {
		return len(m.hits(lower)) > 0
	}},
}

// KeywordMatcher classifies text against a link pattern and a fixed list of
// banned keywords. Keyword matching is plain substring containment on the
// lower-cased text with no word-boundary requirement. It is safe for
// concurrent use.
type KeywordMatcher struct {
	link  *regexp.Regexp
	terms []string

	// ahocorasick.Matcher bumps internal counters on every Match call, so each
	// goroutine borrows its own automaton.
	automata sync.Pool
}

// NewKeywordMatcher builds a matcher for keywords. Keywords are lower-cased
// and de-duplicated; empty entries are dropped. A nil link pattern selects
// DefaultLinkPattern.
func NewKeywordMatcher(keywords []string, link *regexp.Regexp) *KeywordMatcher {
	if link == nil {
		link = defaultLinkRegexp
	}

	seen := make(map[string]bool, len(keywords))
	terms := make([]string, 0, len(keywords))
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" || seen[kw] {
			continue
		}
		seen[kw] = true
		terms = append(terms, kw)
	}

	m := &KeywordMatcher{link: link, terms: terms}
	m.automata.New = func() any {
		return ahocorasick.NewStringMatcher(terms)
	}
	return m
}

// Classify returns the subset of {ReasonLink, ReasonBannedKeyword} present in
// text. Empty text yields an empty set.
func (m *KeywordMatcher) Classify(text string) Reasons {
	var rs Reasons
	if text == "" {
		return rs
	}
	lower := strings.ToLower(text)
	for _, kc := range keywordChecks {
		if kc.match(m, text, lower) {
			rs = rs.With(kc.reason)
		}
	}
	return rs
}

// MatchedTerms returns the banned keywords found in text, in configuration
// order. It is meant for audit trails and logs, not for classification.
func (m *KeywordMatcher) MatchedTerms(text string) []string {
	idx := m.hits(strings.ToLower(text))
	if len(idx) == 0 {
		return nil
	}
	hit := make([]bool, len(m.terms))
	for _, i := range idx {
		hit[i] = true
	}
	out := make([]string, 0, len(idx))
	for i, term := range m.terms {
		if hit[i] {
			out = append(out, term)
		}
	}
	return out
}

// Terms returns the normalized keyword list.
func (m *KeywordMatcher) Terms() []string {
	out := make([]string, len(m.terms))
	copy(out, m.terms)
	return out
}

func (m *KeywordMatcher) hits(lower string) []int {
	if len(m.terms) == 0 || lower == "" {
		return nil
	}
	ac := m.automata.Get().(*ahocorasick.Matcher)
	defer m.automata.Put(ac)
	return ac.Match([]byte(lower))
}
