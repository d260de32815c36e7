// Package moderation screens user-supplied interest tags before they enter
// the matching pool. A tag is rejected when it contains a blocked keyword or
// phrase (after undoing common leetspeak), carries contact details, or breaks
// the shape rules for tags (length, flooding).
package moderation

import (
	"strings"
	"unicode"
)

// FilterResult describes why a text was blocked. The zero value means clean.
type FilterResult struct {
	Blocked bool
	Reason  string
	Term    string
}

// defaultTerms is the built-in blocklist used by NewFilter.
var defaultTerms = []string{
	"fuck", "shit", "bitch", "cunt", "nazi", "rape", "porn", "nudes",
	"kill yourself", "go die", "send nudes",
}

// Filter checks text against a keyword blocklist and the tag rules.
// It is immutable after construction and safe for concurrent use.
type Filter struct {
	words   map[string]struct{}
	phrases []string
}

// NewFilter returns a filter with the built-in blocklist.
func NewFilter() *Filter {
	return NewFilterWithTerms(defaultTerms)
}

// NewFilterWithTerms returns a filter for the given terms. Multi-word terms
// match as whole phrases; blank terms are ignored.
func NewFilterWithTerms(terms []string) *Filter {
	f := &Filter{words: make(map[string]struct{})}
	for _, t := range terms {
		t = strings.ToLower(strings.TrimSpace(t))
		switch {
		case t == "":
		case strings.Contains(t, " "):
			f.phrases = append(f.phrases, strings.Join(strings.Fields(t), " "))
		default:
			f.words[t] = struct{}{}
		}
	}
	return f
}

// Check returns the first reason text should be blocked.
func (f *Filter) Check(text string) FilterResult {
	if res := f.checkKeywords(text); res.Blocked {
		return res
	}
	return f.checkTagRules(text)
}

// CheckInterests returns the tags that pass Check, in their original order.
func (f *Filter) CheckInterests(tags []string) []string {
	clean := make([]string, 0, len(tags))
	for _, tag := range tags {
		if !f.Check(tag).Blocked {
			clean = append(clean, tag)
		}
	}
	return clean
}

// checkKeywords looks at the text both as written and with leetspeak undone;
// "!" is punctuation in one reading and an "i" in the other.
func (f *Filter) checkKeywords(text string) FilterResult {
	lower := strings.ToLower(text)
	for _, form := range []string{lower, normalizeLeet(lower)} {
		if term, ok := f.match(tokenize(form)); ok {
			return FilterResult{Blocked: true, Reason: "blocked_keyword", Term: term}
		}
	}
	return FilterResult{}
}

func (f *Filter) match(tokens []string) (string, bool) {
	for _, tok := range tokens {
		if _, ok := f.words[tok]; ok {
			return tok, true
		}
	}
	joined := " " + strings.Join(tokens, " ") + " "
	for _, p := range f.phrases {
		if strings.Contains(joined, " "+p+" ") {
			return p, true
		}
	}
	return "", false
}

// tokenize splits on anything that is not a letter or digit.
func tokenize(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

var leetReplacer = strings.NewReplacer(
	"0", "o",
	"1", "i",
	"!", "i",
	"3", "e",
	"4", "a",
	"@", "a",
	"5", "s",
	"$", "s",
	"7", "t",
)

func normalizeLeet(text string) string {
	return leetReplacer.Replace(text)
}
