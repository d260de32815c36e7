package moderation

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	// MaxTagLength is the longest interest tag accepted, in runes.
	MaxTagLength = 32

	// maxTagDigits is the most digits a tag may carry before it reads as a
	// phone number, whatever the separators.
	maxTagDigits = 6

	// floodRun is the length of a run of one character that counts as
	// flooding. Tags are short, so this is tighter than for free text.
	floodRun = 4
)

var (
	// linkPattern catches URLs and bare domains. A tag has no room for
	// surrounding prose, so a domain needs no trailing path to count.
	linkPattern = regexp.MustCompile(`(?i)(https?://|www\.|[a-z0-9-]+\.(com|net|org|io|co|me|gg|ly|xyz|info|biz|ru|cn|tk|ml|ga|cf)\b)`)

	// contactPattern catches e-mail addresses and tags that are nothing but
	// a social handle, like "@someone".
	contactPattern = regexp.MustCompile(`(?i)(^@[a-z0-9_.]{3,}$|[a-z0-9._%+-]+@[a-z0-9.-]+\.[a-z]{2,})`)
)

// tagCheck is one rule an interest tag must pass.
type tagCheck struct {
	term   string
	reason string
	match  func(string) bool
}

// tagChecks run in order; the first match wins.
var tagChecks = []tagCheck{
	{term: "too_long", reason: "interest is too long", match: func(tag string) bool {
		return utf8.RuneCountInString(tag) > MaxTagLength
	}},
	{term: "no_text", reason: "interest has no letters or digits", match: func(tag string) bool {
		return strings.IndexFunc(tag, isTagText) < 0
	}},
	{term: "url", reason: "links are not allowed in interests", match: linkPattern.MatchString},
	{term: "contact", reason: "contact details are not allowed in interests", match: contactPattern.MatchString},
	{term: "phone", reason: "phone numbers are not allowed in interests", match: func(tag string) bool {
		return countDigits(tag) > maxTagDigits
	}},
	{term: "char_flood", reason: "character flooding", match: hasCharFlood},
}

func isTagText(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

func countDigits(tag string) int {
	n := 0
	for _, r := range tag {
		if unicode.IsDigit(r) {
			n++
		}
	}
	return n
}

// hasCharFlood reports a run of floodRun identical characters, ignoring case.
// RE2 has no backreferences, hence the scan.
func hasCharFlood(tag string) bool {
	run := 0
	prev := rune(-1)
	for _, r := range strings.ToLower(tag) {
		if r != prev {
			prev, run = r, 0
		}
		run++
		if run >= floodRun {
			return true
		}
	}
	return false
}

// checkTagRules returns a blocking result for the first rule tag breaks.
func (f *Filter) checkTagRules(tag string) FilterResult {
	for _, tc := range tagChecks {
		if tc.match(tag) {
			return FilterResult{Blocked: true, Reason: tc.reason, Term: tc.term}
		}
	}
	return FilterResult{}
}
