// Package keywords extracts semantic keywords from generated text.
// Keywords are written inline as **Keyword** and accumulate across
// documents into frequency counts.
package keywords

import (
	"regexp"
	"sort"
)

var (
	matcher     = regexp.MustCompile(`\*\*.*?\*\*`)
	invalidChar = regexp.MustCompile(`[{}<>,;]`)
	stripped    = regexp.MustCompile(`[\[\]"]`)
)

// Extract returns the keyword frequency map for a single text. Matches
// keep their ** delimiters. Entries that are empty, end in punctuation,
// or contain structural characters are dropped.
func Extract(text string) map[string]int {
	out := map[string]int{}
	for _, match := range matcher.FindAllString(text, -1) {
		if len(match) < 5 {
			continue
		}
		switch match[len(match)-3] {
		case ':', '.', '!', '?', ' ':
			continue
		}
		if invalidChar.MatchString(match) {
			continue
		}
		out[stripped.ReplaceAllString(match, "")]++
	}
	return out
}

// Accumulate merges src counts into dst.
func Accumulate(dst, src map[string]int) {
	for k, v := range src {
		dst[k] += v
	}
}

// Keyword is one ranked keyword.
type Keyword struct {
	Text  string
	Count int
}

// Ranked flattens a frequency map into a list sorted by descending
// count, ties broken alphabetically.
func Ranked(counts map[string]int) []Keyword {
	out := make([]Keyword, 0, len(counts))
	for k, v := range counts {
		out = append(out, Keyword{Text: k, Count: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Text < out[j].Text
	})
	return out
}
