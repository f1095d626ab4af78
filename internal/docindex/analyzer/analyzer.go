// Package analyzer turns a search box query into stemmed terms the way the
// Sphinx English search language does: lowercase, split on non-word runes,
// drop stopwords, Porter-stem.
package analyzer

import (
	"strings"
	"unicode"

	porterstemmer "github.com/blevesearch/go-porterstemmer"
)

// MinPrefixLen is the shortest term that may expand to prefix matches.
const MinPrefixLen = 3

var stopWords = map[string]struct{}{
	"a": {}, "and": {}, "are": {}, "as": {}, "at": {},
	"be": {}, "but": {}, "by": {},
	"for": {},
	"if":  {}, "in": {}, "into": {}, "is": {}, "it": {},
	"near": {}, "no": {}, "not": {},
	"of": {}, "on": {}, "or": {},
	"such": {},
	"that": {}, "the": {}, "their": {}, "then": {}, "there": {}, "these": {}, "they": {}, "this": {}, "to": {},
	"was": {}, "will": {}, "with": {},
}

type Token struct {
	Term     string `json:"term"`
	Raw      string `json:"raw"`
	Position int    `json:"position"`
}

type Query struct {
	Terms    []Token  `json:"terms"`
	Excluded []Token  `json:"excluded,omitempty"`
	Raw      []string `json:"raw"`
}

// Empty reports whether nothing searchable survived analysis.
func (q Query) Empty() bool {
	return len(q.Terms) == 0 && len(q.Raw) == 0
}

// TermStrings returns the stemmed search terms in query order.
func (q Query) TermStrings() []string {
	out := make([]string, len(q.Terms))
	for i, t := range q.Terms {
		out[i] = t.Term
	}
	return out
}

func IsStopWord(word string) bool {
	_, ok := stopWords[word]
	return ok
}

// Analyze splits and stems query. A word written with a leading '-' goes to
// Excluded. Repeated terms are kept once.
func Analyze(query string) Query {
	q := Query{Terms: []Token{}, Raw: []string{}}
	seen := make(map[string]bool)
	seenExcluded := make(map[string]bool)

	for _, field := range strings.Fields(strings.ToLower(query)) {
		excluded := false
		if strings.HasPrefix(field, "-") {
			excluded = true
			field = strings.TrimLeft(field, "-")
		}
		for _, word := range splitWords(field) {
			if IsStopWord(word) {
				continue
			}
			term := Stem(word)
			if excluded {
				if !seenExcluded[term] {
					seenExcluded[term] = true
					q.Excluded = append(q.Excluded, Token{Term: term, Raw: word, Position: len(q.Excluded)})
				}
				continue
			}
			if seen[term] {
				continue
			}
			seen[term] = true
			q.Terms = append(q.Terms, Token{Term: term, Raw: word, Position: len(q.Terms)})
			q.Raw = append(q.Raw, word)
		}
	}
	return q
}

// Stem applies the classic Porter algorithm, the one Sphinx indexes English
// pages with. Short stems such as "us" for "use" are kept as they are.
func Stem(word string) string {
	if stem := porterstemmer.StemString(word); stem != "" {
		return stem
	}
	return word
}

func splitWords(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
}
