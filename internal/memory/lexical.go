package memory

import (
	"strings"
	"unicode"
)

// stopwords carry no signal for keyword matching.
var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "by": true, "for": true, "from": true, "how": true, "in": true,
	"is": true, "it": true, "of": true, "on": true, "or": true, "that": true,
	"the": true, "this": true, "to": true, "was": true, "we": true, "what": true,
	"when": true, "with": true,
}

// prefixWeight is the credit for a query term found only as the prefix of a
// longer content term, e.g. "deploy" in "deployment".
const prefixWeight = 0.5

// lexicalScore rates how well content matches query by keywords, in [0,1].
// The whole query appearing verbatim scores 1. Otherwise the score is the
// share of distinct query terms present in content, so it does not depend on
// how long the content is.
func lexicalScore(query, content string) float64 {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return 0
	}
	text := strings.ToLower(content)
	if strings.Contains(text, q) {
		return 1
	}
	terms := keywords(q)
	if len(terms) == 0 {
		return 0
	}
	have := make(map[string]bool)
	for _, w := range tokenize(text) {
		have[w] = true
	}
	var hits float64
	for _, term := range terms {
		if have[term] {
			hits++
			continue
		}
		for w := range have {
			if len(w) > len(term) && strings.HasPrefix(w, term) {
				hits += prefixWeight
				break
			}
		}
	}
	return hits / float64(len(terms))
}

// keywords returns the distinct non-stopword terms of text in order.
// A query made only of stopwords keeps them.
func keywords(text string) []string {
	all := tokenize(text)
	seen := make(map[string]bool, len(all))
	var out []string
	for _, w := range all {
		if stopwords[w] || seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
	}
	if len(out) == 0 {
		for _, w := range all {
			if !seen[w] {
				seen[w] = true
				out = append(out, w)
			}
		}
	}
	return out
}

// tokenize lowercases text and splits it on anything that is not a letter,
// digit, underscore or hyphen. Single characters are dropped.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' && r != '-'
	})
	out := fields[:0]
	for _, f := range fields {
		if len([]rune(f)) > 1 {
			out = append(out, f)
		}
	}
	return out
}
