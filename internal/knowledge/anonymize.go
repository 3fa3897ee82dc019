package knowledge

import (
	"regexp"
	"strings"

	"github.com/gobwas/glob"
)

var (
	emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	tokenPattern = regexp.MustCompile(`[A-Za-z0-9_\-]{32,}`)
)

// DefaultSensitiveKeys are glob patterns for metadata keys stripped on
// anonymized export. Matching is case-insensitive.
var DefaultSensitiveKeys = []string{
	"*password*",
	"*secret*",
	"*token*",
	"*api_key*",
	"*apikey*",
	"*credential*",
	"*email*",
	"user_id",
	"author",
	"ip_address",
}

// Anonymizer scrubs personal and secret data from exported entries.
type Anonymizer struct {
	keys []glob.Glob
}

// NewAnonymizer compiles the sensitive key patterns.
func NewAnonymizer(patterns []string) (*Anonymizer, error) {
	a := &Anonymizer{}
	for _, p := range patterns {
		g, err := glob.Compile(strings.ToLower(p))
		if err != nil {
			return nil, err
		}
		a.keys = append(a.keys, g)
	}
	return a, nil
}

// Content replaces emails with [EMAIL] and long opaque tokens with [TOKEN].
func (a *Anonymizer) Content(s string) string {
	s = emailPattern.ReplaceAllString(s, "[EMAIL]")
	return tokenPattern.ReplaceAllString(s, "[TOKEN]")
}

// Sensitive reports whether a metadata key must be stripped.
func (a *Anonymizer) Sensitive(key string) bool {
	k := strings.ToLower(key)
	for _, g := range a.keys {
		if g.Match(k) {
			return true
		}
	}
	return false
}

// Metadata returns a copy of md without sensitive keys. Emails in string
// values are masked; identifiers such as thread ids are left intact.
func (a *Anonymizer) Metadata(md map[string]any) map[string]any {
	out := make(map[string]any, len(md))
	for k, v := range md {
		if a.Sensitive(k) {
			continue
		}
		if s, ok := v.(string); ok {
			v = emailPattern.ReplaceAllString(s, "[EMAIL]")
		}
		out[k] = v
	}
	return out
}
