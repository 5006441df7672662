// Package redact scrubs secret-looking data out of text streams using a
// registry of named regular expressions.
package redact

import (
	"regexp"
	"strings"

	"go.uber.org/zap"
)

// Rule is one user-supplied redaction pattern before compilation.
type Rule struct {
	Name  string
	Regex string
}

// Pattern is a named, compiled redaction pattern. Patterns are built once
// and never mutated afterwards, so they are safe to share across
// connections without locking.
type Pattern struct {
	Name  string
	Re    *regexp.Regexp
	token string
}

// Token returns the literal placeholder substituted for every match,
// e.g. "[EMAILS_REDACTED]" for a pattern named "emails".
func (p Pattern) Token() string {
	return p.token
}

var builtinRules = []Rule{
	{Name: "emails", Regex: `[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}`},
	// Loose heuristic: any 13-19 digit run looks enough like a card number.
	{Name: "credit_cards", Regex: `\b[0-9]{13,19}\b`},
}

// Load compiles the supplied rules into patterns, case-insensitively. A
// rule whose source does not compile is skipped, not fatal: rules are
// user-supplied configuration and a typo must degrade the proxy to fewer
// patterns, never to no proxy. If nothing usable is supplied the built-in
// email and card patterns are used instead.
func Load(rules []Rule) []Pattern {
	patterns := compile(rules)
	if len(patterns) == 0 {
		patterns = compile(builtinRules)
	}
	return patterns
}

func compile(rules []Rule) []Pattern {
	patterns := make([]Pattern, 0, len(rules))
	for _, r := range rules {
		re, err := regexp.Compile("(?i)" + r.Regex)
		if err != nil {
			zap.S().Warnf("skipping redaction pattern %q: %v", r.Name, err)
			continue
		}
		patterns = append(patterns, Pattern{
			Name:  r.Name,
			Re:    re,
			token: "[" + strings.ToUpper(r.Name) + "_REDACTED]",
		})
	}
	return patterns
}
