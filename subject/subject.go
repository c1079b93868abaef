// Package subject implements subject validation and wildcard matching.
//
// Subjects are dot-separated tokens. Patterns may use two wildcards, each of
// which must occupy a whole token:
//
//   - "*" matches exactly one token: "orders.*" matches "orders.new"
//   - ">" matches one or more trailing tokens and must be the last token:
//     "orders.>" matches "orders.new" and "orders.eu.new", but not "orders"
//
// Sublist is a token trie over patterns used by the router and the
// in-process bus to find every entry interested in a subject.
package subject

import (
	"strings"

	"github.com/c360/streambus/errors"
)

const (
	// Separator splits subjects into tokens
	Separator = "."
	// SingleWildcard matches exactly one token
	SingleWildcard = "*"
	// FullWildcard matches one or more trailing tokens
	FullWildcard = ">"
)

// Tokens splits a subject or pattern into its tokens.
func Tokens(s string) []string {
	return strings.Split(s, Separator)
}

// ValidateSubject checks a literal subject used for publishing.
// Literal subjects are non-empty, carry no empty tokens, no whitespace and no
// wildcard tokens.
func ValidateSubject(s string) error {
	if err := validateTokens(s); err != nil {
		return err
	}
	for _, tok := range Tokens(s) {
		if tok == SingleWildcard || tok == FullWildcard {
			return errors.WrapInvalid(errors.ErrInvalidSubject, "subject", "ValidateSubject",
				"check wildcard in "+quote(s))
		}
	}
	return nil
}

// ValidatePattern checks a subscription pattern. A full wildcard anywhere but
// the final token is rejected, so "a.>.b" fails.
func ValidatePattern(p string) error {
	if err := validateTokens(p); err != nil {
		return err
	}
	toks := Tokens(p)
	for i, tok := range toks {
		if tok == FullWildcard && i != len(toks)-1 {
			return errors.WrapInvalid(errors.ErrInvalidSubject, "subject", "ValidatePattern",
				"check '>' placement in "+quote(p))
		}
	}
	return nil
}

// ValidateQueue checks a queue group name. Empty means no group.
func ValidateQueue(q string) error {
	if q == "" {
		return nil
	}
	if strings.ContainsAny(q, " \t\r\n") || strings.Contains(q, SingleWildcard) || strings.Contains(q, FullWildcard) {
		return errors.WrapInvalid(errors.ErrInvalidQueue, "subject", "ValidateQueue", "check "+quote(q))
	}
	return nil
}

func validateTokens(s string) error {
	if s == "" {
		return errors.WrapInvalid(errors.ErrInvalidSubject, "subject", "Validate", "check empty subject")
	}
	if strings.ContainsAny(s, " \t\r\n") {
		return errors.WrapInvalid(errors.ErrInvalidSubject, "subject", "Validate", "check whitespace in "+quote(s))
	}
	for _, tok := range Tokens(s) {
		if tok == "" {
			return errors.WrapInvalid(errors.ErrInvalidSubject, "subject", "Validate", "check empty token in "+quote(s))
		}
	}
	return nil
}

// IsLiteral reports whether s contains no wildcard tokens.
func IsLiteral(s string) bool {
	for _, tok := range Tokens(s) {
		if tok == SingleWildcard || tok == FullWildcard {
			return false
		}
	}
	return true
}

// Match reports whether the literal subject matches pattern.
func Match(pattern, subject string) bool {
	return matchTokens(Tokens(pattern), Tokens(subject))
}

func matchTokens(pattern, subject []string) bool {
	for i, tok := range pattern {
		switch {
		case tok == FullWildcard:
			// ">" needs at least one remaining subject token
			return i < len(subject)
		case i >= len(subject):
			return false
		case tok == SingleWildcard:
			continue
		case tok != subject[i]:
			return false
		}
	}
	return len(pattern) == len(subject)
}

// Overlap reports whether some literal subject is matched by both patterns.
func Overlap(a, b string) bool {
	at, bt := Tokens(a), Tokens(b)
	n := min(len(at), len(bt))
	for i := 0; i < n; i++ {
		x, y := at[i], bt[i]
		if x == FullWildcard || y == FullWildcard {
			return true
		}
		if x == SingleWildcard || y == SingleWildcard {
			continue
		}
		if x != y {
			return false
		}
	}
	return len(at) == len(bt)
}

// Subsumes reports whether every subject matched by sub is also matched by
// pattern.
func Subsumes(pattern, sub string) bool {
	pt, st := Tokens(pattern), Tokens(sub)
	for i, tok := range pt {
		if tok == FullWildcard {
			return i < len(st)
		}
		if i >= len(st) {
			return false
		}
		switch {
		case st[i] == FullWildcard:
			return false
		case tok == SingleWildcard:
			continue
		case st[i] == SingleWildcard, tok != st[i]:
			return false
		}
	}
	return len(pt) == len(st)
}

// MatchAny reports whether subject matches at least one of the patterns.
func MatchAny(patterns []string, subject string) bool {
	toks := Tokens(subject)
	for _, p := range patterns {
		if matchTokens(Tokens(p), toks) {
			return true
		}
	}
	return false
}

func quote(s string) string {
	return "\"" + s + "\""
}
