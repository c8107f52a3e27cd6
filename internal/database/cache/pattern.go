package cache

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/tidwall/match"
)

const maxKeyLen = 512

// validateKey rejects keys that cannot be stored consistently across tiers.
func validateKey(key string) error {
	if key == "" || len(key) > maxKeyLen {
		return fmt.Errorf("%w: length %d", ErrInvalidKey, len(key))
	}
	if strings.ContainsAny(key, "*?[]\\") {
		return fmt.Errorf("%w: %q contains glob metacharacters", ErrInvalidKey, key)
	}
	for _, r := range key {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return fmt.Errorf("%w: %q contains whitespace", ErrInvalidKey, key)
		}
	}
	return nil
}

// validatePattern accepts glob patterns built from literals, '*' and '?'.
// Character classes and escapes are rejected because the in-process tiers
// and the remote SCAN would not agree on their meaning.
func validatePattern(pattern string) error {
	if pattern == "" || len(pattern) > maxKeyLen {
		return fmt.Errorf("%w: length %d", ErrInvalidPattern, len(pattern))
	}
	if strings.ContainsAny(pattern, "[]\\") {
		return fmt.Errorf("%w: %q", ErrInvalidPattern, pattern)
	}
	for _, r := range pattern {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return fmt.Errorf("%w: %q contains whitespace", ErrInvalidPattern, pattern)
		}
	}
	return nil
}

func matchKey(key, pattern string) bool {
	return match.Match(key, pattern)
}
