package models

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// FieldErrors maps field names to validation messages.
type FieldErrors map[string]string

// OK reports whether validation passed.
func (e FieldErrors) OK() bool { return len(e) == 0 }

// Error renders the errors as a single deterministic string.
func (e FieldErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	keys := make([]string, 0, len(e))
	for k := range e {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, e[k]))
	}
	return strings.Join(parts, "; ")
}

var emailRe = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

func isEmail(s string) bool {
	return emailRe.MatchString(s)
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}
