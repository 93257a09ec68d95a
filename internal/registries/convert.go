package registries

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/Amsterdam/bag-services/internal/validity"
)

// text returns the trimmed value, or nil for blank input.
func text(s string) any {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return s
}

// integer parses a whole number. Blank input gives nil.
func integer(s string) (any, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid number %q", s)
	}
	return n, nil
}

// date parses a registry date. Blank or unparsable input gives nil.
func date(s string) any {
	t, ok := validity.ParseDate(s)
	if !ok {
		return nil
	}
	return t
}

// boolean accepts J/N and the usual true/false spellings. Anything else gives nil.
func boolean(s string) any {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "j", "ja", "true", "t", "yes", "y", "1":
		return true
	case "n", "nee", "false", "f", "no", "0":
		return false
	default:
		return nil
	}
}
