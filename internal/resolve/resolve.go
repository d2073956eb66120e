// Package resolve matches configured entry patterns against an archive's
// entry listing.
package resolve

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound reports that no archive entry matched a pattern.
var ErrNotFound = errors.New("no matching entry")

// IsPattern reports whether s contains glob metacharacters.
func IsPattern(s string) bool {
	return strings.ContainsAny(s, "*?[")
}

// First returns the first name matching pattern, in listing order.
// Listing order must be the archive's own order; ambiguous globs are
// resolved by position, so callers must never sort names first.
// A pattern without metacharacters must match a name exactly.
func First(names []string, pattern string) (string, error) {
	if !IsPattern(pattern) {
		for _, name := range names {
			if name == pattern {
				return name, nil
			}
		}
		return "", fmt.Errorf("%q: %w", pattern, ErrNotFound)
	}

	for _, name := range names {
		if Match(pattern, name) {
			return name, nil
		}
	}
	return "", fmt.Errorf("%q: %w", pattern, ErrNotFound)
}

// Match reports whether name matches the shell-style pattern. Patterns
// apply to the full archive-internal path: unlike path.Match, `*` and
// `?` also match the `/` separator. Bracket classes support ranges and
// `!`/`^` negation; an unclosed `[` matches itself literally.
func Match(pattern, name string) bool {
	return match([]rune(pattern), []rune(name))
}

func match(pattern, name []rune) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case '*':
			for len(pattern) > 0 && pattern[0] == '*' {
				pattern = pattern[1:]
			}
			if len(pattern) == 0 {
				return true
			}
			for i := 0; i <= len(name); i++ {
				if match(pattern, name[i:]) {
					return true
				}
			}
			return false
		case '?':
			if len(name) == 0 {
				return false
			}
			pattern, name = pattern[1:], name[1:]
		case '[':
			if len(name) == 0 {
				return false
			}
			matched, rest, ok := matchClass(pattern[1:], name[0])
			if !ok {
				// Unclosed class: treat '[' as a literal.
				if name[0] != '[' {
					return false
				}
				pattern, name = pattern[1:], name[1:]
				continue
			}
			if !matched {
				return false
			}
			pattern, name = rest, name[1:]
		default:
			if len(name) == 0 || pattern[0] != name[0] {
				return false
			}
			pattern, name = pattern[1:], name[1:]
		}
	}
	return len(name) == 0
}

// matchClass matches c against a bracket class. pattern starts just
// after the opening '['; rest is the pattern following the class.
func matchClass(pattern []rune, c rune) (matched bool, rest []rune, ok bool) {
	i := 0
	negate := false
	if i < len(pattern) && (pattern[i] == '!' || pattern[i] == '^') {
		negate = true
		i++
	}

	// A ']' directly after the opening (or negation) is a literal member.
	end := -1
	for j := i; j < len(pattern); j++ {
		if pattern[j] == ']' && j > i {
			end = j
			break
		}
	}
	if end < 0 {
		return false, nil, false
	}

	class := pattern[i:end]
	for k := 0; k < len(class); k++ {
		if k+2 < len(class) && class[k+1] == '-' {
			if class[k] <= c && c <= class[k+2] {
				matched = true
			}
			k += 2
			continue
		}
		if class[k] == c {
			matched = true
		}
	}
	if negate {
		matched = !matched
	}
	return matched, pattern[end+1:], true
}
