package cache

import (
	"fmt"
	"strings"
	"unicode"
)

// MaxKeyLength is the longest key accepted by ValidateKey.
const MaxKeyLength = 250

// ValidateKey checks a cache key:
// - non-empty
// - at most MaxKeyLength bytes
// - no control characters
// - no leading or trailing whitespace
func ValidateKey(key string) error {
	if key == "" {
		return ErrInvalidKey
	}

	if len(key) > MaxKeyLength {
		return fmt.Errorf("%w: key too long (max %d characters)", ErrInvalidKey, MaxKeyLength)
	}

	for _, r := range key {
		if unicode.IsControl(r) {
			return fmt.Errorf("%w: key contains control character", ErrInvalidKey)
		}
	}

	if strings.TrimSpace(key) != key {
		return fmt.Errorf("%w: key has leading or trailing whitespace", ErrInvalidKey)
	}

	return nil
}

// KeyPattern builds keys that follow the "<prefix>:<tag>:<id>" convention the
// remote backend scans for during tag invalidation.
type KeyPattern struct {
	prefix    string
	separator string
}

// NewKeyPattern creates a key pattern. An empty separator defaults to ":".
func NewKeyPattern(prefix, separator string) *KeyPattern {
	if separator == "" {
		separator = ":"
	}
	return &KeyPattern{
		prefix:    prefix,
		separator: separator,
	}
}

// Build joins prefix and parts: Build("user", "123") -> "prefix:user:123".
func (kp *KeyPattern) Build(parts ...string) string {
	all := append([]string{kp.prefix}, parts...)
	return strings.Join(all, kp.separator)
}

// Tagged builds a key carrying tag in its second segment.
func (kp *KeyPattern) Tagged(tag, id string) string {
	return kp.Build(tag, id)
}

// TagScanPattern is the glob used to find keys named after tag. Glob
// metacharacters in tag are escaped so they match literally.
func TagScanPattern(tag string) string {
	return "*:" + EscapeGlob(tag) + ":*"
}

// EscapeGlob backslash-escapes the characters a Redis glob treats specially.
func EscapeGlob(s string) string {
	if !strings.ContainsAny(s, `*?[]\`) {
		return s
	}
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// MatchPattern reports whether key matches a Redis-style glob pattern: '*'
// matches any run of characters (slashes included), '?' matches one
// character, '[...]' matches a class ('^' negates, 'a-z' is a range) and
// '\' escapes the next character. Matching is per rune.
func MatchPattern(pattern, key string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	return globMatch([]rune(pattern), []rune(key))
}

func globMatch(p, s []rune) bool {
	px, sx := 0, 0
	starPx, starSx := -1, 0
	for sx < len(s) {
		if px < len(p) {
			switch p[px] {
			case '*':
				starPx, starSx = px, sx
				px++
				continue
			case '?':
				px++
				sx++
				continue
			case '[':
				if ok, next := matchClass(p, px, s[sx]); ok {
					px, sx = next, sx+1
					continue
				}
			default:
				lit, step := p[px], 1
				if lit == '\\' && px+1 < len(p) {
					lit, step = p[px+1], 2
				}
				if lit == s[sx] {
					px, sx = px+step, sx+1
					continue
				}
			}
		}
		if starPx < 0 {
			return false
		}
		starSx++
		px, sx = starPx+1, starSx
	}
	for px < len(p) && p[px] == '*' {
		px++
	}
	return px == len(p)
}

// matchClass matches ch against the class opening at p[px] and returns the
// index just past its closing ']'. An unterminated class runs to the end of
// the pattern.
func matchClass(p []rune, px int, ch rune) (bool, int) {
	i := px + 1
	negate := false
	if i < len(p) && p[i] == '^' {
		negate = true
		i++
	}

	matched := false
	for i < len(p) && p[i] != ']' {
		switch {
		case p[i] == '\\' && i+1 < len(p):
			matched = matched || p[i+1] == ch
			i += 2
		case i+2 < len(p) && p[i+1] == '-' && p[i+2] != ']':
			lo, hi := p[i], p[i+2]
			if lo > hi {
				lo, hi = hi, lo
			}
			matched = matched || (ch >= lo && ch <= hi)
			i += 3
		default:
			matched = matched || p[i] == ch
			i++
		}
	}
	if i < len(p) {
		i++
	}
	return matched != negate, i
}
