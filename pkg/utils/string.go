package utils

import (
	"strings"
	"unicode"
)

// Truncate is a simple string truncate
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

// Tokens lowercases s and splits it into runs of letters, digits and the
// characters $ . - and apostrophe when they sit inside a word or number.
// Trailing punctuation is dropped.
func Tokens(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '$' && r != '.' && r != '-' && r != '\''
	})

	out := fields[:0]
	for _, f := range fields {
		f = strings.Trim(f, ".-'")
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

// TokenSet returns the distinct tokens of s.
func TokenSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, t := range Tokens(s) {
		set[t] = struct{}{}
	}
	return set
}

// Sentences splits text on sentence terminators followed by whitespace (or
// the end of text) and on newlines, dropping empty pieces.
func Sentences(text string) []string {
	var (
		out   []string
		b     strings.Builder
		runes = []rune(text)
	)
	flush := func() {
		if s := strings.TrimSpace(b.String()); s != "" {
			out = append(out, s)
		}
		b.Reset()
	}

	for i, r := range runes {
		switch {
		case r == '\n':
			flush()
		case r == '.' || r == '!' || r == '?':
			b.WriteRune(r)
			if i+1 == len(runes) || unicode.IsSpace(runes[i+1]) {
				flush()
			}
		default:
			b.WriteRune(r)
		}
	}
	flush()
	return out
}
