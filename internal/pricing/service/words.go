package service

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// CountWords counts whitespace-separated tokens that carry at least one
// letter or digit after NFKC normalization.
func CountWords(text string) int64 {
	if text == "" {
		return 0
	}
	var count int64
	for _, token := range strings.FieldsFunc(norm.NFKC.String(text), unicode.IsSpace) {
		if hasWordRune(token) {
			count++
		}
	}
	return count
}

func hasWordRune(token string) bool {
	for _, r := range token {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return true
		}
	}
	return false
}
