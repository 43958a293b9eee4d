package identity

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

const (
	minHandleLen = 2
	maxHandleLen = 32
)

// NormalizeHandle NFC-normalizes and case-folds a handle, dropping a leading
// "@". Handles are letters, digits, '_', '.', '-'.
func NormalizeHandle(handle string) (string, error) {
	h := strings.TrimPrefix(strings.TrimSpace(handle), "@")
	h = cases.Fold().String(norm.NFC.String(h))
	n := len([]rune(h))
	if n < minHandleLen || n > maxHandleLen {
		return "", ErrInvalidHandle
	}
	for _, r := range h {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '.' || r == '-' {
			continue
		}
		return "", ErrInvalidHandle
	}
	return h, nil
}

func NormalizeEmail(email string) string {
	return strings.ToLower(norm.NFC.String(strings.TrimSpace(email)))
}

// NormalizeText is applied to free text that gets hashed or anchored so
// visually identical input hashes identically.
func NormalizeText(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}
