package util

import (
	"html"
	"os"
	"strings"
	"unicode"
)

// maxDescriptorLength bounds free-text device descriptors stored with events.
const maxDescriptorLength = 512

// SanitizeInput trims and HTML-escapes a caller supplied string.
func SanitizeInput(s string) string {
	s = strings.TrimSpace(s)
	return html.EscapeString(s)
}

// SanitizeDescriptor strips control characters from a device descriptor and
// caps its length. Descriptors are hashed, so escaping would change them.
func SanitizeDescriptor(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, strings.TrimSpace(s))
	if len(s) > maxDescriptorLength {
		s = strings.ToValidUTF8(s[:maxDescriptorLength], "")
	}
	return s
}

func ContainsSuspicious(s string) bool {
	lower := strings.ToLower(s)
	for _, c := range []string{"<", ">", "$", "{", "}", "script", "onerror", "onload"} {
		if strings.Contains(lower, c) {
			return true
		}
	}
	return false
}

func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
