package license

import (
	"fmt"
	"strings"
	"unicode"
)

// Placeholder classes understood in license key templates
const (
	PlaceholderAlphanumeric = '*'
	PlaceholderDigit        = '#'
	PlaceholderLetter       = '&'
	PlaceholderHex          = '0'
)

var placeholderAlphabets = map[rune]string{
	PlaceholderAlphanumeric: "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789",
	PlaceholderDigit:        "0123456789",
	PlaceholderLetter:       "ABCDEFGHIJKLMNOPQRSTUVWXYZ",
	PlaceholderHex:          "0123456789ABCDEF",
}

// LicenseKeyFormatter checks user input against the project's key template.
// It gives early feedback only and never decides whether a key is authentic.
type LicenseKeyFormatter struct {
	template []rune
}

// NewLicenseKeyFormatter creates a formatter for template
func NewLicenseKeyFormatter(template string) *LicenseKeyFormatter {
	return &LicenseKeyFormatter{template: []rune(template)}
}

// Template returns the configured template
func (f *LicenseKeyFormatter) Template() string {
	return string(f.template)
}

// Validate normalizes raw to uppercase and walks it against the template.
// Literal template characters are removed from the input when present, so keys
// typed without separators are accepted. The returned key has all literals stripped.
func (f *LicenseKeyFormatter) Validate(raw string) (string, bool) {
	if strings.TrimSpace(raw) == "" {
		return "", false
	}

	data := []rune(strings.ToUpper(raw))
	idx := 0
	for _, c := range f.template {
		if idx >= len(data) {
			return "", false
		}

		if alphabet, ok := placeholderAlphabets[c]; ok {
			if !strings.ContainsRune(alphabet, data[idx]) {
				return "", false
			}
			idx++
			continue
		}

		if unicode.ToUpper(c) == data[idx] {
			data = append(data[:idx], data[idx+1:]...)
		}
	}

	return string(data), true
}

// PlaceholderCount returns the number of input characters a key must provide
func (f *LicenseKeyFormatter) PlaceholderCount() int {
	n := 0
	for _, c := range f.template {
		if _, ok := placeholderAlphabets[c]; ok {
			n++
		}
	}
	return n
}

// Example renders the template with every placeholder replaced by X
func (f *LicenseKeyFormatter) Example() string {
	var b strings.Builder
	for _, c := range f.template {
		if _, ok := placeholderAlphabets[c]; ok {
			b.WriteRune('X')
		} else {
			b.WriteRune(c)
		}
	}
	return b.String()
}

// Hint describes the expected key shape to a user
func (f *LicenseKeyFormatter) Hint() string {
	return fmt.Sprintf("Your license key is %d characters long and should look like this: %s", len(f.template), f.Example())
}
