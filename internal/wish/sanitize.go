package wish

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// MaxLength caps a wish in runes.
const MaxLength = 250

// Sanitize strips control characters, normalizes to NFC, trims, and caps
// the text at MaxLength runes.
func Sanitize(text string) string {
	cleaned := strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, text)
	cleaned = strings.TrimSpace(norm.NFC.String(cleaned))
	if r := []rune(cleaned); len(r) > MaxLength {
		cleaned = strings.TrimSpace(string(r[:MaxLength]))
	}
	return cleaned
}
