package dispatch

import "strings"

// Normalize converts a user-supplied destination into the network's canonical
// address form:
//
//   - every non-digit character is stripped
//   - a local trunk prefix (leading "0") is replaced by the country code
//   - a bare national number gets the country code prepended, unless it
//     already carries a recognized international prefix
//   - the canonical network suffix is appended
//
// "1" is kept as a recognized foreign prefix so NANP numbers pass through
// untouched apart from the suffix.
func Normalize(raw, countryCode, suffix string) string {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	cleaned := b.String()

	switch {
	case strings.HasPrefix(cleaned, countryCode):
		// already canonical
	case strings.HasPrefix(cleaned, "0"):
		cleaned = countryCode + cleaned[1:]
	case !strings.HasPrefix(cleaned, "1"):
		cleaned = countryCode + cleaned
	}
	return cleaned + suffix
}
