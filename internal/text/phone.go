// Package text holds the pure helpers behind campaign delivery: phone number
// canonicalization, recipient list parsing, and message templating. Nothing in
// this package touches the network or the clock.
package text

import "strings"

// PhoneRules canonicalizes raw phone input into a fully qualified,
// country-prefixed number.
//
// Rules (matching the local numbering convention the server is deployed for):
//   - strip every non-digit character
//   - already starts with the country code: keep as-is
//   - starts with the trunk prefix ("0..."): replace the prefix with the
//     country code
//   - anything else: prepend the country code
//
// Canonical is total and deterministic: garbage in yields a non-routable
// number that the provider rejects per-recipient, never an error here.
type PhoneRules struct {
	CountryCode string
	TrunkPrefix string
}

// DefaultPhoneRules matches Indonesian numbering (62 / trunk 0).
func DefaultPhoneRules() PhoneRules {
	return PhoneRules{CountryCode: "62", TrunkPrefix: "0"}
}

func (r PhoneRules) Canonical(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, c := range raw {
		if c >= '0' && c <= '9' {
			b.WriteRune(c)
		}
	}
	digits := b.String()
	if digits == "" {
		return ""
	}
	if strings.HasPrefix(digits, r.CountryCode) {
		return digits
	}
	if r.TrunkPrefix != "" && strings.HasPrefix(digits, r.TrunkPrefix) {
		return r.CountryCode + digits[len(r.TrunkPrefix):]
	}
	return r.CountryCode + digits
}
