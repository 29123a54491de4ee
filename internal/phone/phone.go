// Package phone canonicalizes phone numbers to E.164 and derives
// country dialing prefixes for inventory and correlator lookups.
package phone

import (
	"regexp"
	"strings"
)

var digitsRe = regexp.MustCompile(`\d+`)

// Normalize canonicalizes raw input to E.164 ("+" followed by 7 to 15
// digits). It strips separators and noise, collapses repeated plus signs and
// drops a leading international 00 prefix. Inputs that cannot form a valid
// number return the empty string.
func Normalize(raw string) string {
	value := strings.TrimSpace(raw)
	if value == "" {
		return ""
	}
	digits := sanitize(value)
	digits = strings.TrimPrefix(digits, "00")
	if len(digits) < 7 || len(digits) > 15 {
		return ""
	}
	return "+" + digits
}

// DetectCountry returns the dialing prefix of an E.164 number, scanning the
// known-prefix table longest first. Unknown prefixes default to "+1".
func DetectCountry(e164 string) string {
	digits := sanitize(e164)
	for n := 4; n >= 2; n-- {
		if len(digits) < n {
			continue
		}
		prefix := "+" + digits[:n]
		if _, ok := countryPrefixes[prefix]; ok {
			return prefix
		}
	}
	return "+1"
}

// ExtractLastDigits returns the final n digits of the number's digit-only
// form, or all of them when fewer than n are available.
func ExtractLastDigits(e164 string, n int) string {
	digits := sanitize(e164)
	if n <= 0 || digits == "" {
		return ""
	}
	if len(digits) <= n {
		return digits
	}
	return digits[len(digits)-n:]
}

// sanitize keeps only the digit runs of value, joined together.
func sanitize(value string) string {
	if value == "" {
		return ""
	}
	digits := digitsRe.FindAllString(value, -1)
	return strings.Join(digits, "")
}
