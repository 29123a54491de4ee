// Package extract pulls phone numbers, masked-number tails and verification
// codes out of free-text SMS relayed from provider group chats. Messages are
// adversarial: numbers arrive partially redacted, languages vary and texts
// carry unrelated numeric tokens (timestamps, versions), so extraction is
// tiered and code candidates are scored rather than taken first-match.
package extract

import (
	"regexp"
	"strings"
	"sync"

	"github.com/numrent/numrent/internal/phone"
)

var (
	// "to: +201112223344" style phone tokens. Mask glyphs are excluded so a
	// redacted number fails normalization and falls through to tail matching.
	toPhoneRe = regexp.MustCompile(`(?i)to\s*:?\s*(\+?\d[\d\s\-().]{4,18}\d)`)

	// "code: 482913" style code tokens.
	codeAnchoredRe = regexp.MustCompile(`(?i)code\s*:?\s*(\d{3,8})`)

	// Code near a keyword in any supported language.
	codeKeywordRe = regexp.MustCompile(`(?i)(?:code|verification|verify|otp|رمز|كود|التحقق)\D{0,12}(\d{3,8})`)

	// Any plausible standalone code token.
	codeGenericRe = regexp.MustCompile(`\b(\d{4,8})\b`)

	// Masked tails, in priority order: anchored by "to:", anchored by mask
	// glyphs, then bare 2-3 digit groups away from time/date separators.
	maskedToRe      = regexp.MustCompile(`(?i)to\s*:?\s*[+\d\s\-()]*?[•●*#xX]+[\s\-]*(\d{2,3})\b`)
	maskedGlyphRe   = regexp.MustCompile(`[•●*#xX]{2,}[\s\-]*(\d{2,3})\b`)
	maskedBareRe    = regexp.MustCompile(`(?:^|[^\d:.,/])(\d{2,3})(?:$|[^\d:.,/])`)
	keywordRe       = regexp.MustCompile(`(?i)code|verification|verify|otp|رمز|كود|التحقق`)
	phoneLikeDigits = 10
)

// nullCodes are placeholder values providers send in test or filler messages.
var nullCodes = map[string]struct{}{
	"0000": {}, "00000": {}, "000000": {},
	"1111": {}, "11111": {}, "111111": {},
	"1234": {}, "12345": {}, "123456": {},
}

var patternCache sync.Map // pattern string -> *regexp.Regexp (nil for invalid)

// servicePattern compiles and caches a per-service code pattern. Invalid or
// empty patterns yield nil and the caller skips that tier.
func servicePattern(pattern string) *regexp.Regexp {
	if strings.TrimSpace(pattern) == "" {
		return nil
	}
	if cached, ok := patternCache.Load(pattern); ok {
		re, _ := cached.(*regexp.Regexp)
		return re
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		patternCache.Store(pattern, (*regexp.Regexp)(nil))
		return nil
	}
	patternCache.Store(pattern, re)
	return re
}

// Full extracts a (phone, code) pair from an SMS body. The phone comes from a
// "to:" anchored token run through normalization; the code from a "code:"
// anchored token, falling back to the service pattern's last match. Either
// result may be empty.
func Full(text, pattern string) (string, string) {
	var phoneNumber string
	if m := toPhoneRe.FindStringSubmatch(text); m != nil {
		phoneNumber = phone.Normalize(m[1])
	}

	var code string
	if m := codeAnchoredRe.FindStringSubmatch(text); m != nil {
		code = m[1]
	} else if re := servicePattern(pattern); re != nil {
		matches := re.FindAllStringSubmatch(text, -1)
		if len(matches) > 0 {
			last := matches[len(matches)-1]
			if len(last) > 1 && last[1] != "" {
				code = last[1]
			} else {
				code = last[0]
			}
		}
	}

	return phoneNumber, code
}

// MaskedTail recovers the unredacted trailing digits of a censored number
// ("to: +20112••407", "•••\***872", "**407"). Tiers run in priority order and
// the last qualifying match wins within a tier. As a last resort the final
// two or three digits of the whole text are returned; empty means the text
// carries no usable tail.
func MaskedTail(text string) string {
	for _, re := range []*regexp.Regexp{maskedToRe, maskedGlyphRe, maskedBareRe} {
		matches := re.FindAllStringSubmatch(text, -1)
		if len(matches) > 0 {
			return matches[len(matches)-1][1]
		}
	}
	digits := phone.ExtractLastDigits(text, 3)
	if len(digits) < 2 {
		return ""
	}
	return digits
}

// CodeWithContext scores every code candidate in the text and returns the
// best one, or empty when nothing plausible is found. Higher tiers score
// higher; keyword and service-name co-occurrence raise a candidate, null
// codes and phone-like lengths sink it. Ties keep the earlier tier's match.
func CodeWithContext(text, serviceName, pattern string) string {
	type candidate struct {
		code  string
		score int
	}

	tiers := make([]*regexp.Regexp, 0, 4)
	if re := servicePattern(pattern); re != nil {
		tiers = append(tiers, re)
	}
	tiers = append(tiers, codeAnchoredRe, codeKeywordRe, codeGenericRe)

	hasKeyword := keywordRe.MatchString(text)
	hasService := serviceName != "" && strings.Contains(strings.ToLower(text), strings.ToLower(serviceName))

	var best *candidate
	for tier, re := range tiers {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			code := m[0]
			if len(m) > 1 && m[1] != "" {
				code = m[1]
			}
			if len(code) < 3 || len(code) > 12 {
				continue
			}
			score := (len(tiers) - tier) * 10
			if hasKeyword {
				score += 5
			}
			if hasService {
				score += 3
			}
			// Penalty exceeds one tier gap so a filler value never beats a
			// clean candidate from the next tier down.
			if _, null := nullCodes[code]; null {
				score -= 12
			}
			if len(code) >= phoneLikeDigits {
				score -= 6
			}
			if best == nil || score > best.score {
				best = &candidate{code: code, score: score}
			}
		}
	}
	if best == nil {
		return ""
	}
	return best.code
}
