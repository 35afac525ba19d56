package application

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/ericfisherdev/credbroker/internal/domain/model"
)

// Default OTP length bounds.
const (
	DefaultMinOTPLength = 4
	DefaultMaxOTPLength = 8
)

// Keyword window around an anchor, in runes.
const (
	keywordWindowBefore = 80
	keywordWindowAfter  = 160
)

// otpKeywords anchor the search. Lowercase; matched case-insensitively.
var otpKeywords = []string{
	"otp",
	"code",
	"verification",
	"verify",
	"login",
	"رمز",
	"كود",
	"التحقق",
	"تحقق",
	"كلمة المرور",
}

// digitZeros lists the zero code point of each non-ASCII decimal digit block
// that is folded to ASCII before searching.
var digitZeros = []rune{
	0x0660, // Arabic-Indic
	0x06F0, // Extended Arabic-Indic
	0x0966, // Devanagari
	0x09E6, // Bengali
	0xFF10, // Fullwidth
}

// ExtractOTP returns the most likely numeric one-time passcode in text. A run
// of minLen..maxLen digits near a keyword wins over runs elsewhere in the
// text. It never fails; ok is false when no candidate exists.
func ExtractOTP(text string, minLen, maxLen int) (code string, ok bool) {
	if minLen <= 0 {
		minLen = DefaultMinOTPLength
	}
	if maxLen <= 0 {
		maxLen = DefaultMaxOTPLength
	}
	if maxLen < minLen {
		maxLen = minLen
	}

	runes := normalizeDigits(text)
	if strings.TrimSpace(string(runes)) == "" {
		return "", false
	}

	runs := digitRuns(runes, minLen, maxLen)
	if len(runs) == 0 {
		return "", false
	}

	if at, kwLen := findKeyword(runes); at >= 0 {
		lo := max(0, at-keywordWindowBefore)
		hi := min(len(runes), at+max(kwLen, keywordWindowAfter))
		// A run that starts inside the window counts even if it ends past it.
		for _, r := range runs {
			if r.start >= lo && r.start < hi {
				return string(runes[r.start:r.end]), true
			}
		}
	}

	first := runs[0]
	return string(runes[first.start:first.end]), true
}

// ValidateOTP checks the basic shape of an extracted code.
func ValidateOTP(code string, minLen, maxLen int) error {
	if len(code) < minLen {
		return model.NewAcquisitionError(model.KindOTPTooShort,
			fmt.Errorf("code has %d digits, want at least %d", len(code), minLen))
	}
	if len(code) > maxLen {
		return model.NewAcquisitionError(model.KindOTPMalformed,
			fmt.Errorf("code has %d digits, want at most %d", len(code), maxLen))
	}
	for _, ch := range code {
		if ch < '0' || ch > '9' {
			return model.NewAcquisitionError(model.KindOTPMalformed,
				fmt.Errorf("code contains non-digit %q", ch))
		}
	}
	return nil
}

// normalizeDigits folds the digit blocks in digitZeros to ASCII.
func normalizeDigits(text string) []rune {
	runes := []rune(text)
	for i, ch := range runes {
		if ch < 0x80 {
			continue
		}
		for _, zero := range digitZeros {
			if ch >= zero && ch <= zero+9 {
				runes[i] = '0' + (ch - zero)
				break
			}
		}
	}
	return runes
}

// findKeyword returns the rune offset and rune length of the earliest keyword
// occurrence, or -1.
func findKeyword(runes []rune) (int, int) {
	lower := make([]rune, len(runes))
	for i, ch := range runes {
		lower[i] = unicode.ToLower(ch)
	}

	best, bestLen := -1, 0
	for _, kw := range otpKeywords {
		kwRunes := []rune(kw)
		if at := indexRunes(lower, kwRunes); at >= 0 && (best < 0 || at < best) {
			best, bestLen = at, len(kwRunes)
		}
	}
	return best, bestLen
}

func indexRunes(haystack, needle []rune) int {
	n := len(needle)
	for i := 0; i+n <= len(haystack); i++ {
		match := true
		for j := range n {
			if haystack[i+j] != needle[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

type digitRun struct {
	start, end int
}

// digitRuns returns every maximal ASCII digit run of acceptable length that
// sits on word boundaries (no adjacent ASCII letter or underscore).
func digitRuns(runes []rune, minLen, maxLen int) []digitRun {
	var runs []digitRun
	for i := 0; i < len(runes); {
		if !isASCIIDigit(runes[i]) {
			i++
			continue
		}
		start := i
		for i < len(runes) && isASCIIDigit(runes[i]) {
			i++
		}
		n := i - start
		if n < minLen || n > maxLen {
			continue
		}
		if start > 0 && isWordRune(runes[start-1]) {
			continue
		}
		if i < len(runes) && isWordRune(runes[i]) {
			continue
		}
		runs = append(runs, digitRun{start: start, end: i})
	}
	return runs
}

func isASCIIDigit(ch rune) bool { return ch >= '0' && ch <= '9' }

func isWordRune(ch rune) bool {
	return ch == '_' || (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || isASCIIDigit(ch)
}
