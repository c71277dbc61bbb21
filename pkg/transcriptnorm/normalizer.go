// Package transcriptnorm applies deterministic, idempotent string rewrites
// to raw upstream transcripts before they are allowed to touch booking
// state. It exists to keep the single "source of truth" cleanup logic out of
// the session engine, which only needs to call Correct/JoinAlphaNumeric/
// IsPhantom/IsPriceOrETAHallucination.
package transcriptnorm

import (
	"regexp"
	"strings"
	"unicode"
)

// correctionTable is a static, case-insensitive rewrite map for common
// telephony mishearings. Longest match wins so multi-word phrases are
// rewritten before their sub-words would be.
var correctionTable = []struct {
	pattern *regexp.Regexp
	replace string
}{
	{regexp.MustCompile(`(?i)\bay\s*sap\b`), "ASAP"},
	{regexp.MustCompile(`(?i)\ba\s*sap\b`), "ASAP"},
	{regexp.MustCompile(`(?i)\bright\s+away\b`), "ASAP"},
	{regexp.MustCompile(`(?i)\bas\s+soon\s+as\s+possible\b`), "ASAP"},
	{regexp.MustCompile(`(?i)\bfor\s+now\b`), "now"},
	{regexp.MustCompile(`(?i)\btoo\s+night\b`), "tonight"},
	{regexp.MustCompile(`(?i)\bto\s+night\b`), "tonight"},
	{regexp.MustCompile(`(?i)\bfor\s+people\b`), "four people"},
	{regexp.MustCompile(`(?i)\bto\s+people\b`), "two people"},
	{regexp.MustCompile(`(?i)\bwon\s+person\b`), "one person"},
	{regexp.MustCompile(`(?i)\bstrait\b`), "street"},
	{regexp.MustCompile(`(?i)\broute\b`), "road"},
}

// alphaNumJoinPattern rewrites "52 A" / "7 bee" style sequences into a single
// token: digits, whitespace, then a letter or its common phonetic spelling.
var alphaNumJoinPattern = regexp.MustCompile(`(?i)\b(\d+)\s+(([a-z])|bee|cee|dee|gee|jay|kay|em|en|pee|cue|ar|es|tee|yoo|vee|double\s*u|ex|why|zee|zed)\b`)

var phoneticSuffix = map[string]string{
	"bee": "B", "cee": "C", "dee": "D", "gee": "G", "jay": "J", "kay": "K",
	"em": "M", "en": "N", "pee": "P", "cue": "Q", "ar": "R", "es": "S",
	"tee": "T", "yoo": "U", "vee": "V", "ex": "X", "why": "Y", "zee": "Z",
	"zed": "Z",
}

// phantomSubstrings are known hallucination artefacts seen from the upstream
// model's training data ("thank you for watching"-style leakage).
var phantomSubstrings = []string{
	"thanks for watching",
	"thank you for watching",
	"subscribe to",
	"like and subscribe",
	"see you in the next video",
	"copyright",
	"[music]",
	"[applause]",
}

var urlPattern = regexp.MustCompile(`(?i)\b(https?://|www\.)\S+`)

var gibberishPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^[\W_]+$`),                 // punctuation-only
	regexp.MustCompile(`(?i)^(uh+|um+|hm+|ah+)$`),   // bare filler words
}

var allcapsAllowlist = map[string]bool{
	"ASAP": true, "NOW": true, "YES": true, "NO": true, "OK": true,
}

var pricePatterns = []*regexp.Regexp{
	regexp.MustCompile(`£\s*\d+(\.\d{1,2})?`),
	regexp.MustCompile(`(?i)\b\d+(\.\d{1,2})?\s*pounds?\b`),
	regexp.MustCompile(`(?i)\bfare\s+is\s+\d`),
	regexp.MustCompile(`(?i)\$\s*\d+(\.\d{1,2})?`),
}

var etaPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b\d+\s*(minutes?|mins?)\b`),
	regexp.MustCompile(`(?i)\barrive\s+in\s+\d`),
	regexp.MustCompile(`(?i)\beta\s+is\s+\d`),
}

// Correct applies the static telephony-mishearing rewrite table. Idempotent:
// the table is reapplied until the text stops changing, so a rewrite that
// forms a new match with its neighbours ("for for now" -> "for now" -> "now")
// is resolved in the same call.
func Correct(text string) string {
	out := text
	for {
		prev := out
		for _, rule := range correctionTable {
			out = rule.pattern.ReplaceAllString(out, rule.replace)
		}
		if out == prev {
			return out
		}
	}
}

// JoinAlphaNumeric rewrites "52 A" -> "52A" and "7 bee" -> "7B".
func JoinAlphaNumeric(text string) string {
	return alphaNumJoinPattern.ReplaceAllStringFunc(text, func(match string) string {
		groups := alphaNumJoinPattern.FindStringSubmatch(match)
		digits := groups[1]
		letterPart := strings.ToLower(strings.TrimSpace(groups[2]))
		letterPart = strings.Join(strings.Fields(letterPart), "")
		if letter, ok := phoneticSuffix[letterPart]; ok {
			return digits + letter
		}
		return digits + strings.ToUpper(letterPart)
	})
}

// IsPhantom reports whether text looks like a hallucinated or otherwise
// unusable transcript rather than real caller speech. Monotone: once true
// for a given input it remains true for that same input (there is no mutable
// state consulted here, so re-evaluating the same string always agrees).
func IsPhantom(text string) bool {
	trimmed := strings.TrimSpace(text)

	if len(trimmed) < 2 {
		return true
	}

	lower := strings.ToLower(trimmed)
	for _, s := range phantomSubstrings {
		if strings.Contains(lower, s) {
			return true
		}
	}

	if urlPattern.MatchString(trimmed) {
		return true
	}

	if isMostlyNonLatin(trimmed) {
		return true
	}

	if isAllCapsShortToken(trimmed) {
		return true
	}

	if len(trimmed) > 100 && lowDomainTokenDensity(lower) {
		return true
	}

	for _, re := range gibberishPatterns {
		if re.MatchString(trimmed) {
			return true
		}
	}

	// any char repeated 7+ times (RE2 has no backreferences, so counted here)
	run := 0
	var prev rune
	for _, r := range trimmed {
		if run > 0 && r == prev {
			run++
		} else {
			prev, run = r, 1
		}
		if run >= 7 {
			return true
		}
	}

	return false
}

func isMostlyNonLatin(s string) bool {
	var total, nonLatin int
	for _, r := range s {
		if unicode.IsSpace(r) || unicode.IsPunct(r) {
			continue
		}
		total++
		if r > unicode.MaxASCII && !isAccentedLatin(r) {
			nonLatin++
		}
	}
	if total == 0 {
		return false
	}
	return float64(nonLatin)/float64(total) > 0.5
}

// isAccentedLatin treats common Latin-1 supplement accented letters as not
// counting toward the "non-Latin" hallucination signal.
func isAccentedLatin(r rune) bool {
	return r >= 0x00C0 && r <= 0x024F
}

func isAllCapsShortToken(s string) bool {
	if strings.ContainsAny(s, " \t") {
		return false
	}
	if allcapsAllowlist[strings.ToUpper(s)] {
		return false
	}
	hasLetter := false
	for _, r := range s {
		if unicode.IsLetter(r) {
			hasLetter = true
			if !unicode.IsUpper(r) {
				return false
			}
		}
	}
	return hasLetter && len(s) <= 12
}

var domainTokens = []string{
	"pickup", "destination", "road", "street", "avenue", "passenger",
	"taxi", "booking", "fare", "driver", "minutes", "address",
}

func lowDomainTokenDensity(lower string) bool {
	hits := 0
	for _, tok := range domainTokens {
		if strings.Contains(lower, tok) {
			hits++
		}
	}
	words := len(strings.Fields(lower))
	if words == 0 {
		return true
	}
	return float64(hits)/float64(words) < 0.05
}

// IsPriceOrETAHallucination reports whether text states a concrete fare or
// ETA while no real quote has been delivered yet (haveRealQuote == false).
// The assistant is never allowed to voice numbers it invented.
func IsPriceOrETAHallucination(text string, haveRealQuote bool) bool {
	if haveRealQuote {
		return false
	}
	for _, re := range pricePatterns {
		if re.MatchString(text) {
			return true
		}
	}
	for _, re := range etaPatterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}
