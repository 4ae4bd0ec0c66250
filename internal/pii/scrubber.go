// Package pii implements deterministic, idempotent redaction of personally
// identifying information from free text before it is sent to the AI
// enrichment client (C6). Patterns are grounded on the project's original
// detect_pii/redact_pii rules, extended per spec with phone extensions,
// government/insurance identifiers, device serials, and person names.
package pii

import (
	"regexp"
	"sort"

	"github.com/oakhealth/syncpipe/pkg/domain"
)

// rule pairs a compiled pattern with the category token it redacts to.
type rule struct {
	category string
	pattern  *regexp.Regexp
}

// Order matters: more specific patterns (SSN, serials) must run before the
// generic phone-number pattern would otherwise swallow them.
var rules = []rule{
	{"EMAIL", regexp.MustCompile(`[\w.+-]+@[\w.-]+\.[A-Za-z]{2,}`)},
	{"SSN", regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	{"INSURANCE_ID", regexp.MustCompile(`\b[A-Z]{2,4}-\d{6,10}\b`)},
	{"SERIAL", regexp.MustCompile(`(?i)\b(?:s/?n|serial)[:#\s]*[A-Z0-9-]{5,}\b`)},
	{"PHONE", regexp.MustCompile(`\b(?:\+\d{1,3}[ -]?)?(?:\(\d{2,4}\)[ -]?)?\d{2,4}[ -]?\d{3,4}[ -]?\d{3,4}(?:\s?(?:ext|x)\.?\s?\d{1,5})?\b`)},
	{"POSTAL_ADDRESS", regexp.MustCompile(`(?i)\b\d{1,6}\s+[A-Za-z][A-Za-z .]{2,40}\s+(?:street|st|avenue|ave|road|rd|boulevard|blvd|lane|ln|drive|dr|straße|strasse|weg)\b\.?`)},
	{"PERSON_NAME", regexp.MustCompile(`\b(?:Mr|Mrs|Ms|Dr|Herr|Frau)\.?\s+[A-ZÀ-Ü][a-zà-ÿ'-]+(?:\s+[A-ZÀ-Ü][a-zà-ÿ'-]+)?`)},
}

// Scrub redacts every recognized PII category in text, replacing each match
// with a neutral token carrying its category, e.g. "[REDACTED:EMAIL]".
// It returns the redacted text plus the spans matched in the *original*
// text, for audit purposes — spans are never persisted with the record.
//
// Scrub is deterministic and idempotent: scrub(scrub(x)) == scrub(x), since
// the token format "[REDACTED:CATEGORY]" never itself matches a rule.
func Scrub(text string) (string, []domain.PIISpan) {
	type match struct {
		start, end int
		category   string
	}

	var matches []match
	for _, r := range rules {
		for _, loc := range r.pattern.FindAllStringIndex(text, -1) {
			matches = append(matches, match{start: loc[0], end: loc[1], category: r.category})
		}
	}

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].start < matches[j].start })

	// Drop matches that overlap an earlier-starting match (on an equal start
	// the stable sort keeps rule order, so the rule listed first wins),
	// so a phone-like substring inside an already-redacted serial number
	// isn't double-counted.
	var kept []match
	cursor := -1
	for _, m := range matches {
		if m.start < cursor {
			continue
		}
		kept = append(kept, m)
		cursor = m.end
	}

	var out []byte
	var spans []domain.PIISpan
	last := 0
	for _, m := range kept {
		out = append(out, text[last:m.start]...)
		token := "[REDACTED:" + m.category + "]"
		out = append(out, token...)
		spans = append(spans, domain.PIISpan{Category: m.category, Start: m.start, End: m.end})
		last = m.end
	}
	out = append(out, text[last:]...)

	return string(out), spans
}
