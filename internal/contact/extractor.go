package contact

import (
	"net/mail"
	"regexp"
	"strings"
)

// maxScanLen bounds how much conversation text one extraction call will scan.
const maxScanLen = 16 * 1024

var namePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(?:my name is|i'm|i am|call me|this is|name's)\s+([a-zA-Z]+(?:\s+[a-zA-Z]+)*)`),
	regexp.MustCompile(`(?:I'm|I am)\s+([A-Z][a-z]+(?:\s+[A-Z][a-z]+)*)`),
}

var emailPattern = regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)

var phonePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?:\+?1[-.\s]?)?\(?[0-9]{3}\)?[-.\s]?[0-9]{3}[-.\s]?[0-9]{4}\b`),
	regexp.MustCompile(`\b\+?[1-9]\d{9,14}\b`),
	regexp.MustCompile(`\b\d{3}[-.\s]?\d{3}[-.\s]?\d{4}\b`),
	regexp.MustCompile(`\(\d{3}\)\s?\d{3}[-.\s]?\d{4}`),
}

var nonDigit = regexp.MustCompile(`[^\d]`)

// Extractor pattern-matches free conversation text for voluntarily disclosed
// names, email addresses and phone numbers. It is best-effort: it never
// returns an error and never panics out to the caller.
type Extractor struct{}

func NewExtractor() *Extractor {
	return &Extractor{}
}

// Extract scans the user message and the paired bot response and returns the
// values found, deduplicated per kind. A malformed input yields an empty map.
func (e *Extractor) Extract(userText, botText string) (out map[Kind][]string) {
	out = map[Kind][]string{}

	// extraction must never break message delivery
	defer func() {
		if r := recover(); r != nil {
			out = map[Kind][]string{}
		}
	}()

	text := userText + " " + botText
	if len(text) > maxScanLen {
		text = text[:maxScanLen]
	}

	if names := extractNames(text); len(names) > 0 {
		out[KindName] = names
	}
	if emails := extractEmails(text); len(emails) > 0 {
		out[KindEmail] = emails
	}
	if phones := extractPhones(text); len(phones) > 0 {
		out[KindPhone] = phones
	}
	return out
}

func extractNames(text string) []string {
	var names []string
	seen := map[string]bool{}

	for _, re := range namePatterns {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			name := strings.TrimSpace(m[1])
			if len(name) < 2 || len(name) >= 50 {
				continue
			}
			if !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
	}
	return names
}

func extractEmails(text string) []string {
	var emails []string
	seen := map[string]bool{}

	for _, m := range emailPattern.FindAllString(text, -1) {
		addr := strings.ToLower(m)
		if _, err := mail.ParseAddress(addr); err != nil {
			continue
		}
		if !seen[addr] {
			seen[addr] = true
			emails = append(emails, addr)
		}
	}
	return emails
}

func extractPhones(text string) []string {
	var phones []string
	seen := map[string]bool{}

	for _, re := range phonePatterns {
		for _, m := range re.FindAllString(text, -1) {
			phone := strings.TrimSpace(m)
			digits := nonDigit.ReplaceAllString(phone, "")
			if len(digits) < 10 {
				continue
			}
			if !seen[digits] {
				seen[digits] = true
				phones = append(phones, phone)
			}
		}
	}
	return phones
}
