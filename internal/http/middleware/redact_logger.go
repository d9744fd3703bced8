// Package middleware – log scrubbing
//
// This file holds the redaction rules used by the access logger: emails,
// phone numbers and UUIDs are masked in paths and query strings, and
// credential headers are replaced wholesale.
package middleware

import (
	"regexp"
	"strings"
)

// RedactOptions configures what the access logger scrubs.
//
// MaskHeaders lists extra header names whose values are fully replaced with
// "[REDACTED]". Matching is case-insensitive and merged with Authorization,
// Cookie and Set-Cookie. The session JWT travels in Authorization, so it never
// reaches the logs.
type RedactOptions struct {
	MaskHeaders []string
	// LogHeaders adds the scrubbed request headers to each access log line.
	LogHeaders bool
}

var (
	// UUIDs go first so the phone pattern never eats their digit groups.
	uuidRE  = regexp.MustCompile(`(?i)\b[0-9a-f]{8}\-[0-9a-f]{4}\-[1-5][0-9a-f]{3}\-[89ab][0-9a-f]{3}\-[0-9a-f]{12}\b`)
	emailRE = regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`)
	phoneRE = regexp.MustCompile(`\b(?:\+?\d{1,3}[ .-]?)?(?:\(?\d{2,4}\)?[ .-]?)?\d{3,4}[ .-]?\d{4}\b`)
)

// redactor scrubs vendor contact details and identifiers from query strings
// and header values before they are logged.
type redactor struct {
	mask map[string]struct{}
}

func newRedactor(opts RedactOptions) redactor {
	mask := map[string]struct{}{
		"authorization": {},
		"cookie":        {},
		"set-cookie":    {},
	}
	for _, h := range opts.MaskHeaders {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			mask[h] = struct{}{}
		}
	}
	return redactor{mask: mask}
}

func (r redactor) scrub(s string) string {
	if s == "" {
		return s
	}
	s = uuidRE.ReplaceAllString(s, "[REDACTED:id]")
	s = emailRE.ReplaceAllString(s, "[REDACTED:email]")
	return phoneRE.ReplaceAllString(s, "[REDACTED:phone]")
}

func (r redactor) headers(h map[string][]string) map[string]string {
	out := make(map[string]string, len(h))
	for k, vv := range h {
		if _, ok := r.mask[strings.ToLower(k)]; ok {
			out[k] = "[REDACTED]"
			continue
		}
		out[k] = r.scrub(strings.Join(vv, ", "))
	}
	return out
}
