// Package sanitize implements the normative error-text scrubbing contract
// of spec §4.3.5. Every string persisted into Order.error_message or
// FailedOrder.exchange_error must pass through Error before it is stored,
// because the result is served back to end users and kept indefinitely.
package sanitize

import "regexp"

const maxLen = 500

var (
	// API keys: long alphanumeric tokens, typically 32+ chars. Keep the
	// first 8 characters so support can still recognize which key failed.
	apiKeyPattern = regexp.MustCompile(`\b([A-Za-z0-9_-]{8})[A-Za-z0-9_-]{24,}\b`)

	// Runs of 9+ consecutive digits (account numbers, phone numbers,
	// order IDs that leak internal sequence info).
	longDigitRun = regexp.MustCompile(`\d{9,}`)

	// Bearer tokens and JWTs (header.payload.signature). A JWT header is
	// base64url JSON and so starts with "eyJ"; requiring that prefix keeps
	// dotted IPs and host names out of this stage.
	bearerPattern = regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._-]+`)
	jwtPattern    = regexp.MustCompile(`\beyJ[A-Za-z0-9_-]*\.[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\b`)

	emailPattern = regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)

	ipv4Pattern = regexp.MustCompile(`\b(\d{1,3})\.(\d{1,3})\.(\d{1,3})\.(\d{1,3})\b`)
)

// Error applies the ordered sanitization pipeline to a raw exchange error
// string and truncates the result to 500 characters, per §4.3.5:
// (a) mask API keys keeping the first 8 chars
// (b) replace runs of >=9 digits with [REDACTED]
// (c) mask bearer/JWT tokens
// (d) obfuscate email addresses
// (e) partially mask IPs
// (f) truncate to 500 chars
func Error(raw string) string {
	s := raw

	s = apiKeyPattern.ReplaceAllString(s, "$1...[MASKED]")
	s = longDigitRun.ReplaceAllString(s, "[REDACTED]")
	s = bearerPattern.ReplaceAllString(s, "Bearer [MASKED]")
	s = jwtPattern.ReplaceAllString(s, "[MASKED]")
	s = emailPattern.ReplaceAllStringFunc(s, obfuscateEmail)
	s = ipv4Pattern.ReplaceAllString(s, "$1.$2.x.x")

	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return s
}

func obfuscateEmail(email string) string {
	at := -1
	for i, c := range email {
		if c == '@' {
			at = i
			break
		}
	}
	if at <= 0 {
		return "[MASKED_EMAIL]"
	}
	local := email[:at]
	domain := email[at:]
	if len(local) <= 2 {
		return local[:1] + "***" + domain
	}
	return local[:2] + "***" + domain
}
