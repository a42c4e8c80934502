package policy

import "regexp"

type redaction struct {
	pattern *regexp.Regexp
	marker  string
}

// Order matters: secrets and card numbers run before phone numbers, which
// would otherwise swallow their digits.
var redactions = []redaction{
	{regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`), "[REDACTED_EMAIL]"},
	{regexp.MustCompile(`\b(?:sk-[A-Za-z0-9_\-]{16,}|gh[pousr]_[A-Za-z0-9]{20,}|xox[abpr]-[A-Za-z0-9\-]{10,}|AKIA[0-9A-Z]{16})\b`), "[REDACTED_TOKEN]"},
	{regexp.MustCompile(`(?i)\b(bearer|password|passwd|secret|token)(\s*[:=]\s*|\s+)[^\s"']{6,}`), "${1}${2}[REDACTED_SECRET]"},
	{regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`), "[REDACTED_CARD]"},
	{regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`), "[REDACTED_PHONE]"},
	// Lark open ids of users, chats and messages.
	{regexp.MustCompile(`\b(?:ou|oc|om|on)_[0-9a-f]{16,}\b`), "[REDACTED_ID]"},
}

// RedactPII masks contact details, payment cards, credentials pasted into
// prompts and chat platform ids.
func RedactPII(input string) (redacted string, changed bool) {
	out := input
	for _, r := range redactions {
		next := r.pattern.ReplaceAllString(out, r.marker)
		changed = changed || next != out
		out = next
	}
	return out, changed
}
