package policy

import (
	"errors"
	"regexp"
	"strings"
)

// ErrNotAllowed is returned when a user may not use an agent or command.
var ErrNotAllowed = errors.New("not allowed")

// Access is the per-agent user policy.
type Access struct {
	allowed map[string]struct{}
	admins  map[string]struct{}
}

// NewAccess builds an Access. An empty allow-list admits everyone; admins
// are always admitted.
func NewAccess(allowedUsers, admins []string) *Access {
	return &Access{
		allowed: toSet(allowedUsers),
		admins:  toSet(admins),
	}
}

func toSet(ids []string) map[string]struct{} {
	out := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id != "" {
			out[id] = struct{}{}
		}
	}
	return out
}

// Allowed reports whether userID may talk to the agent.
func (a *Access) Allowed(userID string) bool {
	if a == nil || len(a.allowed) == 0 {
		return true
	}
	if _, ok := a.allowed[userID]; ok {
		return true
	}
	return a.IsAdmin(userID)
}

// IsAdmin reports whether userID may run admin commands.
func (a *Access) IsAdmin(userID string) bool {
	if a == nil {
		return false
	}
	_, ok := a.admins[userID]
	return ok
}

// Authorize returns ErrNotAllowed when userID is outside the allow-list.
func (a *Access) Authorize(userID string) error {
	if !a.Allowed(userID) {
		return ErrNotAllowed
	}
	return nil
}

// AuthorizeAdmin returns ErrNotAllowed for non-admins.
func (a *Access) AuthorizeAdmin(userID string) error {
	if !a.IsAdmin(userID) {
		return ErrNotAllowed
	}
	return nil
}

type IntentDecision struct {
	Risk    string
	Blocked bool
	Reason  string
}

var (
	blockedIntentPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\brm\s+-rf\s+/(?:\s|$)`),
		regexp.MustCompile(`(?i)\b(sudo\s+)?cat\s+.*(?:id_rsa|id_ed25519|\.env|auth\.json)`),
		regexp.MustCompile(`(?i)\b(exfiltrate|steal|dump credentials|leak secrets?)\b`),
		regexp.MustCompile(`(?i)\b(print|show|reveal)\b.*\b(api[_ -]?key|token|password|secret)\b`),
	}
	highRiskKeywords = []string{
		"delete", "remove", "drop", "truncate", "format", "wipe", "destroy",
		"shutdown", "reboot", "kill", "terminate",
		"chmod", "chown", "sudo", "install", "uninstall",
		"deploy", "push", "merge", "migrate",
	}
)

// DecideIntent screens a task prompt before it reaches the agent. Blocked
// prompts are rejected outright; high risk ones are only logged.
func DecideIntent(intent string) IntentDecision {
	in := strings.ToLower(strings.TrimSpace(intent))
	if in == "" {
		return IntentDecision{Risk: "low"}
	}

	for _, re := range blockedIntentPatterns {
		if re.MatchString(in) {
			return IntentDecision{
				Risk:    "blocked",
				Blocked: true,
				Reason:  "Request appears to include destructive or secret-exfiltration behavior.",
			}
		}
	}

	for _, kw := range highRiskKeywords {
		if strings.Contains(in, kw) {
			return IntentDecision{Risk: "high"}
		}
	}
	return IntentDecision{Risk: "low"}
}
