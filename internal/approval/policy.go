// Package approval implements the approval gate: per-tool policy
// resolution, durable approval requests, and cancellable waits for
// decisions that may be recorded by another process at any time.
package approval

import "strings"

// Per-tool policies.
const (
	PolicyAllow           = "allow"
	PolicyDeny            = "deny"
	PolicyRequireApproval = "require-approval"
)

// Rules holds the explicit allow and deny lists consulted before the
// session-configured policy. Deny always wins over allow.
type Rules struct {
	// Denylist contains tools that are always denied.
	Denylist []string `yaml:"denylist" json:"denylist"`

	// Allowlist contains tools that are always allowed.
	Allowlist []string `yaml:"allowlist" json:"allowlist"`
}

// Resolve returns the policy from the explicit lists, or "" when neither
// list matches and the session policy should be consulted.
func (r Rules) Resolve(toolName string) string {
	if matchesPattern(r.Denylist, toolName) {
		return PolicyDeny
	}
	if matchesPattern(r.Allowlist, toolName) {
		return PolicyAllow
	}
	return ""
}

// matchesPattern checks if toolName matches any pattern in the list.
// Supports exact match, prefix* match, *suffix match, and * (all).
func matchesPattern(patterns []string, toolName string) bool {
	toolName = strings.ToLower(strings.TrimSpace(toolName))
	for _, pattern := range patterns {
		pattern = strings.ToLower(strings.TrimSpace(pattern))
		if pattern == "" {
			continue
		}
		if pattern == "*" || pattern == toolName {
			return true
		}
		if len(pattern) > 1 && strings.HasSuffix(pattern, "*") {
			if strings.HasPrefix(toolName, pattern[:len(pattern)-1]) {
				return true
			}
		}
		if len(pattern) > 1 && strings.HasPrefix(pattern, "*") {
			if strings.HasSuffix(toolName, pattern[1:]) {
				return true
			}
		}
	}
	return false
}
