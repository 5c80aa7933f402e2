package approval

import "testing"

func TestRules_DenyWinsOverAllow(t *testing.T) {
	rules := Rules{
		Denylist:  []string{"bash"},
		Allowlist: []string{"bash"},
	}
	if got := rules.Resolve("bash"); got != PolicyDeny {
		t.Errorf("expected deny, got %q", got)
	}
}

func TestRules_Resolve(t *testing.T) {
	rules := Rules{
		Denylist:  []string{"rm_*"},
		Allowlist: []string{"read_file", "web_*"},
	}

	cases := []struct {
		tool string
		want string
	}{
		{"rm_rf", PolicyDeny},
		{"read_file", PolicyAllow},
		{"web_fetch", PolicyAllow},
		{"bash", ""},
	}
	for _, tc := range cases {
		if got := rules.Resolve(tc.tool); got != tc.want {
			t.Errorf("Resolve(%q) = %q, want %q", tc.tool, got, tc.want)
		}
	}
}

func TestMatchesPattern(t *testing.T) {
	cases := []struct {
		patterns []string
		tool     string
		want     bool
	}{
		{[]string{"bash"}, "bash", true},
		{[]string{"bash"}, "Bash", true},
		{[]string{"bash"}, "zsh", false},
		{[]string{"*"}, "anything", true},
		{[]string{"read_*"}, "read_file", true},
		{[]string{"read_*"}, "write_file", false},
		{[]string{"*_file"}, "write_file", true},
		{[]string{""}, "bash", false},
		{nil, "bash", false},
	}
	for _, tc := range cases {
		if got := matchesPattern(tc.patterns, tc.tool); got != tc.want {
			t.Errorf("matchesPattern(%v, %q) = %v, want %v", tc.patterns, tc.tool, got, tc.want)
		}
	}
}
