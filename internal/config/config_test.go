package config

import (
	"strings"
	"testing"
)

const minimalYAML = `
repository_host: bitbucket
repository_owner: org
repository_slug: app
robot:
  username: bot
`

func TestParseMinimal(t *testing.T) {
	s, err := Parse([]byte(minimalYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.FullName() != "org/app" {
		t.Errorf("full name: got %q", s.FullName())
	}
	if !s.NeedsAuthorApproval() {
		t.Error("need_author_approval should default to true")
	}
	if !s.AlwaysBranches() || !s.AlwaysPullRequests() {
		t.Error("integration branch/PR creation should default to true")
	}
	if !s.QueuesEnabled() {
		t.Error("queues should default to enabled")
	}
	if s.BuildKey != "pipeline" {
		t.Errorf("build_key default: got %q", s.BuildKey)
	}
	if s.Server.ListenAddr != ":8080" {
		t.Errorf("listen_addr default: got %q", s.Server.ListenAddr)
	}
	if s.Server.LogLevel != "info" {
		t.Errorf("log_level default: got %q", s.Server.LogLevel)
	}
}

func TestParseMissingFields(t *testing.T) {
	_, err := Parse([]byte("repository_host: bitbucket\n"))
	if err == nil {
		t.Fatal("expected error for missing fields")
	}
	msg := err.Error()
	for _, want := range []string{"repository_owner", "repository_slug", "robot.username"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error should mention %q, got: %v", want, err)
		}
	}
}

func TestParseInvalidHost(t *testing.T) {
	yaml := strings.Replace(minimalYAML, "bitbucket", "gitlab", 1)
	if _, err := Parse([]byte(yaml)); err == nil {
		t.Fatal("expected error for unknown repository_host")
	}
}

func TestCloneURL(t *testing.T) {
	s, err := Parse([]byte(minimalYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.CloneURL != "https://bitbucket.org/org/app.git" {
		t.Errorf("bitbucket clone_url: got %q", s.CloneURL)
	}

	s, err = Parse([]byte(strings.Replace(minimalYAML, "bitbucket", "github", 1)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.CloneURL != "https://github.com/org/app.git" {
		t.Errorf("github clone_url: got %q", s.CloneURL)
	}

	s, err = Parse([]byte(minimalYAML + "clone_url: ssh://git@example.com/org/app.git\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.CloneURL != "ssh://git@example.com/org/app.git" {
		t.Errorf("explicit clone_url overridden: got %q", s.CloneURL)
	}

	// The mock host has no canonical URL; clone_url must be explicit.
	_, err = Parse([]byte(strings.Replace(minimalYAML, "bitbucket", "mock", 1)))
	if err == nil || !strings.Contains(err.Error(), "clone_url") {
		t.Fatalf("expected clone_url error for mock host, got %v", err)
	}
}

func TestParseUnknownKeyRejected(t *testing.T) {
	if _, err := Parse([]byte(minimalYAML + "no_such_option: true\n")); err == nil {
		t.Fatal("expected error for unknown settings key")
	}
}

func TestApprovalBounds(t *testing.T) {
	yaml := minimalYAML + `
required_peer_approvals: 2
required_leader_approvals: 1
project_leaders: [alice]
`
	s, err := Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !s.IsLeader("alice") || s.IsLeader("bob") {
		t.Error("IsLeader mismatch")
	}
	if !s.IsAdmin("alice") {
		t.Error("leaders should be admins")
	}

	bad := minimalYAML + `
required_peer_approvals: 1
required_leader_approvals: 2
project_leaders: [alice, bob]
`
	if _, err := Parse([]byte(bad)); err == nil {
		t.Fatal("expected error when leader approvals exceed peer approvals")
	}

	bad = minimalYAML + `
required_peer_approvals: 3
required_leader_approvals: 2
project_leaders: [alice]
`
	if _, err := Parse([]byte(bad)); err == nil {
		t.Fatal("expected error when leader approvals exceed leader count")
	}
}

func TestQueueToggles(t *testing.T) {
	s, err := Parse([]byte(minimalYAML + "disable_queues: true\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.QueuesEnabled() {
		t.Error("disable_queues should win")
	}

	s, err = Parse([]byte(minimalYAML + "use_queues: false\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.QueuesEnabled() {
		t.Error("use_queues: false should disable queues")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("GATEKEEPER_HOST_TOKEN", "tok-123")
	t.Setenv("GATEKEEPER_JIRA_TOKEN", "jira-tok")
	t.Setenv("GATEKEEPER_LISTEN_ADDR", ":9999")

	s, err := Parse([]byte(minimalYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Server.HostToken != "tok-123" {
		t.Errorf("host token: got %q", s.Server.HostToken)
	}
	if s.Jira.Token != "jira-tok" {
		t.Errorf("jira token: got %q", s.Jira.Token)
	}
	if s.Server.ListenAddr != ":9999" {
		t.Errorf("listen addr: got %q", s.Server.ListenAddr)
	}
}

func TestPRAuthorOptions(t *testing.T) {
	yaml := minimalYAML + `
pr_author_options:
  release-bot: [bypass_author_approval, bypass_jira_check]
`
	s, err := Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	opts := s.PRAuthorOptions["release-bot"]
	if len(opts) != 2 || opts[0] != "bypass_author_approval" {
		t.Errorf("pr_author_options: got %v", opts)
	}
}
