// Package config loads the gatekeeper settings: a YAML file for the
// per-repository gating policy, with environment overrides (GATEKEEPER_*)
// for server-level settings and secrets.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Robot identifies the bot account on the host.
type Robot struct {
	Username  string `yaml:"username"`
	AccountID string `yaml:"account_id"`
	Email     string `yaml:"email"`
}

// Settings is the full configuration. YAML keys match the historical
// settings file format.
type Settings struct {
	RepositoryHost  string `yaml:"repository_host"` // bitbucket | github | mock
	RepositoryOwner string `yaml:"repository_owner"`
	RepositorySlug  string `yaml:"repository_slug"`
	// CloneURL is the git URL the bot mirrors. Defaults to the host's
	// HTTPS URL for bitbucket and github; required for the mock host.
	CloneURL string `yaml:"clone_url"`

	Robot Robot `yaml:"robot"`

	BuildKey string `yaml:"build_key"`

	NeedAuthorApproval      *bool    `yaml:"need_author_approval"` // default true
	RequiredPeerApprovals   int      `yaml:"required_peer_approvals"`
	RequiredLeaderApprovals int      `yaml:"required_leader_approvals"`
	ProjectLeaders          []string `yaml:"project_leaders"`
	Admins                  []string `yaml:"admins"`

	// PRAuthorOptions grants per-author default options, keyed by
	// username, e.g. release-bot: [bypass_author_approval].
	PRAuthorOptions map[string][]string `yaml:"pr_author_options"`

	// Prefixes maps issue-tracker issue types to branch prefixes,
	// e.g. Bug: bugfix.
	Prefixes             map[string]string `yaml:"prefixes"`
	BypassPrefixes       []string          `yaml:"bypass_prefixes"`
	DisableVersionChecks bool              `yaml:"disable_version_checks"`

	MaxCommitDiff int `yaml:"max_commit_diff"` // 0 disables

	AlwaysCreateIntegrationBranches     *bool `yaml:"always_create_integration_branches"`      // default true
	AlwaysCreateIntegrationPullRequests *bool `yaml:"always_create_integration_pull_requests"` // default true

	UseQueues             *bool `yaml:"use_queues"` // default true
	SkipQueueWhenPossible bool  `yaml:"skip_queue_when_possible"`
	DisableQueues         bool  `yaml:"disable_queues"`

	// Tasks are created on every newly opened pull request.
	Tasks []string `yaml:"tasks"`

	Jira JiraSettings `yaml:"jira"`

	Server ServerSettings `yaml:"server"`
}

// JiraSettings configures the issue tracker client. An empty URL
// disables issue checks entirely.
type JiraSettings struct {
	URL  string `yaml:"url"`
	User string `yaml:"user"`

	Token string `yaml:"-"` // GATEKEEPER_JIRA_TOKEN only
}

// ServerSettings holds the server-level settings. Secrets are never
// read from the file, only from the environment.
type ServerSettings struct {
	ListenAddr    string        `yaml:"listen_addr"`
	WebhookUser   string        `yaml:"webhook_user"`
	GitCacheDir   string        `yaml:"git_cache_dir"`
	TimerInterval time.Duration `yaml:"timer_interval"`
	LogLevel      string        `yaml:"log_level"` // "debug", "info", "warn", "error"

	// GitHub App credentials, used instead of HostToken when set.
	GitHubAppID          int64  `yaml:"github_app_id"`
	GitHubInstallationID int64  `yaml:"github_installation_id"`
	GitHubAppKeyPath     string `yaml:"github_app_key_path"`

	DatabaseURL     string `yaml:"-"` // GATEKEEPER_DATABASE_URL only
	WebhookPassword string `yaml:"-"` // GATEKEEPER_WEBHOOK_PASSWORD only
	HostToken       string `yaml:"-"` // GATEKEEPER_HOST_TOKEN only
}

// NeedsAuthorApproval resolves the tri-state default.
func (s *Settings) NeedsAuthorApproval() bool {
	return s.NeedAuthorApproval == nil || *s.NeedAuthorApproval
}

// AlwaysBranches resolves the tri-state default.
func (s *Settings) AlwaysBranches() bool {
	return s.AlwaysCreateIntegrationBranches == nil || *s.AlwaysCreateIntegrationBranches
}

// AlwaysPullRequests resolves the tri-state default.
func (s *Settings) AlwaysPullRequests() bool {
	return s.AlwaysCreateIntegrationPullRequests == nil || *s.AlwaysCreateIntegrationPullRequests
}

// QueuesEnabled reports whether the merge queue is in use at all.
func (s *Settings) QueuesEnabled() bool {
	if s.DisableQueues {
		return false
	}
	return s.UseQueues == nil || *s.UseQueues
}

// IsAdmin reports whether user may issue privileged commands. Leaders
// are always admins.
func (s *Settings) IsAdmin(user string) bool {
	return contains(s.Admins, user) || s.IsLeader(user)
}

// IsLeader reports whether user is a project leader.
func (s *Settings) IsLeader(user string) bool {
	return contains(s.ProjectLeaders, user)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// FullName returns "owner/slug".
func (s *Settings) FullName() string {
	return s.RepositoryOwner + "/" + s.RepositorySlug
}

// Load reads the settings file, applies environment overrides and
// defaults, and validates. All missing required fields are reported in
// one error.
func Load(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}
	return Parse(data)
}

// Parse decodes settings from YAML and finishes them the same way Load
// does.
func Parse(data []byte) (*Settings, error) {
	var s Settings
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("parse settings: %w", err)
	}

	applyEnv(&s)
	applyDefaults(&s)

	if err := s.validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func applyEnv(s *Settings) {
	set := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	set(&s.Server.ListenAddr, "GATEKEEPER_LISTEN_ADDR")
	set(&s.Server.DatabaseURL, "GATEKEEPER_DATABASE_URL")
	set(&s.Server.WebhookUser, "GATEKEEPER_WEBHOOK_USER")
	set(&s.Server.WebhookPassword, "GATEKEEPER_WEBHOOK_PASSWORD")
	set(&s.Server.HostToken, "GATEKEEPER_HOST_TOKEN")
	set(&s.Server.GitCacheDir, "GATEKEEPER_GIT_CACHE_DIR")
	set(&s.Server.LogLevel, "GATEKEEPER_LOG_LEVEL")
	set(&s.Jira.Token, "GATEKEEPER_JIRA_TOKEN")
}

func applyDefaults(s *Settings) {
	if s.Server.ListenAddr == "" {
		s.Server.ListenAddr = ":8080"
	}
	if s.Server.GitCacheDir == "" {
		s.Server.GitCacheDir = defaultCacheDir()
	}
	if s.Server.TimerInterval <= 0 {
		s.Server.TimerInterval = 5 * time.Minute
	}
	if s.Server.LogLevel == "" {
		s.Server.LogLevel = "info"
	}
	if s.BuildKey == "" {
		s.BuildKey = "pipeline"
	}
	if s.CloneURL == "" && s.RepositoryOwner != "" && s.RepositorySlug != "" {
		switch s.RepositoryHost {
		case "bitbucket":
			s.CloneURL = "https://bitbucket.org/" + s.FullName() + ".git"
		case "github":
			s.CloneURL = "https://github.com/" + s.FullName() + ".git"
		}
	}
	s.Jira.URL = strings.TrimRight(s.Jira.URL, "/")
}

func defaultCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return dir + "/gatekeeper"
	}
	return os.TempDir() + "/gatekeeper"
}

func (s *Settings) validate() error {
	var missing []string

	if s.RepositoryHost == "" {
		missing = append(missing, "repository_host")
	}
	if s.RepositoryOwner == "" {
		missing = append(missing, "repository_owner")
	}
	if s.RepositorySlug == "" {
		missing = append(missing, "repository_slug")
	}
	if s.Robot.Username == "" {
		missing = append(missing, "robot.username")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required settings: %s", strings.Join(missing, ", "))
	}

	switch s.RepositoryHost {
	case "bitbucket", "github", "mock":
	default:
		return fmt.Errorf("repository_host: invalid value %q, must be one of: bitbucket, github, mock", s.RepositoryHost)
	}

	if s.CloneURL == "" {
		return fmt.Errorf("clone_url: required when repository_host is %q", s.RepositoryHost)
	}

	switch s.Server.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level: invalid value %q, must be one of: debug, info, warn, error", s.Server.LogLevel)
	}

	if s.RequiredPeerApprovals < 0 {
		return fmt.Errorf("required_peer_approvals: must be >= 0, got %d", s.RequiredPeerApprovals)
	}
	if s.RequiredLeaderApprovals > s.RequiredPeerApprovals {
		return fmt.Errorf("required_leader_approvals (%d) must not exceed required_peer_approvals (%d)",
			s.RequiredLeaderApprovals, s.RequiredPeerApprovals)
	}
	if s.RequiredLeaderApprovals > len(s.ProjectLeaders) {
		return fmt.Errorf("required_leader_approvals (%d) must not exceed the number of project_leaders (%d)",
			s.RequiredLeaderApprovals, len(s.ProjectLeaders))
	}
	if s.MaxCommitDiff < 0 {
		return fmt.Errorf("max_commit_diff: must be >= 0, got %d", s.MaxCommitDiff)
	}

	return nil
}
