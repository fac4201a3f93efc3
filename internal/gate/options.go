package gate

import (
	"strings"

	"github.com/jogman/gatekeeper/internal/config"
	"github.com/jogman/gatekeeper/internal/host"
)

// Options are the per-cycle gating switches. They are recomputed from
// the author's configured defaults plus the command comments on every
// run and never persisted.
type Options struct {
	Wait      bool
	Unanimity bool

	BypassAuthorApproval bool
	BypassPeerApproval   bool
	BypassLeaderApproval bool
	BypassJiraCheck      bool
	BypassBuildStatus    bool
	BypassCommitSize     bool

	// Action commands fire only when the comment is newer than the
	// bot's last reply, so a cycle cannot replay them.
	StatusRequested     bool
	StatusCommentID     int64
	ResetRequested      bool
	ResetCommentID      int64
	ForceResetRequested bool
	BuildRequested      bool

	// Unknown holds unrecognized verbs addressed to the bot, for the
	// unknown-command reply.
	Unknown []string
}

// Verbs every privileged author may use.
var commandVerbs = []string{
	"status", "wait", "unanimity",
	"bypass_author_approval", "bypass_peer_approval", "bypass_leader_approval",
	"bypass_jira_check", "bypass_build_status", "bypass_commit_size",
	"reset", "force_reset", "build", "clear",
}

// ParseOptions folds the author defaults and the command comments into
// the cycle's options. Bypass and action verbs require an admin or
// leader author; status and wait are also open to the pull request
// author.
func ParseOptions(settings *config.Settings, pr *host.PullRequest, comments []host.Comment) Options {
	var opts Options
	applyDefaults(&opts, settings.PRAuthorOptions[pr.Author])

	var lastBotID int64
	for _, c := range comments {
		if c.Author == settings.Robot.Username {
			lastBotID = c.ID
		}
	}

	for _, c := range comments {
		if c.Author == settings.Robot.Username {
			continue
		}
		verb, ok := command(settings.Robot.Username, c.Body)
		if !ok {
			continue
		}

		admin := settings.IsAdmin(c.Author)
		authorOrAdmin := admin || c.Author == pr.Author
		fresh := c.ID > lastBotID

		switch verb {
		case "status":
			if authorOrAdmin && fresh {
				opts.StatusRequested = true
				opts.StatusCommentID = c.ID
			}
		case "wait":
			if authorOrAdmin {
				opts.Wait = true
			}
		case "unanimity":
			if admin {
				opts.Unanimity = true
			}
		case "bypass_author_approval":
			if admin {
				opts.BypassAuthorApproval = true
			}
		case "bypass_peer_approval":
			if admin {
				opts.BypassPeerApproval = true
			}
		case "bypass_leader_approval":
			if admin {
				opts.BypassLeaderApproval = true
			}
		case "bypass_jira_check":
			if admin {
				opts.BypassJiraCheck = true
			}
		case "bypass_build_status":
			if admin {
				opts.BypassBuildStatus = true
			}
		case "bypass_commit_size":
			if admin {
				opts.BypassCommitSize = true
			}
		case "reset":
			if admin && fresh {
				opts.ResetRequested = true
				opts.ResetCommentID = c.ID
			}
		case "force_reset":
			if admin && fresh {
				opts.ResetRequested = true
				opts.ForceResetRequested = true
				opts.ResetCommentID = c.ID
			}
		case "build":
			if admin && fresh {
				opts.BuildRequested = true
			}
		case "clear":
			if admin {
				opts = Options{}
				applyDefaults(&opts, settings.PRAuthorOptions[pr.Author])
			}
		default:
			if authorOrAdmin && fresh {
				opts.Unknown = append(opts.Unknown, verb)
			}
		}
	}
	return opts
}

func applyDefaults(opts *Options, defaults []string) {
	for _, d := range defaults {
		switch d {
		case "wait":
			opts.Wait = true
		case "unanimity":
			opts.Unanimity = true
		case "bypass_author_approval":
			opts.BypassAuthorApproval = true
		case "bypass_peer_approval":
			opts.BypassPeerApproval = true
		case "bypass_leader_approval":
			opts.BypassLeaderApproval = true
		case "bypass_jira_check":
			opts.BypassJiraCheck = true
		case "bypass_build_status":
			opts.BypassBuildStatus = true
		case "bypass_commit_size":
			opts.BypassCommitSize = true
		}
	}
}

// command extracts the verb from a comment addressed to the bot:
// "@bot <verb>" or "bot <verb>" as the first line. Returns false when
// the comment is not addressed to the bot at all.
func command(bot, body string) (string, bool) {
	first, _, _ := strings.Cut(strings.TrimSpace(body), "\n")
	fields := strings.Fields(first)
	if len(fields) < 2 {
		return "", false
	}
	if fields[0] != bot && fields[0] != "@"+bot {
		return "", false
	}
	return fields[1], true
}
