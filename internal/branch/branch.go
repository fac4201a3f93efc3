// Package branch implements the branching model of the cascading workflow:
// parsing branch names into their role, the version lattice built from
// development branches, and the cascade computation that decides which
// versions a change must propagate to.
package branch

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Kind classifies a branch name into its role in the workflow.
type Kind int

const (
	// KindOther is any branch the bot does not recognize.
	KindOther Kind = iota
	// KindDevelopment is a development/<version> branch.
	KindDevelopment
	// KindStabilization is a stabilization/<version> branch.
	KindStabilization
	// KindIntegration is a bot-owned w/<version>/<prefix>/<subname> branch.
	KindIntegration
	// KindQueue is a bot-owned q/<pr>/<sha>/<version> branch.
	KindQueue
	// KindHotfix is a hotfix/<subname> source branch.
	KindHotfix
	// KindFeature is a feature/<subname> source branch.
	KindFeature
	// KindBugfix is a bugfix/<subname> source branch.
	KindBugfix
	// KindImprovement is an improvement/<subname> source branch.
	KindImprovement
	// KindUser is a user/<subname> branch, never handled by the bot.
	KindUser
)

func (k Kind) String() string {
	switch k {
	case KindDevelopment:
		return "development"
	case KindStabilization:
		return "stabilization"
	case KindIntegration:
		return "integration"
	case KindQueue:
		return "queue"
	case KindHotfix:
		return "hotfix"
	case KindFeature:
		return "feature"
	case KindBugfix:
		return "bugfix"
	case KindImprovement:
		return "improvement"
	case KindUser:
		return "user"
	default:
		return "other"
	}
}

// Branch is the parsed form of a branch name. Fields beyond Name and Kind
// are populated only where they make sense for the kind.
type Branch struct {
	Name    string
	Kind    Kind
	Version Version // development, stabilization, integration, queue
	Prefix  string  // integration and source kinds: "feature", "bugfix", "improvement"
	Subname string  // source and integration kinds
	PRID    int64   // queue
	SHA     string  // queue
}

// IsSource reports whether the branch is a source branch the cascade engine
// accepts (feature, bugfix or improvement).
func (b Branch) IsSource() bool {
	return b.Kind == KindFeature || b.Kind == KindBugfix || b.Kind == KindImprovement
}

var issueKeyRe = regexp.MustCompile(`^([A-Z][A-Z0-9_]*-[0-9]+)`)

// IssueKey extracts the issue-tracker key (e.g. PROJ-1234) from the
// branch subname. Returns "" if the subname does not start with one.
func (b Branch) IssueKey() string {
	return issueKeyRe.FindString(b.Subname)
}

// Parse classifies a branch name. The mapping is deterministic: a name
// parses into exactly one kind, and anything unrecognized is KindOther.
func Parse(name string) Branch {
	b := Branch{Name: name, Kind: KindOther}

	prefix, rest, ok := strings.Cut(name, "/")
	if !ok || rest == "" {
		return b
	}

	switch prefix {
	case "development", "stabilization":
		v, err := ParseVersion(rest)
		if err != nil {
			return b
		}
		if prefix == "development" {
			b.Kind = KindDevelopment
		} else {
			b.Kind = KindStabilization
		}
		b.Version = v

	case "w":
		// w/<version>/<prefix>/<subname>
		parts := strings.SplitN(rest, "/", 3)
		if len(parts) != 3 {
			return b
		}
		v, err := ParseVersion(parts[0])
		if err != nil {
			return b
		}
		if !isSourcePrefix(parts[1]) {
			return b
		}
		b.Kind = KindIntegration
		b.Version = v
		b.Prefix = parts[1]
		b.Subname = parts[2]

	case "q":
		// q/<pr>/<sha>/<version>
		parts := strings.SplitN(rest, "/", 3)
		if len(parts) != 3 {
			return b
		}
		pr, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil || pr <= 0 {
			return b
		}
		if !isSHA(parts[1]) {
			return b
		}
		v, verr := ParseVersion(parts[2])
		if verr != nil {
			return b
		}
		b.Kind = KindQueue
		b.PRID = pr
		b.SHA = parts[1]
		b.Version = v

	case "hotfix":
		b.Kind = KindHotfix
		b.Prefix = "hotfix"
		b.Subname = rest

	case "feature":
		b.Kind = KindFeature
		b.Prefix = prefix
		b.Subname = rest

	case "bugfix":
		b.Kind = KindBugfix
		b.Prefix = prefix
		b.Subname = rest

	case "improvement":
		b.Kind = KindImprovement
		b.Prefix = prefix
		b.Subname = rest

	case "user":
		b.Kind = KindUser
		b.Prefix = prefix
		b.Subname = rest
	}

	return b
}

func isSourcePrefix(p string) bool {
	return p == "feature" || p == "bugfix" || p == "improvement"
}

func isSHA(s string) bool {
	if len(s) < 7 || len(s) > 40 {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// IntegrationRef builds the w/<version>/<prefix>/<subname> ref name for an
// integration branch.
func IntegrationRef(v Version, prefix, subname string) string {
	return fmt.Sprintf("w/%s/%s/%s", v, prefix, subname)
}

// QueueRef builds the q/<pr>/<sha>/<version> ref name for a queue branch.
func QueueRef(prID int64, sha string, v Version) string {
	return fmt.Sprintf("q/%d/%s/%s", prID, sha, v)
}

// DevelopmentRef builds the development/<version> ref name.
func DevelopmentRef(v Version) string {
	return "development/" + v.String()
}

// BotOwned reports whether a ref may be created, advanced or deleted by the
// bot. Only w/ and q/ refs are bot-owned; the bot must refuse to touch
// anything else.
func BotOwned(name string) bool {
	return strings.HasPrefix(name, "w/") || strings.HasPrefix(name, "q/")
}
