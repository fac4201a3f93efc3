// Package host defines the Git-host façade: the API surface the gating and
// queueing core requires from Bitbucket or GitHub. The interface enables
// testing the whole core with the in-memory mock.
package host

import (
	"context"
	"time"
)

// PRState is the lifecycle state of a pull request on the host.
type PRState string

const (
	PRStateOpen     PRState = "OPEN"
	PRStateMerged   PRState = "MERGED"
	PRStateDeclined PRState = "DECLINED"
)

// BuildState is the state of a build status on a commit.
type BuildState string

const (
	BuildNotStarted BuildState = "NOTSTARTED"
	BuildInProgress BuildState = "INPROGRESS"
	BuildSuccessful BuildState = "SUCCESSFUL"
	BuildFailed     BuildState = "FAILED"
	BuildStopped    BuildState = "STOPPED"
)

// PullRequest is the host-neutral view of a pull request.
type PullRequest struct {
	ID          int64
	Title       string
	Description string
	Author      string
	SrcBranch   string
	DstBranch   string
	SrcCommit   string
	State       PRState
	CommitCount int
}

// Comment is a pull request comment.
type Comment struct {
	ID        int64
	Author    string
	Body      string
	CreatedAt time.Time
}

// ReviewState is the state of a single review.
type ReviewState string

const (
	ReviewApproved         ReviewState = "APPROVED"
	ReviewChangesRequested ReviewState = "CHANGES_REQUESTED"
	ReviewDismissed        ReviewState = "DISMISSED"
	ReviewCommented        ReviewState = "COMMENTED"
)

// Review is a single review event on a pull request. Reviews are returned
// sorted by ID ascending; the latest non-COMMENTED review per reviewer is
// the one that counts.
type Review struct {
	ID     int64
	Author string
	State  ReviewState
}

// BuildStatus is a CI status keyed by (commit, Key).
type BuildStatus struct {
	Key         string
	State       BuildState
	URL         string
	Description string
}

// CreatePullRequestOpts holds the fields for creating a child pull request.
type CreatePullRequestOpts struct {
	Title       string
	Description string
	SrcBranch   string
	DstBranch   string
	Reviewers   []string
}

// Client is the host capability the core requires. Implementations:
// bitbucket (REST), github (go-github), and the in-memory Mock.
// PR ids are always assigned by the host, never by the bot.
type Client interface {
	// FullName returns "owner/slug" of the configured repository.
	FullName() string
	// Login returns the bot's username on the host.
	Login() string

	GetPullRequest(ctx context.Context, id int64) (*PullRequest, error)
	ListOpenPullRequests(ctx context.Context) ([]PullRequest, error)
	// FindPullRequest returns the open PR with the given source and
	// destination branches, or nil when none exists.
	FindPullRequest(ctx context.Context, src, dst string) (*PullRequest, error)
	CreatePullRequest(ctx context.Context, opts CreatePullRequestOpts) (*PullRequest, error)

	ListComments(ctx context.Context, id int64) ([]Comment, error)
	AddComment(ctx context.Context, id int64, body string) error
	// AddTask attaches a task to a pull request. Hosts without native
	// tasks degrade to a comment.
	AddTask(ctx context.Context, id int64, text string) error

	ListReviews(ctx context.Context, id int64) ([]Review, error)

	GetBuildStatus(ctx context.Context, sha, key string) (*BuildStatus, error)
	SetBuildStatus(ctx context.Context, sha string, status BuildStatus) error

	// ListBranchNames returns all branch names in the repository.
	ListBranchNames(ctx context.Context) ([]string, error)
}
