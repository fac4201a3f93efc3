// Package github implements the host façade on top of go-github. Updates
// go through the library's Edit calls, which issue real PATCH requests.
package github

import (
	"context"
	"fmt"
	"net/http"

	"github.com/bradleyfalzon/ghinstallation/v2"
	gh "github.com/google/go-github/v84/github"

	"github.com/jogman/gatekeeper/internal/host"
)

// Client implements host.Client against the GitHub REST API.
type Client struct {
	gh    *gh.Client
	owner string
	slug  string
	login string
}

// New creates a GitHub client authenticated with a personal access token.
func New(owner, slug, login, token string) *Client {
	return &Client{
		gh:    gh.NewClient(nil).WithAuthToken(token),
		owner: owner,
		slug:  slug,
		login: login,
	}
}

// NewApp creates a GitHub client authenticated as a GitHub App
// installation, using ghinstallation for token rotation.
func NewApp(owner, slug, login string, appID, installationID int64, keyPath string) (*Client, error) {
	tr, err := ghinstallation.NewKeyFromFile(http.DefaultTransport, appID, installationID, keyPath)
	if err != nil {
		return nil, fmt.Errorf("load GitHub App key: %w", err)
	}

	return &Client{
		gh:    gh.NewClient(&http.Client{Transport: tr}),
		owner: owner,
		slug:  slug,
		login: login,
	}, nil
}

var _ host.Client = (*Client)(nil)

func (c *Client) FullName() string { return c.owner + "/" + c.slug }
func (c *Client) Login() string    { return c.login }

// wrapErr converts go-github errors into the host error taxonomy so the
// dispatcher's transient/permanent classification works across hosts.
func wrapErr(err error, resp *gh.Response) error {
	if err == nil {
		return nil
	}
	if resp != nil && resp.Response != nil {
		return &host.APIError{StatusCode: resp.StatusCode, Body: err.Error()}
	}
	return err
}

func toPR(pr *gh.PullRequest) *host.PullRequest {
	state := host.PRStateOpen
	switch {
	case pr.GetMerged():
		state = host.PRStateMerged
	case pr.GetState() == "closed":
		state = host.PRStateDeclined
	}

	return &host.PullRequest{
		ID:          int64(pr.GetNumber()),
		Title:       pr.GetTitle(),
		Description: pr.GetBody(),
		Author:      pr.GetUser().GetLogin(),
		SrcBranch:   pr.GetHead().GetRef(),
		DstBranch:   pr.GetBase().GetRef(),
		SrcCommit:   pr.GetHead().GetSHA(),
		State:       state,
		CommitCount: pr.GetCommits(),
	}
}

func (c *Client) GetPullRequest(ctx context.Context, id int64) (*host.PullRequest, error) {
	pr, resp, err := c.gh.PullRequests.Get(ctx, c.owner, c.slug, int(id))
	if err != nil {
		return nil, fmt.Errorf("get PR #%d: %w", id, wrapErr(err, resp))
	}
	return toPR(pr), nil
}

func (c *Client) ListOpenPullRequests(ctx context.Context) ([]host.PullRequest, error) {
	var out []host.PullRequest

	opts := &gh.PullRequestListOptions{
		State:       "open",
		ListOptions: gh.ListOptions{PerPage: 50},
	}

	for {
		prs, resp, err := c.gh.PullRequests.List(ctx, c.owner, c.slug, opts)
		if err != nil {
			return nil, fmt.Errorf("list open PRs: %w", wrapErr(err, resp))
		}

		for _, pr := range prs {
			out = append(out, *toPR(pr))
		}

		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	return out, nil
}

func (c *Client) FindPullRequest(ctx context.Context, src, dst string) (*host.PullRequest, error) {
	opts := &gh.PullRequestListOptions{
		State: "open",
		Head:  c.owner + ":" + src,
		Base:  dst,
	}

	prs, resp, err := c.gh.PullRequests.List(ctx, c.owner, c.slug, opts)
	if err != nil {
		return nil, fmt.Errorf("find PR %s -> %s: %w", src, dst, wrapErr(err, resp))
	}
	if len(prs) == 0 {
		return nil, nil
	}
	return toPR(prs[0]), nil
}

func (c *Client) CreatePullRequest(ctx context.Context, opts host.CreatePullRequestOpts) (*host.PullRequest, error) {
	pr, resp, err := c.gh.PullRequests.Create(ctx, c.owner, c.slug, &gh.NewPullRequest{
		Title: gh.Ptr(opts.Title),
		Body:  gh.Ptr(opts.Description),
		Head:  gh.Ptr(opts.SrcBranch),
		Base:  gh.Ptr(opts.DstBranch),
	})
	if err != nil {
		return nil, fmt.Errorf("create PR %s -> %s: %w", opts.SrcBranch, opts.DstBranch, wrapErr(err, resp))
	}

	if len(opts.Reviewers) > 0 {
		_, resp, err = c.gh.PullRequests.RequestReviewers(ctx, c.owner, c.slug, pr.GetNumber(),
			gh.ReviewersRequest{Reviewers: opts.Reviewers})
		if err != nil {
			return nil, fmt.Errorf("request reviewers on PR #%d: %w", pr.GetNumber(), wrapErr(err, resp))
		}
	}

	return toPR(pr), nil
}

func (c *Client) ListComments(ctx context.Context, id int64) ([]host.Comment, error) {
	var out []host.Comment

	opts := &gh.IssueListCommentsOptions{ListOptions: gh.ListOptions{PerPage: 50}}

	for {
		comments, resp, err := c.gh.Issues.ListComments(ctx, c.owner, c.slug, int(id), opts)
		if err != nil {
			return nil, fmt.Errorf("list comments on PR #%d: %w", id, wrapErr(err, resp))
		}

		for _, cm := range comments {
			out = append(out, host.Comment{
				ID:        cm.GetID(),
				Author:    cm.GetUser().GetLogin(),
				Body:      cm.GetBody(),
				CreatedAt: cm.GetCreatedAt().Time,
			})
		}

		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	return out, nil
}

func (c *Client) AddComment(ctx context.Context, id int64, body string) error {
	_, resp, err := c.gh.Issues.CreateComment(ctx, c.owner, c.slug, int(id),
		&gh.IssueComment{Body: gh.Ptr(body)})
	if err != nil {
		return fmt.Errorf("add comment on PR #%d: %w", id, wrapErr(err, resp))
	}
	return nil
}

// AddTask degrades to a checklist comment: GitHub has no task API.
func (c *Client) AddTask(ctx context.Context, id int64, text string) error {
	return c.AddComment(ctx, id, "- [ ] "+text)
}

func (c *Client) ListReviews(ctx context.Context, id int64) ([]host.Review, error) {
	var out []host.Review

	opts := &gh.ListOptions{PerPage: 50}

	for {
		reviews, resp, err := c.gh.PullRequests.ListReviews(ctx, c.owner, c.slug, int(id), opts)
		if err != nil {
			return nil, fmt.Errorf("list reviews on PR #%d: %w", id, wrapErr(err, resp))
		}

		for _, rv := range reviews {
			state := host.ReviewState(rv.GetState())
			switch state {
			case host.ReviewApproved, host.ReviewChangesRequested, host.ReviewDismissed:
			default:
				state = host.ReviewCommented
			}
			out = append(out, host.Review{
				ID:     rv.GetID(),
				Author: rv.GetUser().GetLogin(),
				State:  state,
			})
		}

		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	return out, nil
}

func (c *Client) GetBuildStatus(ctx context.Context, sha, key string) (*host.BuildStatus, error) {
	statuses, resp, err := c.gh.Repositories.ListStatuses(ctx, c.owner, c.slug, sha,
		&gh.ListOptions{PerPage: 100})
	if err != nil {
		return nil, fmt.Errorf("get build status %s on %s: %w", key, sha, wrapErr(err, resp))
	}

	// Statuses are newest-first; the first matching context is current.
	for _, st := range statuses {
		if st.GetContext() != key {
			continue
		}
		return &host.BuildStatus{
			Key:         key,
			State:       fromGitHubState(st.GetState()),
			URL:         st.GetTargetURL(),
			Description: st.GetDescription(),
		}, nil
	}

	return &host.BuildStatus{Key: key, State: host.BuildNotStarted}, nil
}

func (c *Client) SetBuildStatus(ctx context.Context, sha string, status host.BuildStatus) error {
	_, resp, err := c.gh.Repositories.CreateStatus(ctx, c.owner, c.slug, sha, gh.RepoStatus{
		Context:     gh.Ptr(status.Key),
		State:       gh.Ptr(toGitHubState(status.State)),
		TargetURL:   gh.Ptr(status.URL),
		Description: gh.Ptr(status.Description),
	})
	if err != nil {
		return fmt.Errorf("set build status %s on %s: %w", status.Key, sha, wrapErr(err, resp))
	}
	return nil
}

func (c *Client) ListBranchNames(ctx context.Context) ([]string, error) {
	var out []string

	opts := &gh.BranchListOptions{ListOptions: gh.ListOptions{PerPage: 100}}

	for {
		branches, resp, err := c.gh.Repositories.ListBranches(ctx, c.owner, c.slug, opts)
		if err != nil {
			return nil, fmt.Errorf("list branches: %w", wrapErr(err, resp))
		}

		for _, b := range branches {
			out = append(out, b.GetName())
		}

		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	return out, nil
}

func fromGitHubState(s string) host.BuildState {
	switch s {
	case "success":
		return host.BuildSuccessful
	case "failure", "error":
		return host.BuildFailed
	case "pending":
		return host.BuildInProgress
	default:
		return host.BuildNotStarted
	}
}

func toGitHubState(s host.BuildState) string {
	switch s {
	case host.BuildSuccessful:
		return "success"
	case host.BuildFailed:
		return "failure"
	case host.BuildStopped:
		return "error"
	default:
		return "pending"
	}
}
