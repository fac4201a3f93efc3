// Package bitbucket implements the host façade for the Bitbucket Cloud
// REST API (2.0).
package bitbucket

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/jogman/gatekeeper/internal/host"
)

const apiBase = "https://api.bitbucket.org/2.0"

// Client implements host.Client against Bitbucket Cloud.
type Client struct {
	baseURL    string
	owner      string
	slug       string
	login      string
	password   string
	httpClient *http.Client
}

// New creates a Bitbucket client. baseURL overrides the API endpoint for
// tests; pass "" for the production API.
func New(baseURL, owner, slug, login, password string) *Client {
	if baseURL == "" {
		baseURL = apiBase
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		owner:      owner,
		slug:       slug,
		login:      login,
		password:   password,
		httpClient: &http.Client{},
	}
}

var _ host.Client = (*Client)(nil)

func (c *Client) FullName() string { return c.owner + "/" + c.slug }
func (c *Client) Login() string    { return c.login }

// do executes an HTTP request with basic auth and returns the response.
// The caller is responsible for closing the response body.
func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	u := c.baseURL + path

	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.SetBasicAuth(c.login, c.password)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request %s %s: %w", method, path, err)
	}

	return resp, nil
}

// decodeJSON reads the response body and decodes JSON into v, checking for
// non-2xx status codes first.
func (c *Client) decodeJSON(resp *http.Response, v any) error {
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", "error", err)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return &host.APIError{StatusCode: resp.StatusCode, Body: string(bodyBytes)}
	}

	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}

	return nil
}

func (c *Client) repoPath(rest string) string {
	return fmt.Sprintf("/repositories/%s/%s%s", c.owner, c.slug, rest)
}

// wirePR is Bitbucket's pull request shape, reduced to the fields we use.
type wirePR struct {
	ID          int64  `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	State       string `json:"state"` // OPEN, MERGED, DECLINED
	Author      struct {
		Nickname string `json:"nickname"`
	} `json:"author"`
	Source struct {
		Branch struct {
			Name string `json:"name"`
		} `json:"branch"`
		Commit struct {
			Hash string `json:"hash"`
		} `json:"commit"`
	} `json:"source"`
	Destination struct {
		Branch struct {
			Name string `json:"name"`
		} `json:"branch"`
	} `json:"destination"`
}

func (w *wirePR) toPR() *host.PullRequest {
	return &host.PullRequest{
		ID:          w.ID,
		Title:       w.Title,
		Description: w.Description,
		Author:      w.Author.Nickname,
		SrcBranch:   w.Source.Branch.Name,
		DstBranch:   w.Destination.Branch.Name,
		SrcCommit:   w.Source.Commit.Hash,
		State:       host.PRState(w.State),
	}
}

// page is Bitbucket's pagination envelope.
type page[T any] struct {
	Values []T    `json:"values"`
	Next   string `json:"next"`
}

// listPages walks a paginated endpoint, collecting all values.
func listPages[T any](ctx context.Context, c *Client, path string) ([]T, error) {
	var all []T

	for path != "" {
		resp, err := c.do(ctx, http.MethodGet, path, nil)
		if err != nil {
			return nil, err
		}

		var pg page[T]
		if err := c.decodeJSON(resp, &pg); err != nil {
			return nil, err
		}

		all = append(all, pg.Values...)

		// next is a full URL; reduce it back to a path.
		path = strings.TrimPrefix(pg.Next, c.baseURL)
		if path == pg.Next && pg.Next != "" {
			// Next points at a different base (prod API behind a proxy).
			u, perr := url.Parse(pg.Next)
			if perr != nil {
				break
			}
			path = u.Path
			if u.RawQuery != "" {
				path += "?" + u.RawQuery
			}
		}
	}

	return all, nil
}

func (c *Client) GetPullRequest(ctx context.Context, id int64) (*host.PullRequest, error) {
	resp, err := c.do(ctx, http.MethodGet, c.repoPath(fmt.Sprintf("/pullrequests/%d", id)), nil)
	if err != nil {
		return nil, err
	}

	var w wirePR
	if err := c.decodeJSON(resp, &w); err != nil {
		return nil, fmt.Errorf("get PR #%d: %w", id, err)
	}

	pr := w.toPR()

	// The commit count backs the max_commit_diff gate; fetch it lazily
	// from the commits endpoint.
	commits, err := listPages[json.RawMessage](ctx, c, c.repoPath(fmt.Sprintf("/pullrequests/%d/commits", id)))
	if err == nil {
		pr.CommitCount = len(commits)
	}

	return pr, nil
}

func (c *Client) ListOpenPullRequests(ctx context.Context) ([]host.PullRequest, error) {
	wires, err := listPages[wirePR](ctx, c, c.repoPath("/pullrequests?state=OPEN&pagelen=50"))
	if err != nil {
		return nil, fmt.Errorf("list open PRs: %w", err)
	}

	out := make([]host.PullRequest, 0, len(wires))
	for i := range wires {
		out = append(out, *wires[i].toPR())
	}
	return out, nil
}

func (c *Client) FindPullRequest(ctx context.Context, src, dst string) (*host.PullRequest, error) {
	q := url.QueryEscape(fmt.Sprintf(
		`state = "OPEN" AND source.branch.name = "%s" AND destination.branch.name = "%s"`, src, dst))

	wires, err := listPages[wirePR](ctx, c, c.repoPath("/pullrequests?q="+q))
	if err != nil {
		return nil, fmt.Errorf("find PR %s -> %s: %w", src, dst, err)
	}
	if len(wires) == 0 {
		return nil, nil
	}
	return wires[0].toPR(), nil
}

func (c *Client) CreatePullRequest(ctx context.Context, opts host.CreatePullRequestOpts) (*host.PullRequest, error) {
	reviewers := make([]map[string]string, 0, len(opts.Reviewers))
	for _, r := range opts.Reviewers {
		reviewers = append(reviewers, map[string]string{"nickname": r})
	}

	payload := map[string]any{
		"title":       opts.Title,
		"description": opts.Description,
		"source":      map[string]any{"branch": map[string]string{"name": opts.SrcBranch}},
		"destination": map[string]any{"branch": map[string]string{"name": opts.DstBranch}},
		"reviewers":   reviewers,
	}

	resp, err := c.do(ctx, http.MethodPost, c.repoPath("/pullrequests"), payload)
	if err != nil {
		return nil, err
	}

	var w wirePR
	if err := c.decodeJSON(resp, &w); err != nil {
		return nil, fmt.Errorf("create PR %s -> %s: %w", opts.SrcBranch, opts.DstBranch, err)
	}

	return w.toPR(), nil
}

type wireComment struct {
	ID   int64 `json:"id"`
	User struct {
		Nickname string `json:"nickname"`
	} `json:"user"`
	Content struct {
		Raw string `json:"raw"`
	} `json:"content"`
}

func (c *Client) ListComments(ctx context.Context, id int64) ([]host.Comment, error) {
	wires, err := listPages[wireComment](ctx, c, c.repoPath(fmt.Sprintf("/pullrequests/%d/comments?pagelen=50", id)))
	if err != nil {
		return nil, fmt.Errorf("list comments on PR #%d: %w", id, err)
	}

	out := make([]host.Comment, 0, len(wires))
	for _, w := range wires {
		out = append(out, host.Comment{ID: w.ID, Author: w.User.Nickname, Body: w.Content.Raw})
	}
	return out, nil
}

func (c *Client) AddComment(ctx context.Context, id int64, body string) error {
	payload := map[string]any{"content": map[string]string{"raw": body}}

	resp, err := c.do(ctx, http.MethodPost, c.repoPath(fmt.Sprintf("/pullrequests/%d/comments", id)), payload)
	if err != nil {
		return err
	}

	if err := c.decodeJSON(resp, nil); err != nil {
		return fmt.Errorf("add comment on PR #%d: %w", id, err)
	}
	return nil
}

func (c *Client) AddTask(ctx context.Context, id int64, text string) error {
	payload := map[string]any{"content": map[string]string{"raw": text}}

	resp, err := c.do(ctx, http.MethodPost, c.repoPath(fmt.Sprintf("/pullrequests/%d/tasks", id)), payload)
	if err != nil {
		return err
	}

	if err := c.decodeJSON(resp, nil); err != nil {
		return fmt.Errorf("add task on PR #%d: %w", id, err)
	}
	return nil
}

// Bitbucket models reviews as participants with an approved flag; each
// participant maps to one synthetic review so the approval counter can
// treat all hosts the same.
type wireParticipant struct {
	User struct {
		Nickname string `json:"nickname"`
	} `json:"user"`
	Approved bool   `json:"approved"`
	State    string `json:"state"` // "approved", "changes_requested", ""
}

func (c *Client) ListReviews(ctx context.Context, id int64) ([]host.Review, error) {
	resp, err := c.do(ctx, http.MethodGet, c.repoPath(fmt.Sprintf("/pullrequests/%d", id)), nil)
	if err != nil {
		return nil, err
	}

	var w struct {
		Participants []wireParticipant `json:"participants"`
	}
	if err := c.decodeJSON(resp, &w); err != nil {
		return nil, fmt.Errorf("list reviews on PR #%d: %w", id, err)
	}

	var out []host.Review
	for i, p := range w.Participants {
		state := host.ReviewCommented
		switch {
		case p.Approved:
			state = host.ReviewApproved
		case p.State == "changes_requested":
			state = host.ReviewChangesRequested
		}
		out = append(out, host.Review{ID: int64(i + 1), Author: p.User.Nickname, State: state})
	}
	return out, nil
}

type wireStatus struct {
	Key         string `json:"key"`
	State       string `json:"state"` // SUCCESSFUL, FAILED, INPROGRESS, STOPPED
	URL         string `json:"url"`
	Description string `json:"description"`
}

func (c *Client) GetBuildStatus(ctx context.Context, sha, key string) (*host.BuildStatus, error) {
	path := c.repoPath(fmt.Sprintf("/commit/%s/statuses/build/%s", sha, key))

	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	var w wireStatus
	if err := c.decodeJSON(resp, &w); err != nil {
		if host.IsNotFound(err) {
			return &host.BuildStatus{Key: key, State: host.BuildNotStarted}, nil
		}
		return nil, fmt.Errorf("get build status %s on %s: %w", key, shortSHA(sha), err)
	}

	return &host.BuildStatus{
		Key:         w.Key,
		State:       host.BuildState(w.State),
		URL:         w.URL,
		Description: w.Description,
	}, nil
}

func (c *Client) SetBuildStatus(ctx context.Context, sha string, status host.BuildStatus) error {
	payload := wireStatus{
		Key:         status.Key,
		State:       string(status.State),
		URL:         status.URL,
		Description: status.Description,
	}

	resp, err := c.do(ctx, http.MethodPost, c.repoPath(fmt.Sprintf("/commit/%s/statuses/build", sha)), payload)
	if err != nil {
		return err
	}

	if err := c.decodeJSON(resp, nil); err != nil {
		return fmt.Errorf("set build status %s on %s: %w", status.Key, shortSHA(sha), err)
	}
	return nil
}

type wireBranch struct {
	Name string `json:"name"`
}

func (c *Client) ListBranchNames(ctx context.Context) ([]string, error) {
	wires, err := listPages[wireBranch](ctx, c, c.repoPath("/refs/branches?pagelen=100"))
	if err != nil {
		return nil, fmt.Errorf("list branches: %w", err)
	}

	out := make([]string, 0, len(wires))
	for _, w := range wires {
		out = append(out, w.Name)
	}
	return out, nil
}

func shortSHA(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}
