package host

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MockCall records a single method call made to the mock client.
type MockCall struct {
	Method string
	Args   []any
}

// Mock is a stateful in-memory host used across the test suite. It behaves
// like a real host: PR ids are assigned by the mock (starting at 1, the way
// hosts number them), comments and reviews accumulate, and build statuses
// are keyed by (sha, key). All calls are recorded for assertions. Safe for
// concurrent use.
type Mock struct {
	mu    sync.Mutex
	Calls []MockCall

	Owner string
	Slug  string
	Bot   string

	nextPRID  int64
	nextCID   int64
	prs       map[int64]*PullRequest
	comments  map[int64][]Comment
	tasks     map[int64][]string
	reviews   map[int64][]Review
	statuses  map[string]BuildStatus // "sha\x00key"
	branches  map[string]bool
	StatusGet int // number of GetBuildStatus calls that hit the mock

	// Error injection. When set, the corresponding method fails.
	FailAddComment     error
	FailGetBuildStatus error
	FailCreatePR       error

	// TipResolver resolves a branch name to its current tip. When set,
	// pull request source commits track the branch the way they do on a
	// real host: created PRs get the tip at creation time and reads
	// refresh it.
	TipResolver func(branch string) string
}

// NewMock creates a mock host for owner/slug with the given bot login.
func NewMock(owner, slug, bot string) *Mock {
	return &Mock{
		Owner:    owner,
		Slug:     slug,
		Bot:      bot,
		nextPRID: 1,
		nextCID:  1,
		prs:      make(map[int64]*PullRequest),
		comments: make(map[int64][]Comment),
		tasks:    make(map[int64][]string),
		reviews:  make(map[int64][]Review),
		statuses: make(map[string]BuildStatus),
		branches: make(map[string]bool),
	}
}

var _ Client = (*Mock)(nil)

func (m *Mock) record(method string, args ...any) {
	m.Calls = append(m.Calls, MockCall{Method: method, Args: args})
}

// CallsTo returns all recorded calls to the named method.
func (m *Mock) CallsTo(method string) []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []MockCall
	for _, c := range m.Calls {
		if c.Method == method {
			result = append(result, c)
		}
	}
	return result
}

func (m *Mock) FullName() string { return m.Owner + "/" + m.Slug }
func (m *Mock) Login() string    { return m.Bot }

// SeedPullRequest installs a PR as if a user had opened it on the host.
// The id is assigned by the mock and returned.
func (m *Mock) SeedPullRequest(pr PullRequest) *PullRequest {
	m.mu.Lock()
	defer m.mu.Unlock()

	pr.ID = m.nextPRID
	m.nextPRID++
	if pr.State == "" {
		pr.State = PRStateOpen
	}
	m.prs[pr.ID] = &pr
	m.branches[pr.SrcBranch] = true
	m.branches[pr.DstBranch] = true

	return &pr
}

// SeedBranch registers a branch name.
func (m *Mock) SeedBranch(names ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range names {
		m.branches[n] = true
	}
}

// SeedReview appends a review, id-ordered.
func (m *Mock) SeedReview(prID int64, author string, state ReviewState) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.reviews[prID] = append(m.reviews[prID], Review{
		ID:     int64(len(m.reviews[prID]) + 1),
		Author: author,
		State:  state,
	})
}

// SeedComment appends a user comment.
func (m *Mock) SeedComment(prID int64, author, body string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addComment(prID, author, body)
}

func (m *Mock) addComment(prID int64, author, body string) {
	m.comments[prID] = append(m.comments[prID], Comment{
		ID:        m.nextCID,
		Author:    author,
		Body:      body,
		CreatedAt: time.Now(),
	})
	m.nextCID++
}

// SetPRCommitCount mutates the commit count of a seeded PR.
func (m *Mock) SetPRCommitCount(prID int64, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pr, ok := m.prs[prID]; ok {
		pr.CommitCount = n
	}
}

// SetPRState mutates the state of a seeded PR.
func (m *Mock) SetPRState(prID int64, state PRState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pr, ok := m.prs[prID]; ok {
		pr.State = state
	}
}

// Tasks returns the tasks attached to a PR.
func (m *Mock) Tasks(prID int64) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.tasks[prID]...)
}

// snapshot copies a PR for return, refreshing the source commit from the
// tip resolver. Callers hold the lock.
func (m *Mock) snapshot(pr *PullRequest) PullRequest {
	cp := *pr
	if m.TipResolver != nil {
		if sha := m.TipResolver(pr.SrcBranch); sha != "" {
			cp.SrcCommit = sha
		}
	}
	return cp
}

func (m *Mock) GetPullRequest(_ context.Context, id int64) (*PullRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("GetPullRequest", id)

	pr, ok := m.prs[id]
	if !ok {
		return nil, &APIError{StatusCode: 404, Body: fmt.Sprintf("no PR #%d", id)}
	}
	cp := m.snapshot(pr)
	return &cp, nil
}

func (m *Mock) ListOpenPullRequests(_ context.Context) ([]PullRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("ListOpenPullRequests")

	var out []PullRequest
	for _, pr := range m.prs {
		if pr.State == PRStateOpen {
			out = append(out, m.snapshot(pr))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Mock) FindPullRequest(_ context.Context, src, dst string) (*PullRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("FindPullRequest", src, dst)

	for _, pr := range m.prs {
		if pr.State == PRStateOpen && pr.SrcBranch == src && pr.DstBranch == dst {
			cp := m.snapshot(pr)
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *Mock) CreatePullRequest(_ context.Context, opts CreatePullRequestOpts) (*PullRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("CreatePullRequest", opts)

	if m.FailCreatePR != nil {
		return nil, m.FailCreatePR
	}

	pr := &PullRequest{
		ID:          m.nextPRID,
		Title:       opts.Title,
		Description: opts.Description,
		Author:      m.Bot,
		SrcBranch:   opts.SrcBranch,
		DstBranch:   opts.DstBranch,
		State:       PRStateOpen,
	}
	if m.TipResolver != nil {
		pr.SrcCommit = m.TipResolver(pr.SrcBranch)
	}
	m.nextPRID++
	m.prs[pr.ID] = pr

	cp := *pr
	return &cp, nil
}

func (m *Mock) ListComments(_ context.Context, id int64) ([]Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("ListComments", id)

	return append([]Comment(nil), m.comments[id]...), nil
}

func (m *Mock) AddComment(_ context.Context, id int64, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("AddComment", id, body)

	if m.FailAddComment != nil {
		return m.FailAddComment
	}

	m.addComment(id, m.Bot, body)
	return nil
}

func (m *Mock) AddTask(_ context.Context, id int64, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("AddTask", id, text)

	m.tasks[id] = append(m.tasks[id], text)
	return nil
}

func (m *Mock) ListReviews(_ context.Context, id int64) ([]Review, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("ListReviews", id)

	return append([]Review(nil), m.reviews[id]...), nil
}

func (m *Mock) GetBuildStatus(_ context.Context, sha, key string) (*BuildStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("GetBuildStatus", sha, key)
	m.StatusGet++

	if m.FailGetBuildStatus != nil {
		return nil, m.FailGetBuildStatus
	}

	st, ok := m.statuses[sha+"\x00"+key]
	if !ok {
		return &BuildStatus{Key: key, State: BuildNotStarted}, nil
	}
	return &st, nil
}

func (m *Mock) SetBuildStatus(_ context.Context, sha string, status BuildStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("SetBuildStatus", sha, status)

	m.statuses[sha+"\x00"+status.Key] = status
	return nil
}

func (m *Mock) ListBranchNames(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("ListBranchNames")

	out := make([]string, 0, len(m.branches))
	for n := range m.branches {
		out = append(out, n)
	}
	sort.Strings(out)
	return out, nil
}
