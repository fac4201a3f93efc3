package webhook_test

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/jogman/gatekeeper/internal/dispatch"
	"github.com/jogman/gatekeeper/internal/host"
	"github.com/jogman/gatekeeper/internal/statuscache"
	"github.com/jogman/gatekeeper/internal/webhook"
)

const (
	testUser = "hook"
	testPass = "sekret"
)

type fakeDispatcher struct {
	mu   sync.Mutex
	jobs []dispatch.Job
}

func (f *fakeDispatcher) Enqueue(job dispatch.Job) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
	return true
}

func (f *fakeDispatcher) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.jobs))
	for i, j := range f.jobs {
		out[i] = j.Key()
	}
	return out
}

type testEnv struct {
	handler http.Handler
	jobs    *fakeDispatcher
	cache   *statuscache.Cache
}

func setup(t *testing.T) *testEnv {
	t.Helper()

	jobs := &fakeDispatcher{}
	cache := statuscache.New(16)
	srv := &webhook.Server{
		User:       testUser,
		Password:   testPass,
		Owner:      "org",
		Slug:       "app",
		BuildKey:   "pipeline",
		Dispatcher: jobs,
		Cache:      cache,
		Log:        slog.New(slog.DiscardHandler),
	}

	mux := http.NewServeMux()
	srv.Register(mux)

	return &testEnv{handler: mux, jobs: jobs, cache: cache}
}

func doRequest(handler http.Handler, path string, headers map[string]string, payload map[string]any, auth bool) *httptest.ResponseRecorder {
	b, _ := json.Marshal(payload)
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(string(b)))
	if auth {
		req.SetBasicAuth(testUser, testPass)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func repo(fullName string) map[string]any {
	return map[string]any{"full_name": fullName}
}

func TestAuthRequired(t *testing.T) {
	env := setup(t)
	payload := map[string]any{
		"repository":   repo("org/app"),
		"pull_request": map[string]any{"number": 4},
	}
	headers := map[string]string{"X-GitHub-Event": "pull_request"}

	if rec := doRequest(env.handler, "/github", headers, payload, false); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no credentials: got %d, want 401", rec.Code)
	}
	if rec := doRequest(env.handler, "/github", headers, payload, true); rec.Code != http.StatusOK {
		t.Fatalf("valid credentials: got %d, want 200", rec.Code)
	}
	if got := env.jobs.keys(); len(got) != 1 || got[0] != "pr:4" {
		t.Fatalf("jobs = %v, want [pr:4]", got)
	}
}

func TestForeignRepositoryRejected(t *testing.T) {
	env := setup(t)
	rec := doRequest(env.handler, "/github",
		map[string]string{"X-GitHub-Event": "pull_request"},
		map[string]any{
			"repository":   repo("someone/else"),
			"pull_request": map[string]any{"number": 4},
		}, true)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("got %d, want 500 for unmanaged repo", rec.Code)
	}
	if got := env.jobs.keys(); len(got) != 0 {
		t.Fatalf("jobs = %v, want none", got)
	}
}

func TestClosedPullRequestIgnored(t *testing.T) {
	env := setup(t)
	rec := doRequest(env.handler, "/github",
		map[string]string{"X-GitHub-Event": "pull_request"},
		map[string]any{
			"action":       "closed",
			"repository":   repo("org/app"),
			"pull_request": map[string]any{"number": 4},
		}, true)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("got %d, want 202", rec.Code)
	}
	if got := env.jobs.keys(); len(got) != 0 {
		t.Fatalf("jobs = %v, want none", got)
	}
}

func TestIssueCommentOnPullRequest(t *testing.T) {
	env := setup(t)

	// Comments on plain issues carry no pull_request field and are not
	// our business.
	rec := doRequest(env.handler, "/github",
		map[string]string{"X-GitHub-Event": "issue_comment"},
		map[string]any{
			"repository": repo("org/app"),
			"issue":      map[string]any{"number": 9},
		}, true)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("plain issue: got %d, want 202", rec.Code)
	}

	rec = doRequest(env.handler, "/github",
		map[string]string{"X-GitHub-Event": "issue_comment"},
		map[string]any{
			"repository": repo("org/app"),
			"issue": map[string]any{
				"number":       9,
				"pull_request": map[string]any{"url": "https://api.github.com/..."},
			},
		}, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("PR comment: got %d, want 200", rec.Code)
	}
	if got := env.jobs.keys(); len(got) != 1 || got[0] != "pr:9" {
		t.Fatalf("jobs = %v, want [pr:9]", got)
	}
}

func TestStatusEventCachesAndWakesQueue(t *testing.T) {
	env := setup(t)

	// INPROGRESS is cache-only.
	rec := doRequest(env.handler, "/github",
		map[string]string{"X-GitHub-Event": "status"},
		map[string]any{
			"repository": repo("org/app"),
			"sha":        "abc123",
			"context":    "pipeline",
			"state":      "pending",
		}, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d, want 200", rec.Code)
	}
	if got := env.jobs.keys(); len(got) != 0 {
		t.Fatalf("jobs after pending = %v, want none", got)
	}
	if state, ok := env.cache.Get("abc123", "pipeline"); !ok || state != host.BuildInProgress {
		t.Fatalf("cache = %q/%v, want INPROGRESS hit", state, ok)
	}

	// A terminal state on the gating context schedules a commit job.
	doRequest(env.handler, "/github",
		map[string]string{"X-GitHub-Event": "status"},
		map[string]any{
			"repository": repo("org/app"),
			"sha":        "abc123",
			"context":    "pipeline",
			"state":      "success",
		}, true)
	if got := env.jobs.keys(); len(got) != 1 || got[0] != "commit:abc123" {
		t.Fatalf("jobs = %v, want [commit:abc123]", got)
	}

	// Terminal state on an unrelated context is cached but wakes nothing.
	doRequest(env.handler, "/github",
		map[string]string{"X-GitHub-Event": "status"},
		map[string]any{
			"repository": repo("org/app"),
			"sha":        "abc123",
			"context":    "lint",
			"state":      "failure",
		}, true)
	if got := env.jobs.keys(); len(got) != 1 {
		t.Fatalf("jobs = %v, want unchanged", got)
	}
	if state, _ := env.cache.Get("abc123", "lint"); state != host.BuildFailed {
		t.Fatalf("lint cache = %q, want FAILED", state)
	}
}

func TestBitbucketEvents(t *testing.T) {
	env := setup(t)

	rec := doRequest(env.handler, "/bitbucket",
		map[string]string{"X-Event-Key": "pullrequest:updated"},
		map[string]any{
			"repository":  repo("org/app"),
			"pullrequest": map[string]any{"id": 12, "state": "OPEN"},
		}, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d, want 200", rec.Code)
	}

	rec = doRequest(env.handler, "/bitbucket",
		map[string]string{"X-Event-Key": "repo:commit_status_updated"},
		map[string]any{
			"repository": repo("org/app"),
			"commit_status": map[string]any{
				"key":   "pipeline",
				"state": "SUCCESSFUL",
				"links": map[string]any{
					"commit": map[string]any{"href": "https://api.example.com/commit/fedcba"},
				},
			},
		}, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("status event: got %d, want 200", rec.Code)
	}

	rec = doRequest(env.handler, "/bitbucket",
		map[string]string{"X-Event-Key": "pullrequest:fulfilled"},
		map[string]any{
			"repository":  repo("org/app"),
			"pullrequest": map[string]any{"id": 12, "state": "MERGED"},
		}, true)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("fulfilled event: got %d, want 202", rec.Code)
	}

	if got := env.jobs.keys(); len(got) != 2 || got[0] != "pr:12" || got[1] != "commit:fedcba" {
		t.Fatalf("jobs = %v, want [pr:12 commit:fedcba]", got)
	}
}
