// Package integration_test exercises the full flow: webhook event →
// dispatcher job → gating cycle → cascade build → queue admission →
// build status events → promotion.
package integration_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jogman/gatekeeper/internal/cascade"
	"github.com/jogman/gatekeeper/internal/comments"
	"github.com/jogman/gatekeeper/internal/config"
	"github.com/jogman/gatekeeper/internal/dispatch"
	"github.com/jogman/gatekeeper/internal/gate"
	"github.com/jogman/gatekeeper/internal/gitrepo"
	"github.com/jogman/gatekeeper/internal/host"
	"github.com/jogman/gatekeeper/internal/jira"
	"github.com/jogman/gatekeeper/internal/mergequeue"
	"github.com/jogman/gatekeeper/internal/statuscache"
	"github.com/jogman/gatekeeper/internal/web"
	"github.com/jogman/gatekeeper/internal/webhook"
)

const buildKey = "pipeline"

type env struct {
	fake       *gitrepo.Fake
	mock       *host.Mock
	tracker    *jira.MockTracker
	queue      *mergequeue.Queue
	jobs       *dispatch.MemoryLog
	dispatcher *dispatch.Dispatcher
	ingress    http.Handler
	status     http.Handler
}

func newEnv(t *testing.T) *env {
	t.Helper()

	settings := &config.Settings{
		RepositoryHost:        "mock",
		RepositoryOwner:       "org",
		RepositorySlug:        "app",
		Robot:                 config.Robot{Username: "bot"},
		BuildKey:              buildKey,
		RequiredPeerApprovals: 1,
		Prefixes:              map[string]string{"Bug": "bugfix", "Story": "feature"},
	}

	fake := gitrepo.NewFake("development/6.0", "development/7.0")
	mock := host.NewMock("org", "app", "bot")
	mock.TipResolver = fake.RemoteSHA
	tracker := jira.NewMockTracker()
	log := slog.New(slog.DiscardHandler)

	cache := statuscache.New(0)
	notifier, err := comments.New(mock, "bot")
	if err != nil {
		t.Fatal(err)
	}
	engine := cascade.New(fake, mock, settings, log)
	queue := mergequeue.New(fake, mock, cache, buildKey, log)
	handler := gate.NewHandler(settings, mock, fake, tracker, cache, notifier, engine, queue, log)

	jobs := dispatch.NewMemoryLog(0)
	dispatcher := dispatch.New(handler, jobs, log)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go dispatcher.Run(ctx)

	mux := http.NewServeMux()
	hook := &webhook.Server{
		User:       "hook",
		Password:   "sekret",
		Owner:      "org",
		Slug:       "app",
		BuildKey:   buildKey,
		Dispatcher: dispatcher,
		Cache:      cache,
		Log:        log,
	}
	hook.Register(mux)

	status := web.NewMux(&web.Deps{Repo: "org/app", Queue: queue, Jobs: jobs})

	return &env{
		fake:       fake,
		mock:       mock,
		tracker:    tracker,
		queue:      queue,
		jobs:       jobs,
		dispatcher: dispatcher,
		ingress:    mux,
		status:     status,
	}
}

func (e *env) post(t *testing.T, event string, payload map[string]any) {
	t.Helper()
	b, _ := json.Marshal(payload)
	req := httptest.NewRequest(http.MethodPost, "/github", strings.NewReader(string(b)))
	req.SetBasicAuth("hook", "sekret")
	req.Header.Set("X-GitHub-Event", event)
	rec := httptest.NewRecorder()
	e.ingress.ServeHTTP(rec, req)
	if rec.Code >= 400 {
		t.Fatalf("POST /github %s: %d %s", event, rec.Code, rec.Body.String())
	}
}

func (e *env) postPREvent(t *testing.T, prID int64) {
	t.Helper()
	e.post(t, "pull_request", map[string]any{
		"action":       "synchronize",
		"repository":   map[string]any{"full_name": "org/app"},
		"pull_request": map[string]any{"number": prID},
	})
}

func (e *env) postStatusEvent(t *testing.T, sha, state string) {
	t.Helper()
	e.post(t, "status", map[string]any{
		"repository": map[string]any{"full_name": "org/app"},
		"sha":        sha,
		"context":    buildKey,
		"state":      state,
	})
}

// waitResult blocks until a completed job for key reports the wanted
// gate result name.
func (e *env) waitResult(t *testing.T, key, want string) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	var last string
	for time.Now().Before(deadline) {
		recs, err := e.jobs.Recent(context.Background(), 0)
		if err != nil {
			t.Fatal(err)
		}
		for _, r := range recs {
			if r.Key != key || r.Status == "running" {
				continue
			}
			if r.CodeName == want {
				return
			}
			last = r.CodeName
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no %q result for %s (latest: %q)", want, key, last)
}

// drain waits until every enqueued job has been processed. A job that
// sits on the dispatcher channel has no log record yet, so quiet means
// nothing pending AND nothing running — and it must stay quiet across
// consecutive polls to cover the gap between dequeue and the "running"
// record.
func (e *env) drain(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	quiet := 0
	for time.Now().Before(deadline) {
		recs, err := e.jobs.Recent(context.Background(), 0)
		if err != nil {
			t.Fatal(err)
		}
		running := false
		for _, r := range recs {
			if r.Status == "running" {
				running = true
			}
		}
		if !running && e.dispatcher.Pending() == 0 {
			quiet++
			if quiet >= 3 {
				return
			}
		} else {
			quiet = 0
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("jobs never drained")
}

func TestWebhookToPromotion(t *testing.T) {
	e := newEnv(t)
	e.tracker.Seed("PROJ-1", "Bug", "6.0", "7.0")

	e.fake.Commit("bugfix/PROJ-1-crash")
	pr := e.mock.SeedPullRequest(host.PullRequest{
		Title:       "fix the crash",
		Author:      "alice",
		SrcBranch:   "bugfix/PROJ-1-crash",
		DstBranch:   "development/6.0",
		SrcCommit:   e.fake.RemoteSHA("bugfix/PROJ-1-crash"),
		CommitCount: 1,
	})

	// First contact: the bot greets and waits for approvals.
	e.postPREvent(t, pr.ID)
	e.waitResult(t, "pr:1", "AuthorApprovalRequired")

	cs, err := e.mock.ListComments(context.Background(), pr.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(cs) < 2 || comments.MessageID(cs[0].Body) != "init" {
		t.Fatalf("expected greeting first, got %+v", cs)
	}

	// Approvals arrive via review webhooks.
	e.mock.SeedReview(pr.ID, "alice", host.ReviewApproved)
	e.mock.SeedReview(pr.ID, "bob", host.ReviewApproved)
	e.post(t, "pull_request_review", map[string]any{
		"action":       "submitted",
		"repository":   map[string]any{"full_name": "org/app"},
		"pull_request": map[string]any{"number": pr.ID},
	})
	e.waitResult(t, "pr:1", "BuildNotStarted")

	// CI reports success on the source commit and both integration tips.
	// The last tip belongs to the child pull request, so its status event
	// alone drives the changeset into the queue.
	e.postStatusEvent(t, pr.SrcCommit, "success")
	e.drain(t)
	var wTips []string
	for _, name := range e.fake.RemoteBranches() {
		if strings.HasPrefix(name, "w/") {
			wTips = append(wTips, e.fake.RemoteSHA(name))
		}
	}
	if len(wTips) != 2 {
		t.Fatalf("integration refs = %d, want 2", len(wTips))
	}
	for _, sha := range wTips {
		e.postStatusEvent(t, sha, "success")
	}
	e.waitResult(t, "commit:"+wTips[1], "Queued")

	if !e.queue.Contains(pr.ID) {
		t.Fatal("pull request not admitted to the queue")
	}

	// The status page shows the queued entry.
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	e.status.ServeHTTP(rec, req)
	if !strings.Contains(rec.Body.String(), "#1") {
		t.Errorf("status page missing queue entry:\n%s", rec.Body.String())
	}

	// CI turns the queued tips green; the last event promotes.
	var qTips []string
	for _, name := range e.fake.RemoteBranches() {
		if strings.HasPrefix(name, "q/") {
			qTips = append(qTips, e.fake.RemoteSHA(name))
		}
	}
	if len(qTips) != 2 {
		t.Fatalf("queued refs = %d, want 2", len(qTips))
	}
	for _, sha := range qTips {
		e.postStatusEvent(t, sha, "success")
	}
	e.drain(t)

	if e.queue.Contains(pr.ID) {
		t.Fatal("entry still queued after promotion")
	}
	entries := e.queue.Entries()
	if len(entries) != 0 {
		t.Fatalf("queue not empty: %+v", entries)
	}

	// Both development branches advanced to the queued tips.
	for _, name := range []string{"development/6.0", "development/7.0"} {
		tip := e.fake.RemoteSHA(name)
		found := false
		for _, sha := range qTips {
			if sha == tip {
				found = true
			}
		}
		if !found {
			t.Errorf("%s tip %s is not a queued tip", name, tip)
		}
	}

	// The farewell comment went out.
	all, err := e.mock.ListComments(context.Background(), pr.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got := comments.MessageID(all[len(all)-1].Body); got != "merged" {
		t.Errorf("last comment = %q, want merged", got)
	}
}

func TestInProgressStatusSchedulesNothing(t *testing.T) {
	e := newEnv(t)

	e.postStatusEvent(t, "cafe1234", "pending")
	e.drain(t)

	recs, err := e.jobs.Recent(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 0 {
		t.Fatalf("jobs = %+v, want none for INPROGRESS", recs)
	}
}
