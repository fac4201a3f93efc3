package web_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jogman/gatekeeper/internal/branch"
	"github.com/jogman/gatekeeper/internal/dispatch"
	"github.com/jogman/gatekeeper/internal/mergequeue"
	"github.com/jogman/gatekeeper/internal/web"
)

// staticQueue implements web.QueueView for tests.
type staticQueue struct {
	entries      []mergequeue.Entry
	inconsistent bool
}

func (s *staticQueue) Entries() []mergequeue.Entry { return s.entries }
func (s *staticQueue) Inconsistent() bool          { return s.inconsistent }

func version(t *testing.T, s string) branch.Version {
	t.Helper()
	v, err := branch.ParseVersion(s)
	if err != nil {
		t.Fatal(err)
	}
	return v
}

func get(t *testing.T, deps *web.Deps, path string) *httptest.ResponseRecorder {
	t.Helper()
	mux := web.NewMux(deps)
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestStatusPageShowsQueueAndJobs(t *testing.T) {
	q := &staticQueue{entries: []mergequeue.Entry{
		{
			PRID:      42,
			SHA:       "abc123def456abc123",
			CreatedAt: time.Now().Add(-3 * time.Minute),
			Wavefront: map[branch.Version]string{
				version(t, "6.0"): "aaa",
				version(t, "7.0"): "bbb",
			},
		},
		{
			PRID:      43,
			SHA:       "fed654",
			CreatedAt: time.Now().Add(-1 * time.Minute),
			Wavefront: map[branch.Version]string{
				version(t, "7.0"): "ccc",
			},
		},
	}}

	jobs := dispatch.NewMemoryLog(0)
	id, _ := jobs.Start(context.Background(), "pull_request", "pr:42")
	_ = jobs.Finish(context.Background(), id, "completed", 109, "Queued", "")

	rec := get(t, &web.Deps{
		Repo:            "org/app",
		Queue:           q,
		Jobs:            jobs,
		RefreshInterval: 5,
	}, "/")

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()

	if !strings.Contains(body, "#42") || !strings.Contains(body, "#43") {
		t.Errorf("expected both queue entries, got:\n%s", body)
	}
	// SHA column is truncated.
	if !strings.Contains(body, "abc123def4") || strings.Contains(body, "abc123def456abc123") {
		t.Errorf("expected shortened sha, got:\n%s", body)
	}
	if !strings.Contains(body, "6.0, 7.0") {
		t.Errorf("expected version list, got:\n%s", body)
	}
	if !strings.Contains(body, "pr:42") || !strings.Contains(body, "Queued") {
		t.Errorf("expected job row with result name, got:\n%s", body)
	}
	if !strings.Contains(body, `content="5"`) {
		t.Error("expected meta refresh with interval 5")
	}
}

func TestStatusPageEmptyQueue(t *testing.T) {
	rec := get(t, &web.Deps{
		Repo:  "org/app",
		Queue: &staticQueue{},
		Jobs:  dispatch.NewMemoryLog(0),
	}, "/")

	body := rec.Body.String()
	if !strings.Contains(body, "The queue is empty.") {
		t.Errorf("expected empty-queue message, got:\n%s", body)
	}
	if !strings.Contains(body, "No jobs recorded yet.") {
		t.Errorf("expected empty-jobs message, got:\n%s", body)
	}
	if strings.Contains(body, "halted") {
		t.Error("healthy queue should not show the halt banner")
	}
}

func TestStatusPageInconsistencyBanner(t *testing.T) {
	rec := get(t, &web.Deps{
		Repo:  "org/app",
		Queue: &staticQueue{inconsistent: true},
		Jobs:  dispatch.NewMemoryLog(0),
	}, "/")

	if !strings.Contains(rec.Body.String(), "halted") {
		t.Error("expected the halt banner when the queue is inconsistent")
	}
}

func TestFailedJobShowsError(t *testing.T) {
	jobs := dispatch.NewMemoryLog(0)
	id, _ := jobs.Start(context.Background(), "commit", "commit:abc")
	_ = jobs.Finish(context.Background(), id, "failed", 0, "", "clone target corrupted")

	rec := get(t, &web.Deps{
		Repo:  "org/app",
		Queue: &staticQueue{},
		Jobs:  jobs,
	}, "/")

	body := rec.Body.String()
	if !strings.Contains(body, "❌") || !strings.Contains(body, "clone target corrupted") {
		t.Errorf("expected failed job with error message, got:\n%s", body)
	}
}

func TestHealthz(t *testing.T) {
	rec := get(t, &web.Deps{
		Repo:  "org/app",
		Queue: &staticQueue{},
		Jobs:  dispatch.NewMemoryLog(0),
	}, "/healthz")

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestUnknownPathIs404(t *testing.T) {
	rec := get(t, &web.Deps{
		Repo:  "org/app",
		Queue: &staticQueue{},
		Jobs:  dispatch.NewMemoryLog(0),
	}, "/nope")

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}
