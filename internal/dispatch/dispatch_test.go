package dispatch_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jogman/gatekeeper/internal/dispatch"
	"github.com/jogman/gatekeeper/internal/gate"
	"github.com/jogman/gatekeeper/internal/gitrepo"
)

type stubHandler struct {
	mu      sync.Mutex
	prCalls []int64
	commits []string
	timers  int
	errs    []error
	done    chan string
}

func newStubHandler() *stubHandler {
	return &stubHandler{done: make(chan string, 32)}
}

func (s *stubHandler) popErr() error {
	if len(s.errs) == 0 {
		return nil
	}
	err := s.errs[0]
	s.errs = s.errs[1:]
	return err
}

func (s *stubHandler) HandlePullRequest(_ context.Context, id int64) (gate.Verdict, error) {
	s.mu.Lock()
	s.prCalls = append(s.prCalls, id)
	err := s.popErr()
	s.mu.Unlock()
	if err == nil {
		s.done <- "pr"
	}
	return gate.Verdict{Code: gate.CodeNothingToDo}, err
}

func (s *stubHandler) HandleCommit(_ context.Context, sha string) (gate.Verdict, error) {
	s.mu.Lock()
	s.commits = append(s.commits, sha)
	err := s.popErr()
	s.mu.Unlock()
	if err == nil {
		s.done <- "commit"
	}
	return gate.Verdict{Code: gate.CodeNothingToDo}, err
}

func (s *stubHandler) HandleTimer(context.Context) (gate.Verdict, error) {
	s.mu.Lock()
	s.timers++
	err := s.popErr()
	s.mu.Unlock()
	if err == nil {
		s.done <- "timer"
	}
	return gate.Verdict{Code: gate.CodeNothingToDo}, err
}

func discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func waitFor(t *testing.T, ch <-chan string, want string) {
	t.Helper()
	select {
	case got := <-ch:
		if got != want {
			t.Fatalf("job order: got %q, want %q", got, want)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("timed out waiting for %q job", want)
	}
}

// waitStatus polls the log until the newest record for key reaches the
// wanted status. The done channel fires before the record is written,
// so checks on records have to poll.
func waitStatus(t *testing.T, log *dispatch.MemoryLog, key, want string) dispatch.Record {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		recs, err := log.Recent(context.Background(), 0)
		if err != nil {
			t.Fatal(err)
		}
		for _, r := range recs {
			if r.Key == key && r.Status == want {
				return r
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no %q record for %q", want, key)
	return dispatch.Record{}
}

func TestDuplicateJobsCoalesce(t *testing.T) {
	h := newStubHandler()
	d := dispatch.New(h, dispatch.NewMemoryLog(0), discard())

	if !d.Enqueue(dispatch.PullRequestJob{PRID: 7}) {
		t.Fatal("first enqueue rejected")
	}
	for i := 0; i < 4; i++ {
		if d.Enqueue(dispatch.PullRequestJob{PRID: 7}) {
			t.Fatal("duplicate enqueue accepted")
		}
	}
	if d.Enqueue(dispatch.PullRequestJob{PRID: 8}) != true {
		t.Fatal("distinct job rejected")
	}
	if got := d.Pending(); got != 2 {
		t.Fatalf("pending = %d, want 2", got)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	waitFor(t, h.done, "pr")
	waitFor(t, h.done, "pr")

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.prCalls) != 2 || h.prCalls[0] != 7 || h.prCalls[1] != 8 {
		t.Fatalf("pr calls = %v, want [7 8]", h.prCalls)
	}
}

func TestReEnqueueAfterStart(t *testing.T) {
	h := newStubHandler()
	d := dispatch.New(h, dispatch.NewMemoryLog(0), discard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	d.Enqueue(dispatch.CommitJob{SHA: "abc"})
	waitFor(t, h.done, "commit")

	// Once the first job ran, the same key is accepted again.
	if !d.Enqueue(dispatch.CommitJob{SHA: "abc"}) {
		t.Fatal("re-enqueue after completion rejected")
	}
	waitFor(t, h.done, "commit")
}

func TestTransientErrorIsRetried(t *testing.T) {
	h := newStubHandler()
	h.errs = []error{&gitrepo.TransientError{Err: errors.New("lock held")}}
	log := dispatch.NewMemoryLog(0)
	d := dispatch.New(h, log, discard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	d.Enqueue(dispatch.TimerJob{})
	waitFor(t, h.done, "timer")
	waitStatus(t, log, "timer", "completed")

	h.mu.Lock()
	timers := h.timers
	h.mu.Unlock()
	if timers != 2 {
		t.Fatalf("timer handler ran %d times, want 2", timers)
	}
}

func TestFatalErrorDoesNotStopWorker(t *testing.T) {
	h := newStubHandler()
	h.errs = []error{errors.New("repository misconfigured")}
	log := dispatch.NewMemoryLog(0)
	d := dispatch.New(h, log, discard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	d.Enqueue(dispatch.PullRequestJob{PRID: 1})

	// The failing job emits no done signal; the next one proves the
	// worker survived.
	d.Enqueue(dispatch.PullRequestJob{PRID: 2})
	waitFor(t, h.done, "pr")

	failed := waitStatus(t, log, "pr:1", "failed")
	if failed.Error == "" {
		t.Fatalf("failed record %+v has no error message", failed)
	}
	waitStatus(t, log, "pr:2", "completed")
}

func TestTimerLoopEnqueues(t *testing.T) {
	h := newStubHandler()
	d := dispatch.New(h, dispatch.NewMemoryLog(0), discard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)
	go d.RunTimer(ctx, 10*time.Millisecond)

	waitFor(t, h.done, "timer")
	waitFor(t, h.done, "timer")
}
