// Package dispatch serializes all repository-mutating work onto one
// worker. HTTP handlers and the timer enqueue typed jobs; duplicates
// coalesce while a job with the same key is still pending.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/jogman/gatekeeper/internal/gate"
	"github.com/jogman/gatekeeper/internal/gitrepo"
	"github.com/jogman/gatekeeper/internal/host"
)

const (
	retryBase   = 1 * time.Second
	retryCap    = 5 * time.Minute
	retryBudget = 1 * time.Hour

	queueDepth = 256
)

// Job is one unit of work. The key identifies duplicates for
// coalescing.
type Job interface {
	Key() string
	Kind() string
}

// PullRequestJob re-runs the gating cycle for one pull request.
type PullRequestJob struct {
	PRID int64
}

func (j PullRequestJob) Key() string  { return fmt.Sprintf("pr:%d", j.PRID) }
func (j PullRequestJob) Kind() string { return "pull_request" }

// CommitJob reacts to a build-status change on a commit.
type CommitJob struct {
	SHA string
}

func (j CommitJob) Key() string  { return "commit:" + j.SHA }
func (j CommitJob) Kind() string { return "commit" }

// TimerJob is the periodic full sweep.
type TimerJob struct{}

func (TimerJob) Key() string  { return "timer" }
func (TimerJob) Kind() string { return "timer" }

// Handler executes jobs. Implemented by gate.Handler.
type Handler interface {
	HandlePullRequest(ctx context.Context, id int64) (gate.Verdict, error)
	HandleCommit(ctx context.Context, sha string) (gate.Verdict, error)
	HandleTimer(ctx context.Context) (gate.Verdict, error)
}

// Record is one completed (or failed) job in the observable log.
type Record struct {
	ID         int64
	Kind       string
	Key        string
	Status     string // "completed" | "failed"
	Code       int
	CodeName   string
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Log stores job outcomes. Implemented by the Postgres store and by
// MemoryLog.
type Log interface {
	Start(ctx context.Context, kind, key string) (int64, error)
	Finish(ctx context.Context, id int64, status string, code int, codeName, errMsg string) error
	Recent(ctx context.Context, limit int) ([]Record, error)
}

// Dispatcher owns the job queue and the single worker.
type Dispatcher struct {
	handler Handler
	store   Log
	log     *slog.Logger

	mu      sync.Mutex
	pending map[string]bool
	jobs    chan Job
}

// New creates a dispatcher. store may not be nil; use NewMemoryLog when
// no database is configured.
func New(handler Handler, store Log, log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		handler: handler,
		store:   store,
		log:     log,
		pending: make(map[string]bool),
		jobs:    make(chan Job, queueDepth),
	}
}

// Enqueue adds a job unless one with the same key is already pending.
// It reports whether the job was accepted.
func (d *Dispatcher) Enqueue(job Job) bool {
	d.mu.Lock()
	if d.pending[job.Key()] {
		d.mu.Unlock()
		return false
	}
	d.pending[job.Key()] = true
	d.mu.Unlock()

	select {
	case d.jobs <- job:
		return true
	default:
		// Full queue: drop and let the timer sweep catch up.
		d.mu.Lock()
		delete(d.pending, job.Key())
		d.mu.Unlock()
		d.log.Warn("job queue full, dropping job", "key", job.Key())
		return false
	}
}

// Pending reports the number of jobs waiting.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Run consumes jobs until the context is canceled. The job in flight is
// never canceled; cancellation takes effect between jobs and between
// retry attempts.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case job := <-d.jobs:
			d.mu.Lock()
			delete(d.pending, job.Key())
			d.mu.Unlock()

			d.process(ctx, job)
		}
	}
}

// RunTimer enqueues a TimerJob at the given interval until the context
// is canceled.
func (d *Dispatcher) RunTimer(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.Enqueue(TimerJob{})
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, job Job) {
	logID, err := d.store.Start(ctx, job.Kind(), job.Key())
	if err != nil {
		d.log.Error("jobs log unavailable", "err", err)
	}

	var verdict gate.Verdict
	backoff := retry.WithMaxDuration(retryBudget,
		retry.WithCappedDuration(retryCap, retry.NewExponential(retryBase)))

	runErr := retry.Do(ctx, backoff, func(ctx context.Context) error {
		// The attempt itself must finish even during shutdown.
		v, err := d.run(context.WithoutCancel(ctx), job)
		verdict = v
		if err != nil && transient(err) {
			d.log.Warn("transient job failure, will retry", "key", job.Key(), "err", err)
			return retry.RetryableError(err)
		}
		return err
	})

	status := "completed"
	errMsg := ""
	if runErr != nil {
		// Exhausted retries and hard failures both end up fatal; the
		// worker keeps running.
		status = "failed"
		errMsg = runErr.Error()
		d.log.Error("job failed", "kind", job.Kind(), "key", job.Key(), "err", runErr)
	} else {
		d.log.Info("job done", "kind", job.Kind(), "key", job.Key(), "result", verdict.Code.String())
	}

	if logID != 0 {
		if err := d.store.Finish(ctx, logID, status, int(verdict.Code), verdict.Code.String(), errMsg); err != nil {
			d.log.Error("jobs log write failed", "err", err)
		}
	}
}

func (d *Dispatcher) run(ctx context.Context, job Job) (gate.Verdict, error) {
	switch j := job.(type) {
	case PullRequestJob:
		return d.handler.HandlePullRequest(ctx, j.PRID)
	case CommitJob:
		return d.handler.HandleCommit(ctx, j.SHA)
	case TimerJob:
		return d.handler.HandleTimer(ctx)
	default:
		return gate.Verdict{}, fmt.Errorf("unknown job type %T", job)
	}
}

func transient(err error) bool {
	return gitrepo.IsTransient(err) || host.IsTransient(err)
}
