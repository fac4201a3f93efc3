// Package mergequeue serializes final merges. Admitted changesets park
// their per-version candidate tips on q/ refs; once every tip of the
// queue head builds green, all development branches fast-forward in one
// atomic push. The queue itself is never persisted: it is rebuilt from
// the q/ refs at startup.
package mergequeue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jogman/gatekeeper/internal/branch"
	"github.com/jogman/gatekeeper/internal/cascade"
	"github.com/jogman/gatekeeper/internal/gitrepo"
	"github.com/jogman/gatekeeper/internal/host"
	"github.com/jogman/gatekeeper/internal/statuscache"
)

// Entry is one queued changeset: the pull request and the frozen
// candidate tip per target version.
type Entry struct {
	PRID      int64
	SHA       string // source commit at admission, embedded in the q ref names
	CreatedAt time.Time
	Wavefront map[branch.Version]string // version -> queued tip
}

// Versions returns the entry's target versions in ascending order.
func (e *Entry) Versions() []branch.Version {
	out := make([]branch.Version, 0, len(e.Wavefront))
	for v := range e.Wavefront {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })
	return out
}

// Outcome is what Evaluate decided for one entry.
type Outcome int

const (
	// OutcomePromoted means every development branch fast-forwarded and
	// the entry left the queue merged.
	OutcomePromoted Outcome = iota
	// OutcomeEvicted means a queued build failed and the entry was
	// removed from every version it occupied.
	OutcomeEvicted
)

// Result reports one entry leaving the queue.
type Result struct {
	Outcome       Outcome
	Entry         Entry
	FailedVersion branch.Version
	BuildURL      string
}

// Queue is the merge queue over one repository. All mutating methods run
// on the single worker; the read side (Entries, Inconsistent) may be
// called from HTTP handlers.
type Queue struct {
	repo     gitrepo.Repository
	client   host.Client
	cache    *statuscache.Cache
	buildKey string
	log      *slog.Logger

	mu           sync.RWMutex // mutations are worker-only; reads come from HTTP handlers
	entries      []*Entry
	inconsistent bool
}

// New creates an empty queue.
func New(repo gitrepo.Repository, client host.Client, cache *statuscache.Cache, buildKey string, log *slog.Logger) *Queue {
	return &Queue{repo: repo, client: client, cache: cache, buildKey: buildKey, log: log}
}

// Admit freezes a built plan into q/ refs and appends the entry. A
// second admission of the same pull request at the same source commit is
// a no-op; at a different commit the stale entry is evicted and the
// remaining entries rebuilt before the new one is appended.
func (q *Queue) Admit(ctx context.Context, plan *cascade.Plan) (*Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	pr := plan.Source
	for _, e := range q.entries {
		if e.PRID != pr.ID {
			continue
		}
		if e.SHA == pr.SrcCommit {
			return e, nil
		}
		if err := q.remove(ctx, e); err != nil {
			return nil, err
		}
		// Later entries were chained on the superseded tips and must be
		// rebuilt before the fresh admission chains on them.
		if err := q.rebuild(ctx); err != nil {
			return nil, err
		}
		break
	}

	entry := &Entry{
		PRID:      pr.ID,
		SHA:       pr.SrcCommit,
		CreatedAt: time.Now(),
		Wavefront: make(map[branch.Version]string, len(plan.Steps)),
	}
	// Each q ref grows on top of the latest queued tip for its version so
	// a promotion is always a fast-forward of the development branch,
	// even with earlier entries still in flight.
	for _, step := range plan.Steps {
		ref := branch.QueueRef(pr.ID, pr.SrcCommit, step.Version)
		base := q.lastQueuedTip(step.Version)
		if base == "" {
			base = "origin/" + step.Development
		}
		if err := q.repo.CreateBranch(ctx, ref, base); err != nil {
			return nil, err
		}
		tip, err := q.repo.Merge(ctx, ref, "origin/"+step.Branch)
		if err != nil {
			return nil, err
		}
		if err := q.repo.Push(ctx, ref); err != nil {
			return nil, err
		}
		entry.Wavefront[step.Version] = tip
	}

	q.entries = append(q.entries, entry)
	q.log.Info("changeset queued", "pr", pr.ID, "versions", len(entry.Wavefront))
	return entry, nil
}

// lastQueuedTip returns the newest queued tip for a version, or "".
func (q *Queue) lastQueuedTip(v branch.Version) string {
	for i := len(q.entries) - 1; i >= 0; i-- {
		if sha, ok := q.entries[i].Wavefront[v]; ok {
			return sha
		}
	}
	return ""
}

// Evaluate walks the queue heads and promotes or evicts every entry
// whose fate is decided. Entries whose builds are still pending block
// all later entries on the versions they occupy.
func (q *Queue) Evaluate(ctx context.Context) ([]Result, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.inconsistent {
		return nil, nil
	}

	var results []Result
	for {
		acted := false
		blocked := make(map[branch.Version]bool)

		for _, e := range q.entries {
			if q.entryBlocked(e, blocked) {
				q.block(e, blocked)
				continue
			}

			state, failedV, err := q.entryState(ctx, e)
			if err != nil {
				return results, err
			}
			switch state {
			case host.BuildSuccessful:
				if err := q.promote(ctx, e); err != nil {
					if errors.Is(err, gitrepo.ErrQueueInconsistency) {
						q.inconsistent = true
						q.log.Error("queue inconsistency, promotions halted", "pr", e.PRID, "err", err)
					}
					return results, err
				}
				results = append(results, Result{Outcome: OutcomePromoted, Entry: *e})
				acted = true
			case host.BuildFailed, host.BuildStopped:
				url := q.buildURL(ctx, e.Wavefront[failedV])
				if err := q.remove(ctx, e); err != nil {
					return results, err
				}
				// Later entries were chained on the evicted tips and
				// must be rebuilt on clean bases.
				if err := q.rebuild(ctx); err != nil {
					return results, err
				}
				results = append(results, Result{
					Outcome:       OutcomeEvicted,
					Entry:         *e,
					FailedVersion: failedV,
					BuildURL:      url,
				})
				q.log.Info("changeset evicted", "pr", e.PRID, "version", failedV.String())
				acted = true
			default:
				q.block(e, blocked)
			}
			if acted {
				break // entries changed, restart the scan
			}
		}
		if !acted {
			return results, nil
		}
	}
}

// entryBlocked reports whether an earlier undecided entry occupies any of
// e's versions.
func (q *Queue) entryBlocked(e *Entry, blocked map[branch.Version]bool) bool {
	for v := range e.Wavefront {
		if blocked[v] {
			return true
		}
	}
	return false
}

func (q *Queue) block(e *Entry, blocked map[branch.Version]bool) {
	for v := range e.Wavefront {
		blocked[v] = true
	}
}

// entryState folds the entry's queued builds into one state: FAILED (or
// STOPPED) wins, then anything pending, then SUCCESSFUL.
func (q *Queue) entryState(ctx context.Context, e *Entry) (host.BuildState, branch.Version, error) {
	pending := false
	for _, v := range e.Versions() {
		state, err := q.cache.Status(ctx, q.client, e.Wavefront[v], q.buildKey)
		if err != nil {
			return "", branch.Version{}, err
		}
		switch state {
		case host.BuildFailed, host.BuildStopped:
			return host.BuildFailed, v, nil
		case host.BuildSuccessful:
		default:
			pending = true
		}
	}
	if pending {
		return host.BuildInProgress, branch.Version{}, nil
	}
	return host.BuildSuccessful, branch.Version{}, nil
}

func (q *Queue) promote(ctx context.Context, e *Entry) error {
	updates := make([]gitrepo.RefUpdate, 0, len(e.Wavefront))
	for _, v := range e.Versions() {
		updates = append(updates, gitrepo.RefUpdate{
			Ref: branch.DevelopmentRef(v),
			SHA: e.Wavefront[v],
		})
	}
	if err := q.repo.PushAllAtomic(ctx, updates); err != nil {
		return fmt.Errorf("promote #%d: %w", e.PRID, err)
	}
	q.log.Info("changeset merged", "pr", e.PRID, "refs", len(updates))
	return q.remove(ctx, e)
}

// remove deletes the entry's q refs and drops it from the queue.
func (q *Queue) remove(ctx context.Context, e *Entry) error {
	for v := range e.Wavefront {
		ref := branch.QueueRef(e.PRID, e.SHA, v)
		if err := q.repo.DeleteBranch(ctx, ref); err != nil && !errors.Is(err, gitrepo.ErrRefNotFound) {
			return err
		}
	}
	for i, other := range q.entries {
		if other == e {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			break
		}
	}
	return nil
}

// rebuild re-creates every remaining entry's q refs in order, chaining
// each version on the previous surviving tip. Wavefront tips change, so
// the rebuilt entries wait for fresh builds.
func (q *Queue) rebuild(ctx context.Context) error {
	tips := make(map[branch.Version]string)
	for _, e := range q.entries {
		pr, err := q.client.GetPullRequest(ctx, e.PRID)
		if err != nil {
			return err
		}
		src := branch.Parse(pr.SrcBranch)

		for _, v := range e.Versions() {
			ref := branch.QueueRef(e.PRID, e.SHA, v)
			if err := q.repo.DeleteBranch(ctx, ref); err != nil && !errors.Is(err, gitrepo.ErrRefNotFound) {
				return err
			}

			base := tips[v]
			if base == "" {
				base = "origin/" + branch.DevelopmentRef(v)
			}
			from := "origin/" + branch.IntegrationRef(v, src.Prefix, src.Subname)
			if _, err := q.repo.ResolveRef(ctx, from); errors.Is(err, gitrepo.ErrRefNotFound) {
				// Single-target changesets may ride their source branch.
				from = "origin/" + pr.SrcBranch
			} else if err != nil {
				return err
			}

			if err := q.repo.CreateBranch(ctx, ref, base); err != nil {
				return err
			}
			tip, err := q.repo.Merge(ctx, ref, from)
			if err != nil {
				return err
			}
			if err := q.repo.Push(ctx, ref); err != nil {
				return err
			}
			e.Wavefront[v] = tip
			tips[v] = tip
		}
	}
	return nil
}

func (q *Queue) buildURL(ctx context.Context, sha string) string {
	status, err := q.client.GetBuildStatus(ctx, sha, q.buildKey)
	if err != nil || status == nil {
		return ""
	}
	return status.URL
}

// Recover rebuilds the queue from the q/ refs, ordered by the creation
// time of the earliest ref per pull request, pull request id as the tie
// break.
func (q *Queue) Recover(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.repo.Fetch(ctx); err != nil {
		return err
	}
	refs, err := q.repo.ListRefs(ctx, "q/")
	if err != nil {
		return err
	}

	byPR := make(map[int64]*Entry)
	for _, ref := range refs {
		b := branch.Parse(ref.Name)
		if b.Kind != branch.KindQueue {
			q.log.Warn("unparseable queue ref ignored", "ref", ref.Name)
			continue
		}
		e, ok := byPR[b.PRID]
		if !ok {
			e = &Entry{
				PRID:      b.PRID,
				SHA:       b.SHA,
				CreatedAt: ref.CreatedAt,
				Wavefront: make(map[branch.Version]string),
			}
			byPR[b.PRID] = e
		}
		e.Wavefront[b.Version] = ref.SHA
		if ref.CreatedAt.Before(e.CreatedAt) {
			e.CreatedAt = ref.CreatedAt
		}
	}

	entries := make([]*Entry, 0, len(byPR))
	for _, e := range byPR {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].CreatedAt.Before(entries[j].CreatedAt)
		}
		return entries[i].PRID < entries[j].PRID
	})

	q.entries = entries
	q.inconsistent = false
	q.log.Info("merge queue recovered", "entries", len(entries))
	return nil
}

// Entries returns a snapshot of the queue in order.
func (q *Queue) Entries() []Entry {
	q.mu.RLock()
	defer q.mu.RUnlock()

	out := make([]Entry, len(q.entries))
	for i, e := range q.entries {
		out[i] = *e
	}
	return out
}

// Contains reports whether the pull request is queued.
func (q *Queue) Contains(prID int64) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()

	for _, e := range q.entries {
		if e.PRID == prID {
			return true
		}
	}
	return false
}

// Inconsistent reports whether promotions are halted pending an operator
// reset.
func (q *Queue) Inconsistent() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.inconsistent
}

// Reset re-synchronizes the queue from the remote refs after an operator
// resolved an inconsistency, re-enabling promotions.
func (q *Queue) Reset(ctx context.Context) error {
	return q.Recover(ctx)
}
