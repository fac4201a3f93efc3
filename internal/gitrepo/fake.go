package gitrepo

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jogman/gatekeeper/internal/branch"
)

// Fake is an in-memory Repository backed by a commit DAG. It gives the
// cascade and queue tests real merge and ancestry semantics without a git
// binary. Conflicts are injected per (branch, ref) pair. Safe for
// concurrent use.
type Fake struct {
	mu      sync.Mutex
	seq     int
	parents map[string][]string // sha -> parent shas
	local   map[string]string   // branch -> sha
	remote  map[string]string   // pushed branch -> sha
	created map[string]time.Time
	clock   time.Time

	// Conflicts maps "into\x00from" to true. Use AddConflict.
	conflicts map[string]bool

	// Deleted records every remote branch deletion, including refused ones.
	Deleted []string

	// AtomicSupported controls whether PushAllAtomic honors atomicity.
	// When false a FailRef mid-batch produces ErrQueueInconsistency.
	AtomicSupported bool

	// FailRef makes any push of that ref fail.
	FailRef string
}

var _ Repository = (*Fake)(nil)

// NewFake creates a fake repository with the given remote branches, each
// on its own root commit.
func NewFake(branches ...string) *Fake {
	f := &Fake{
		parents:         make(map[string][]string),
		local:           make(map[string]string),
		remote:          make(map[string]string),
		created:         make(map[string]time.Time),
		conflicts:       make(map[string]bool),
		clock:           time.Unix(1_700_000_000, 0),
		AtomicSupported: true,
	}
	for _, b := range branches {
		f.remote[b] = f.newCommit(nil)
	}
	return f
}

func (f *Fake) tick() time.Time {
	f.clock = f.clock.Add(time.Second)
	return f.clock
}

func (f *Fake) newCommit(parents []string) string {
	f.seq++
	sha := fmt.Sprintf("%040x", f.seq)
	f.parents[sha] = parents
	f.created[sha] = f.tick()
	return sha
}

// Commit simulates a user pushing a new commit to a remote branch and
// returns its SHA.
func (f *Fake) Commit(branchName string) string {
	f.mu.Lock()
	defer f.mu.Unlock()

	sha := f.newCommit([]string{f.remote[branchName]})
	f.remote[branchName] = sha
	return sha
}

// AddConflict makes merging from into into conflict.
func (f *Fake) AddConflict(into, from string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conflicts[into+"\x00"+from] = true
}

// RemoteSHA returns the remote tip of a branch ("" if absent).
func (f *Fake) RemoteSHA(name string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remote[name]
}

// RemoteBranches returns all remote branch names, sorted.
func (f *Fake) RemoteBranches() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]string, 0, len(f.remote))
	for n := range f.remote {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func (f *Fake) Fetch(context.Context) error { return nil }

func (f *Fake) resolve(name string) (string, error) {
	if rest, ok := strings.CutPrefix(name, "origin/"); ok {
		if sha, ok := f.remote[rest]; ok {
			return sha, nil
		}
		return "", ErrRefNotFound
	}
	if sha, ok := f.local[name]; ok {
		return sha, nil
	}
	if sha, ok := f.remote[name]; ok {
		return sha, nil
	}
	if _, ok := f.parents[name]; ok {
		return name, nil
	}
	return "", ErrRefNotFound
}

func (f *Fake) ResolveRef(_ context.Context, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resolve(name)
}

func (f *Fake) ListRefs(_ context.Context, prefix string) ([]Ref, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var refs []Ref
	for name, sha := range f.remote {
		if strings.HasPrefix(name, prefix) {
			refs = append(refs, Ref{Name: name, SHA: sha, CreatedAt: f.created[sha]})
		}
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Name < refs[j].Name })
	return refs, nil
}

func (f *Fake) CreateBranch(_ context.Context, name, from string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !branch.BotOwned(name) {
		return fmt.Errorf("create %s: %w", name, ErrForbiddenRef)
	}

	sha, err := f.resolve(from)
	if err != nil {
		return fmt.Errorf("create %s from %s: %w", name, from, err)
	}
	f.local[name] = sha
	return nil
}

func (f *Fake) Merge(_ context.Context, branchName, ref string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	tip, ok := f.local[branchName]
	if !ok {
		return "", fmt.Errorf("merge into %s: %w", branchName, ErrRefNotFound)
	}

	from, err := f.resolve(ref)
	if err != nil {
		return "", fmt.Errorf("merge %s: %w", ref, err)
	}

	if f.conflicts[branchName+"\x00"+ref] {
		return "", &MergeConflictError{Into: branchName, From: ref}
	}

	sha := f.newCommit([]string{tip, from})
	f.local[branchName] = sha
	return sha, nil
}

func (f *Fake) Push(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if name == f.FailRef {
		return &TransientError{Err: fmt.Errorf("push %s: simulated failure", name)}
	}

	sha, ok := f.local[name]
	if !ok {
		return fmt.Errorf("push %s: %w", name, ErrRefNotFound)
	}
	f.remote[name] = sha
	return nil
}

func (f *Fake) PushAllAtomic(_ context.Context, updates []RefUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.AtomicSupported {
		for _, u := range updates {
			if u.Ref == f.FailRef {
				return &TransientError{Err: fmt.Errorf("atomic push: ref %s rejected", u.Ref)}
			}
		}
		for _, u := range updates {
			f.remote[u.Ref] = u.SHA
		}
		return nil
	}

	// Degraded sequential mode.
	var pushed int
	for _, u := range updates {
		if u.Ref == f.FailRef {
			if pushed > 0 {
				return fmt.Errorf("%w: ref %s rejected after %d pushes", ErrQueueInconsistency, u.Ref, pushed)
			}
			return &TransientError{Err: fmt.Errorf("push %s: simulated failure", u.Ref)}
		}
		f.remote[u.Ref] = u.SHA
		pushed++
	}
	return nil
}

func (f *Fake) DeleteBranch(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.Deleted = append(f.Deleted, name)
	if !branch.BotOwned(name) {
		return fmt.Errorf("delete %s: %w", name, ErrForbiddenRef)
	}

	delete(f.remote, name)
	delete(f.local, name)
	return nil
}

func (f *Fake) IsAncestor(_ context.Context, ancestor, descendant string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	anc, err := f.resolve(ancestor)
	if err != nil {
		return false, err
	}
	desc, err := f.resolve(descendant)
	if err != nil {
		return false, err
	}

	// BFS over parents.
	queue := []string{desc}
	seen := make(map[string]bool)
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == anc {
			return true, nil
		}
		if seen[cur] {
			continue
		}
		seen[cur] = true
		queue = append(queue, f.parents[cur]...)
	}
	return false, nil
}
