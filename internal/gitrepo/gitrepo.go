// Package gitrepo provides the git repository façade: a mirror clone plus a
// disposable worktree, with the branch operations the cascade engine and
// merge queue need. The interface enables testing the core against the
// in-memory Fake.
package gitrepo

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Ref is a remote ref with its tip and the tip's committer time. The time
// orders queue entries during recovery.
type Ref struct {
	Name      string
	SHA       string
	CreatedAt time.Time
}

// RefUpdate is one ref move in an atomic push.
type RefUpdate struct {
	Ref string
	SHA string
}

// Repository is the git capability the core requires. All mutating methods
// are called from the single worker only.
type Repository interface {
	// Fetch refreshes the mirror from the remote, pruning deleted refs.
	Fetch(ctx context.Context) error

	// ResolveRef returns the SHA a ref points to. Use "origin/<name>" for
	// the remote view. Returns ErrRefNotFound for missing refs.
	ResolveRef(ctx context.Context, name string) (string, error)

	// ListRefs returns all remote refs whose name starts with prefix.
	ListRefs(ctx context.Context, prefix string) ([]Ref, error)

	// CreateBranch creates (or forcibly repoints) a local bot-owned branch
	// at the given start point and checks it out.
	CreateBranch(ctx context.Context, name, from string) error

	// Merge merges ref into the named branch with a merge commit and
	// returns the new tip. A conflict aborts the merge and returns
	// *MergeConflictError.
	Merge(ctx context.Context, branch, ref string) (string, error)

	// Push publishes a local branch to the remote.
	Push(ctx context.Context, name string) error

	// PushAllAtomic moves all given refs on the remote in one atomic push.
	// A ref rejection on an atomic remote fails without moving anything.
	// When the remote cannot do atomic pushes at all the implementation
	// degrades to sequential pushes; a partial failure then surfaces as
	// ErrQueueInconsistency.
	PushAllAtomic(ctx context.Context, updates []RefUpdate) error

	// DeleteBranch removes a remote branch. Refuses any ref that is not
	// bot-owned (w/ or q/ prefix) with ErrForbiddenRef.
	DeleteBranch(ctx context.Context, name string) error

	// IsAncestor reports whether ancestor is reachable from descendant.
	IsAncestor(ctx context.Context, ancestor, descendant string) (bool, error)
}

// ErrRefNotFound means the ref does not exist locally or remotely.
var ErrRefNotFound = errors.New("ref not found")

// ErrForbiddenRef means the bot refused to touch a ref it does not own.
var ErrForbiddenRef = errors.New("ref is not bot-owned (w/ or q/)")

// ErrQueueInconsistency means a degraded (non-atomic) multi-ref push
// partially failed. The queue must halt promotions until an operator
// resolves the branch state and issues a reset.
var ErrQueueInconsistency = errors.New("partial multi-ref push: queue state is inconsistent")

// MergeConflictError reports a conflicting merge, naming both refs so the
// conflict comment can point at them.
type MergeConflictError struct {
	Into   string
	From   string
	Output string
}

func (e *MergeConflictError) Error() string {
	return fmt.Sprintf("merge conflict: cannot merge %s into %s", e.From, e.Into)
}

// IsMergeConflict returns true if the error is a merge conflict.
func IsMergeConflict(err error) bool {
	var mc *MergeConflictError
	return errors.As(err, &mc)
}

// TransientError marks a failure worth retrying at the job level. Local
// retries network errors internally within its budget, so an error it
// returns is final and is not tagged transient.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether the error is a retryable git failure.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
