package gitrepo_test

import (
	"context"
	"errors"
	"testing"

	"github.com/jogman/gatekeeper/internal/gitrepo"
)

// The bot must refuse to delete or create any ref it does not own.
func TestDeletionSafety(t *testing.T) {
	ctx := context.Background()
	f := gitrepo.NewFake("development/6.0", "feature/PROJ-1")

	for _, name := range []string{"development/6.0", "feature/PROJ-1", "main"} {
		if err := f.DeleteBranch(ctx, name); !errors.Is(err, gitrepo.ErrForbiddenRef) {
			t.Errorf("DeleteBranch(%q) = %v, want ErrForbiddenRef", name, err)
		}
	}

	if err := f.CreateBranch(ctx, "release/6.0", "development/6.0"); !errors.Is(err, gitrepo.ErrForbiddenRef) {
		t.Errorf("CreateBranch(release/6.0) = %v, want ErrForbiddenRef", err)
	}

	// Bot-owned refs are fair game.
	if err := f.CreateBranch(ctx, "w/6.0/bugfix/PROJ-1", "development/6.0"); err != nil {
		t.Fatal(err)
	}
	if err := f.Push(ctx, "w/6.0/bugfix/PROJ-1"); err != nil {
		t.Fatal(err)
	}
	if err := f.DeleteBranch(ctx, "w/6.0/bugfix/PROJ-1"); err != nil {
		t.Fatal(err)
	}
}

func TestFakeMergeAndAncestry(t *testing.T) {
	ctx := context.Background()
	f := gitrepo.NewFake("development/6.0", "bugfix/PROJ-1")

	srcTip := f.Commit("bugfix/PROJ-1")

	if err := f.CreateBranch(ctx, "w/6.0/bugfix/PROJ-1", "origin/development/6.0"); err != nil {
		t.Fatal(err)
	}
	mergeSHA, err := f.Merge(ctx, "w/6.0/bugfix/PROJ-1", "origin/bugfix/PROJ-1")
	if err != nil {
		t.Fatal(err)
	}

	for _, anc := range []string{srcTip, "origin/development/6.0"} {
		ok, err := f.IsAncestor(ctx, anc, mergeSHA)
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			t.Fatalf("%s must be reachable from the merge commit", anc)
		}
	}

	ok, _ := f.IsAncestor(ctx, mergeSHA, srcTip)
	if ok {
		t.Fatal("ancestry must not be symmetric")
	}
}

func TestFakeConflictInjection(t *testing.T) {
	ctx := context.Background()
	f := gitrepo.NewFake("development/6.0", "bugfix/PROJ-1")
	f.AddConflict("w/6.0/bugfix/PROJ-1", "origin/development/6.0")

	if err := f.CreateBranch(ctx, "w/6.0/bugfix/PROJ-1", "origin/development/6.0"); err != nil {
		t.Fatal(err)
	}

	_, err := f.Merge(ctx, "w/6.0/bugfix/PROJ-1", "origin/development/6.0")
	if !gitrepo.IsMergeConflict(err) {
		t.Fatalf("expected merge conflict, got %v", err)
	}

	var mc *gitrepo.MergeConflictError
	if !errors.As(err, &mc) || mc.Into != "w/6.0/bugfix/PROJ-1" {
		t.Fatalf("conflict must name both refs: %v", err)
	}
}

// Degraded sequential push that fails mid-batch must surface
// ErrQueueInconsistency; an atomic remote must not move any ref.
func TestPushAllAtomicDegradedMode(t *testing.T) {
	ctx := context.Background()

	f := gitrepo.NewFake("development/5.1", "development/6.0")
	sha := f.Commit("development/5.1")

	f.AtomicSupported = false
	f.FailRef = "development/6.0"

	err := f.PushAllAtomic(ctx, []gitrepo.RefUpdate{
		{Ref: "development/5.1", SHA: sha},
		{Ref: "development/6.0", SHA: sha},
	})
	if !errors.Is(err, gitrepo.ErrQueueInconsistency) {
		t.Fatalf("expected ErrQueueInconsistency, got %v", err)
	}

	f2 := gitrepo.NewFake("development/5.1", "development/6.0")
	before := f2.RemoteSHA("development/6.0")
	sha2 := f2.Commit("development/5.1")
	f2.FailRef = "development/6.0"

	err = f2.PushAllAtomic(ctx, []gitrepo.RefUpdate{
		{Ref: "development/5.1", SHA: sha2},
		{Ref: "development/6.0", SHA: sha2},
	})
	if err == nil || errors.Is(err, gitrepo.ErrQueueInconsistency) {
		t.Fatalf("atomic mode must fail whole, got %v", err)
	}
	if f2.RemoteSHA("development/6.0") != before {
		t.Fatal("atomic failure must not move any ref")
	}
}
