package host_test

import (
	"context"
	"testing"

	"github.com/jogman/gatekeeper/internal/host"
)

func TestMockTipResolverTracksSourceCommit(t *testing.T) {
	ctx := context.Background()
	tips := map[string]string{"w/7.0/bugfix/PROJ-1": "aaa111"}

	m := host.NewMock("org", "app", "bot")
	m.TipResolver = func(branch string) string { return tips[branch] }

	pr, err := m.CreatePullRequest(ctx, host.CreatePullRequestOpts{
		Title:     "[development/7.0] #1: fix",
		SrcBranch: "w/7.0/bugfix/PROJ-1",
		DstBranch: "development/7.0",
	})
	if err != nil {
		t.Fatal(err)
	}
	if pr.SrcCommit != "aaa111" {
		t.Fatalf("created PR src commit = %q, want branch tip", pr.SrcCommit)
	}

	// The branch moves; every read reflects the new tip.
	tips["w/7.0/bugfix/PROJ-1"] = "bbb222"

	got, err := m.GetPullRequest(ctx, pr.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.SrcCommit != "bbb222" {
		t.Errorf("GetPullRequest src commit = %q, want bbb222", got.SrcCommit)
	}

	open, err := m.ListOpenPullRequests(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 1 || open[0].SrcCommit != "bbb222" {
		t.Errorf("ListOpenPullRequests = %+v, want refreshed src commit", open)
	}

	found, err := m.FindPullRequest(ctx, "w/7.0/bugfix/PROJ-1", "development/7.0")
	if err != nil {
		t.Fatal(err)
	}
	if found == nil || found.SrcCommit != "bbb222" {
		t.Errorf("FindPullRequest src commit = %+v, want bbb222", found)
	}
}

func TestMockWithoutResolverKeepsSeededCommit(t *testing.T) {
	ctx := context.Background()
	m := host.NewMock("org", "app", "bot")

	pr := m.SeedPullRequest(host.PullRequest{
		SrcBranch: "bugfix/PROJ-1",
		DstBranch: "development/6.0",
		SrcCommit: "ccc333",
	})

	got, err := m.GetPullRequest(ctx, pr.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.SrcCommit != "ccc333" {
		t.Errorf("src commit = %q, want seeded value", got.SrcCommit)
	}
}
