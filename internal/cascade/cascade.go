// Package cascade materializes a pull request's changes across every
// version of its cascade: one integration branch per version, chained by
// merges, plus a child pull request per maintenance step.
package cascade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jogman/gatekeeper/internal/branch"
	"github.com/jogman/gatekeeper/internal/config"
	"github.com/jogman/gatekeeper/internal/gitrepo"
	"github.com/jogman/gatekeeper/internal/host"
)

// Step is one version of the cascade. The first step has no child pull
// request: the source pull request itself covers it.
type Step struct {
	Version     branch.Version
	Branch      string // w/<version>/<prefix>/<subname>
	Parent      string // source branch, or the previous step's Branch
	Development string // development/<version>
	Tip         string // set by Build after a successful push
	ChildPR     *host.PullRequest
}

// Plan is the ordered set of steps for one source pull request.
type Plan struct {
	Source *host.PullRequest
	Src    branch.Branch
	Steps  []Step
}

// Versions lists the plan's target versions in cascade order.
func (p *Plan) Versions() []branch.Version {
	out := make([]branch.Version, len(p.Steps))
	for i, s := range p.Steps {
		out[i] = s.Version
	}
	return out
}

// VersionStrings is Versions rendered for templates.
func (p *Plan) VersionStrings() []string {
	out := make([]string, len(p.Steps))
	for i, s := range p.Steps {
		out[i] = s.Version.String()
	}
	return out
}

// Engine builds and tears down integration branches.
type Engine struct {
	repo     gitrepo.Repository
	client   host.Client
	settings *config.Settings
	log      *slog.Logger
}

// New creates a cascade engine.
func New(repo gitrepo.Repository, client host.Client, settings *config.Settings, log *slog.Logger) *Engine {
	return &Engine{repo: repo, client: client, settings: settings, log: log}
}

// PlanFor computes the steps for a source pull request. The destination
// must already be validated as an active development branch.
func (e *Engine) PlanFor(pr *host.PullRequest, lat *branch.Lattice) (*Plan, error) {
	src := branch.Parse(pr.SrcBranch)
	dst := branch.Parse(pr.DstBranch)

	versions, err := lat.Cascade(dst.Version)
	if err != nil {
		return nil, err
	}

	plan := &Plan{Source: pr, Src: src}
	parent := pr.SrcBranch
	for _, v := range versions {
		step := Step{
			Version:     v,
			Branch:      branch.IntegrationRef(v, src.Prefix, src.Subname),
			Parent:      parent,
			Development: branch.DevelopmentRef(v),
		}
		plan.Steps = append(plan.Steps, step)
		parent = step.Branch
	}
	return plan, nil
}

// Build materializes the plan: for each step, create or reset the
// integration branch, merge the parent and the development branch into
// it, push, then open the child pull request. A conflict halts the
// cascade at that step and is returned as *gitrepo.MergeConflictError;
// steps past it are left untouched.
func (e *Engine) Build(ctx context.Context, plan *Plan) error {
	if err := e.repo.Fetch(ctx); err != nil {
		return err
	}

	// Single-target changes can ride their own source branch when the
	// destination has not moved since, sparing the integration branch.
	if len(plan.Steps) == 1 && !e.settings.AlwaysBranches() {
		step := &plan.Steps[0]
		ok, err := e.repo.IsAncestor(ctx, "origin/"+step.Development, "origin/"+plan.Source.SrcBranch)
		if err != nil {
			return err
		}
		if ok {
			tip, err := e.repo.ResolveRef(ctx, "origin/"+plan.Source.SrcBranch)
			if err != nil {
				return err
			}
			step.Branch = plan.Source.SrcBranch
			step.Tip = tip
			return nil
		}
	}

	for i := range plan.Steps {
		step := &plan.Steps[i]

		uptodate, err := e.stepUpToDate(ctx, step)
		if err != nil {
			return err
		}
		if uptodate {
			tip, err := e.repo.ResolveRef(ctx, "origin/"+step.Branch)
			if err != nil {
				return err
			}
			step.Tip = tip
		} else {
			if err := e.buildStep(ctx, step); err != nil {
				return err
			}
		}

		// The child PR is created only after the push above succeeded,
		// so its source commit is already reachable on the remote.
		if i > 0 && e.settings.AlwaysPullRequests() {
			if err := e.ensureChildPR(ctx, plan, step); err != nil {
				return err
			}
		}
	}
	return nil
}

// stepUpToDate reports whether the remote integration branch already
// reaches both its parent and its development branch, in which case the
// merge work can be skipped.
func (e *Engine) stepUpToDate(ctx context.Context, step *Step) (bool, error) {
	if _, err := e.repo.ResolveRef(ctx, "origin/"+step.Branch); err != nil {
		if errors.Is(err, gitrepo.ErrRefNotFound) {
			return false, nil
		}
		return false, err
	}
	for _, ref := range []string{step.Parent, step.Development} {
		ok, err := e.repo.IsAncestor(ctx, "origin/"+ref, "origin/"+step.Branch)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (e *Engine) buildStep(ctx context.Context, step *Step) error {
	start := "origin/" + step.Branch
	if _, err := e.repo.ResolveRef(ctx, start); err != nil {
		if !errors.Is(err, gitrepo.ErrRefNotFound) {
			return err
		}
		start = "origin/" + step.Development
	}
	if err := e.repo.CreateBranch(ctx, step.Branch, start); err != nil {
		return err
	}

	for _, ref := range []string{step.Parent, step.Development} {
		tip, err := e.repo.Merge(ctx, step.Branch, "origin/"+ref)
		if err != nil {
			if gitrepo.IsMergeConflict(err) {
				e.log.Info("cascade conflict", "branch", step.Branch, "from", ref)
			}
			return err
		}
		step.Tip = tip
	}

	if err := e.repo.Push(ctx, step.Branch); err != nil {
		return err
	}
	e.log.Debug("integration branch pushed", "branch", step.Branch, "tip", step.Tip)
	return nil
}

func (e *Engine) ensureChildPR(ctx context.Context, plan *Plan, step *Step) error {
	existing, err := e.client.FindPullRequest(ctx, step.Branch, step.Development)
	if err != nil {
		return err
	}
	if existing != nil {
		step.ChildPR = existing
		return nil
	}

	src := plan.Source
	pr, err := e.client.CreatePullRequest(ctx, host.CreatePullRequestOpts{
		Title: fmt.Sprintf("[%s] #%d: %s", step.Development, src.ID, src.Title),
		Description: fmt.Sprintf(
			"Automated cascade of #%d onto `%s`.\n\nDo not merge manually.",
			src.ID, step.Development),
		SrcBranch: step.Branch,
		DstBranch: step.Development,
	})
	if err != nil {
		return err
	}
	step.ChildPR = pr
	e.log.Info("child pull request created",
		"pr", pr.ID, "src", step.Branch, "dst", step.Development)
	return nil
}

// Cleanup deletes the integration branches left behind by a pull request
// that is no longer open. Only bot-owned refs are touched.
func (e *Engine) Cleanup(ctx context.Context, pr *host.PullRequest) error {
	src := branch.Parse(pr.SrcBranch)
	if !src.IsSource() {
		return nil
	}
	refs, err := e.repo.ListRefs(ctx, "w/")
	if err != nil {
		return err
	}
	suffix := "/" + src.Prefix + "/" + src.Subname
	for _, ref := range refs {
		if !strings.HasSuffix(ref.Name, suffix) {
			continue
		}
		if err := e.repo.DeleteBranch(ctx, ref.Name); err != nil && !errors.Is(err, gitrepo.ErrRefNotFound) {
			return err
		}
		e.log.Debug("integration branch deleted", "branch", ref.Name, "pr", pr.ID)
	}
	return nil
}

// SourcePR resolves a child pull request back to its source: a pull
// request whose source branch is an integration branch belongs to the
// pull request on the matching feature branch. Returns pr unchanged when
// it is not a child.
func (e *Engine) SourcePR(ctx context.Context, pr *host.PullRequest) (*host.PullRequest, error) {
	src := branch.Parse(pr.SrcBranch)
	if src.Kind != branch.KindIntegration {
		return pr, nil
	}
	open, err := e.client.ListOpenPullRequests(ctx)
	if err != nil {
		return nil, err
	}
	want := src.Prefix + "/" + src.Subname
	for i := range open {
		if open[i].SrcBranch == want {
			return &open[i], nil
		}
	}
	return pr, nil
}
