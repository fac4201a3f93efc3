// Package gate drives a pull request through the gating state machine:
// branch checks, issue tracker, approvals, builds, then cascade build
// and queue admission. Every cycle is recomputed from observable state;
// nothing about the machine is persisted.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jogman/gatekeeper/internal/branch"
	"github.com/jogman/gatekeeper/internal/cascade"
	"github.com/jogman/gatekeeper/internal/comments"
	"github.com/jogman/gatekeeper/internal/config"
	"github.com/jogman/gatekeeper/internal/gitrepo"
	"github.com/jogman/gatekeeper/internal/host"
	"github.com/jogman/gatekeeper/internal/jira"
	"github.com/jogman/gatekeeper/internal/mergequeue"
	"github.com/jogman/gatekeeper/internal/statuscache"
)

// Handler wires the gate to its collaborators. One instance serves the
// whole repository; all methods run on the single worker.
type Handler struct {
	settings *config.Settings
	client   host.Client
	repo     gitrepo.Repository
	tracker  jira.Tracker // nil disables issue checks
	cache    *statuscache.Cache
	notifier *comments.Notifier
	engine   *cascade.Engine
	queue    *mergequeue.Queue
	log      *slog.Logger
}

// NewHandler assembles a gate handler.
func NewHandler(
	settings *config.Settings,
	client host.Client,
	repo gitrepo.Repository,
	tracker jira.Tracker,
	cache *statuscache.Cache,
	notifier *comments.Notifier,
	engine *cascade.Engine,
	queue *mergequeue.Queue,
	log *slog.Logger,
) *Handler {
	return &Handler{
		settings: settings,
		client:   client,
		repo:     repo,
		tracker:  tracker,
		cache:    cache,
		notifier: notifier,
		engine:   engine,
		queue:    queue,
		log:      log,
	}
}

// HandlePullRequest runs one full gating cycle for a pull request. The
// returned verdict has already been acted upon (comments posted, queue
// advanced).
func (h *Handler) HandlePullRequest(ctx context.Context, id int64) (Verdict, error) {
	pr, err := h.client.GetPullRequest(ctx, id)
	if err != nil {
		return silent(CodeNothingToDo), err
	}

	if pr.State != host.PRStateOpen {
		if err := h.engine.Cleanup(ctx, pr); err != nil {
			return silent(CodeNothingToDo), err
		}
		return silent(CodeNothingToDo), nil
	}

	// Events on a child pull request belong to its source.
	pr, err = h.engine.SourcePR(ctx, pr)
	if err != nil {
		return silent(CodeNothingToDo), err
	}

	src := branch.Parse(pr.SrcBranch)
	switch src.Kind {
	case branch.KindFeature, branch.KindBugfix, branch.KindImprovement:
	case branch.KindOther:
		if strings.Contains(pr.SrcBranch, "/") {
			v := notify(CodePrefixForbidden, "prefix-forbidden", map[string]any{
				"Prefix":  strings.SplitN(pr.SrcBranch, "/", 2)[0],
				"Allowed": []string{"feature", "bugfix", "improvement"},
			})
			return v, h.post(ctx, pr.ID, v)
		}
		return silent(CodeNotOurs), nil
	default:
		// hotfix/, user/ and bot-owned branches are none of our business.
		return silent(CodeNotOurs), nil
	}

	if err := h.repo.Fetch(ctx); err != nil {
		return silent(CodeNothingToDo), err
	}
	lat, err := h.lattice(ctx)
	if err != nil {
		return silent(CodeNothingToDo), err
	}

	dst := branch.Parse(pr.DstBranch)
	if dst.Kind != branch.KindDevelopment || !lat.Contains(dst.Version) {
		v := notify(CodeBranchInvalid, "branch-invalid", map[string]any{
			"Destination": pr.DstBranch,
			"Active":      developmentRefs(lat),
		})
		return v, h.post(ctx, pr.ID, v)
	}
	if !lat.Admits(dst.Version, src.Prefix) {
		tip, _ := lat.Tip()
		v := notify(CodeNoFeatures, "no-features", map[string]any{
			"Destination": pr.DstBranch,
			"Tip":         tip.String(),
		})
		return v, h.post(ctx, pr.ID, v)
	}

	cs, err := h.client.ListComments(ctx, pr.ID)
	if err != nil {
		return silent(CodeNothingToDo), err
	}
	opts := ParseOptions(h.settings, pr, cs)

	if err := h.greet(ctx, pr, dst.Version, lat); err != nil {
		return silent(CodeNothingToDo), err
	}
	for _, verb := range opts.Unknown {
		_, err := h.notifier.Send(ctx, pr.ID, "unknown-command", "unknown-command-"+verb, map[string]any{
			"Command":   verb,
			"Available": commandVerbs,
		})
		if err != nil {
			return silent(CodeNothingToDo), err
		}
	}

	plan, err := h.engine.PlanFor(pr, lat)
	if err != nil {
		return silent(CodeNothingToDo), err
	}

	if opts.ResetRequested {
		if err := h.reset(ctx, pr, opts); err != nil {
			return silent(CodeNothingToDo), err
		}
	}
	if opts.StatusRequested {
		if err := h.postStatus(ctx, pr, plan, opts); err != nil {
			return silent(CodeNothingToDo), err
		}
	}
	if opts.Wait {
		return silent(CodeNothingToDo), nil
	}

	if v, err := h.checkIssue(ctx, src, dst.Version, lat, opts); err != nil {
		return silent(CodeNothingToDo), err
	} else if v != nil {
		return *v, h.post(ctx, pr.ID, *v)
	}

	if h.settings.MaxCommitDiff > 0 && !opts.BypassCommitSize && pr.CommitCount > h.settings.MaxCommitDiff {
		v := notify(CodeCommitTooLarge, "commit-too-large", map[string]any{
			"Count": pr.CommitCount,
			"Max":   h.settings.MaxCommitDiff,
		})
		return v, h.post(ctx, pr.ID, v)
	}

	if err := h.engine.Build(ctx, plan); err != nil {
		var mc *gitrepo.MergeConflictError
		if errors.As(err, &mc) {
			v := notify(CodeConflict, "conflict", map[string]any{
				"Into": strings.TrimPrefix(mc.Into, "origin/"),
				"From": strings.TrimPrefix(mc.From, "origin/"),
			})
			return v, h.post(ctx, pr.ID, v)
		}
		return silent(CodeNothingToDo), err
	}

	reviews, err := h.client.ListReviews(ctx, pr.ID)
	if err != nil {
		return silent(CodeNothingToDo), err
	}
	if gap := checkApprovals(h.settings, pr, reviews, opts); !gap.satisfied() {
		v := notify(approvalCode(gap), "need-approval", map[string]any{
			"NeedAuthor":     gap.NeedAuthor,
			"PeersMissing":   gap.PeersMissing,
			"LeadersMissing": gap.LeadersMissing,
			"Leaders":        h.settings.ProjectLeaders,
		})
		return v, h.post(ctx, pr.ID, v)
	}

	if !opts.BypassBuildStatus {
		if v, err := h.checkBuilds(ctx, pr, plan); err != nil {
			return silent(CodeNothingToDo), err
		} else if v != nil {
			return *v, h.post(ctx, pr.ID, *v)
		}
	}

	return h.land(ctx, pr, plan)
}

// land merges an admitted changeset, through the queue or directly
// depending on the queue policy.
func (h *Handler) land(ctx context.Context, pr *host.PullRequest, plan *cascade.Plan) (Verdict, error) {
	direct := !h.settings.QueuesEnabled() ||
		(h.settings.SkipQueueWhenPossible && len(h.queue.Entries()) == 0)
	if direct {
		updates := make([]gitrepo.RefUpdate, 0, len(plan.Steps))
		for _, step := range plan.Steps {
			updates = append(updates, gitrepo.RefUpdate{Ref: step.Development, SHA: step.Tip})
		}
		if err := h.repo.PushAllAtomic(ctx, updates); err != nil {
			if errors.Is(err, gitrepo.ErrQueueInconsistency) {
				return silent(CodeQueueInconsistency), err
			}
			return silent(CodeNothingToDo), err
		}
		v := notify(CodeMerged, "merged", map[string]any{
			"Author":   pr.Author,
			"Versions": plan.VersionStrings(),
		})
		return v, h.post(ctx, pr.ID, v)
	}

	if h.queue.Inconsistent() {
		return silent(CodeQueueInconsistency), nil
	}

	if _, err := h.queue.Admit(ctx, plan); err != nil {
		var mc *gitrepo.MergeConflictError
		if errors.As(err, &mc) {
			v := notify(CodeConflict, "conflict", map[string]any{
				"Into": strings.TrimPrefix(mc.Into, "origin/"),
				"From": strings.TrimPrefix(mc.From, "origin/"),
			})
			return v, h.post(ctx, pr.ID, v)
		}
		return silent(CodeNothingToDo), err
	}
	v := notify(CodeQueued, "queued", map[string]any{
		"Versions": plan.VersionStrings(),
	})
	if err := h.post(ctx, pr.ID, v); err != nil {
		return v, err
	}

	results, err := h.queue.Evaluate(ctx)
	if nerr := h.notifyResults(ctx, results); nerr != nil && err == nil {
		err = nerr
	}
	for _, r := range results {
		if r.Entry.PRID == pr.ID && r.Outcome == mergequeue.OutcomePromoted {
			return silent(CodeMerged), err
		}
	}
	return silent(CodeQueued), err
}

// HandleCommit reacts to a build-status change on a commit: re-evaluate
// the queue, then re-run gating for any open pull request at that
// commit.
func (h *Handler) HandleCommit(ctx context.Context, sha string) (Verdict, error) {
	results, err := h.queue.Evaluate(ctx)
	if nerr := h.notifyResults(ctx, results); nerr != nil && err == nil {
		err = nerr
	}
	if err != nil {
		return silent(CodeNothingToDo), err
	}

	prs, err := h.client.ListOpenPullRequests(ctx)
	if err != nil {
		return silent(CodeNothingToDo), err
	}
	verdict := silent(CodeNothingToDo)
	for i := range prs {
		if prs[i].SrcCommit != sha {
			continue
		}
		verdict, err = h.HandlePullRequest(ctx, prs[i].ID)
		if err != nil {
			return verdict, err
		}
	}
	return verdict, nil
}

// HandleTimer is the periodic sweep: queue evaluation plus a fresh
// gating cycle for every open source pull request, so nothing is lost
// to a dropped webhook.
func (h *Handler) HandleTimer(ctx context.Context) (Verdict, error) {
	results, err := h.queue.Evaluate(ctx)
	if nerr := h.notifyResults(ctx, results); nerr != nil && err == nil {
		err = nerr
	}
	if err != nil {
		return silent(CodeNothingToDo), err
	}

	prs, err := h.client.ListOpenPullRequests(ctx)
	if err != nil {
		return silent(CodeNothingToDo), err
	}
	for i := range prs {
		if !branch.Parse(prs[i].SrcBranch).IsSource() {
			continue
		}
		if _, err := h.HandlePullRequest(ctx, prs[i].ID); err != nil {
			return silent(CodeNothingToDo), err
		}
	}
	return silent(CodeNothingToDo), nil
}

// notifyResults posts the comments for entries that left the queue.
func (h *Handler) notifyResults(ctx context.Context, results []mergequeue.Result) error {
	for _, r := range results {
		switch r.Outcome {
		case mergequeue.OutcomePromoted:
			pr, err := h.client.GetPullRequest(ctx, r.Entry.PRID)
			if err != nil {
				return err
			}
			versions := make([]string, 0, len(r.Entry.Wavefront))
			for _, v := range r.Entry.Versions() {
				versions = append(versions, v.String())
			}
			if _, err := h.notifier.Send(ctx, r.Entry.PRID, "merged", "", map[string]any{
				"Author":   pr.Author,
				"Versions": versions,
			}); err != nil {
				return err
			}
		case mergequeue.OutcomeEvicted:
			id := "queue-build-failed-" + shortSHA(r.Entry.SHA)
			if _, err := h.notifier.Send(ctx, r.Entry.PRID, "queue-build-failed", id, map[string]any{
				"Version": r.FailedVersion.String(),
				"URL":     r.BuildURL,
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

// checkBuilds enforces the build clause: the source commit plus every
// integration tip carrying a child pull request must be green.
func (h *Handler) checkBuilds(ctx context.Context, pr *host.PullRequest, plan *cascade.Plan) (*Verdict, error) {
	targets := []struct{ name, sha string }{{pr.SrcBranch, pr.SrcCommit}}
	for _, step := range plan.Steps[1:] {
		targets = append(targets, struct{ name, sha string }{step.Branch, step.Tip})
	}

	waiting := CodeBuildNotStarted
	pending := false
	for _, t := range targets {
		if t.sha == "" {
			pending = true
			continue
		}
		state, err := h.cache.Status(ctx, h.client, t.sha, h.settings.BuildKey)
		if err != nil {
			return nil, err
		}
		switch state {
		case host.BuildSuccessful:
		case host.BuildFailed, host.BuildStopped:
			v := notify(CodeBuildFailed, "build-failed", map[string]any{
				"Branch": t.name,
				"Key":    h.settings.BuildKey,
			})
			return &v, nil
		case host.BuildInProgress:
			pending = true
			waiting = CodeBuildInProgress
		default:
			pending = true
		}
	}
	if pending {
		v := silent(waiting)
		return &v, nil
	}
	return nil, nil
}

// greet posts the welcome comment once and, with it, the configured
// review tasks.
func (h *Handler) greet(ctx context.Context, pr *host.PullRequest, dst branch.Version, lat *branch.Lattice) error {
	versions, err := lat.Cascade(dst)
	if err != nil {
		return err
	}
	names := make([]string, len(versions))
	for i, v := range versions {
		names[i] = v.String()
	}
	posted, err := h.notifier.Send(ctx, pr.ID, "init", "", map[string]any{
		"Author":      pr.Author,
		"Bot":         h.settings.Robot.Username,
		"Destination": pr.DstBranch,
		"Cascade":     names,
	})
	if err != nil || !posted {
		return err
	}
	for _, task := range h.settings.Tasks {
		if err := h.client.AddTask(ctx, pr.ID, task); err != nil {
			return err
		}
	}
	return nil
}

// reset tears down the bot's branches for this pull request so the next
// cycle rebuilds them from scratch. force_reset also drops the queue
// entry and re-synchronizes the queue.
func (h *Handler) reset(ctx context.Context, pr *host.PullRequest, opts Options) error {
	if err := h.engine.Cleanup(ctx, pr); err != nil {
		return err
	}
	if opts.ForceResetRequested {
		refs, err := h.repo.ListRefs(ctx, "q/")
		if err != nil {
			return err
		}
		for _, ref := range refs {
			if branch.Parse(ref.Name).PRID == pr.ID {
				if err := h.repo.DeleteBranch(ctx, ref.Name); err != nil {
					return err
				}
			}
		}
		if err := h.queue.Reset(ctx); err != nil {
			return err
		}
	}
	id := fmt.Sprintf("reset-%d", opts.ResetCommentID)
	_, err := h.notifier.Send(ctx, pr.ID, "reset", id, map[string]any{
		"Force": opts.ForceResetRequested,
	})
	return err
}

// postStatus answers a status command with the per-version progress
// table.
func (h *Handler) postStatus(ctx context.Context, pr *host.PullRequest, plan *cascade.Plan, opts Options) error {
	type row struct {
		Version string
		Branch  string
		Build   string
	}
	var rows []row
	for _, step := range plan.Steps {
		r := row{Version: step.Version.String()}
		sha, err := h.repo.ResolveRef(ctx, "origin/"+step.Branch)
		if err == nil {
			r.Branch = step.Branch
			state, serr := h.cache.Status(ctx, h.client, sha, h.settings.BuildKey)
			if serr == nil {
				r.Build = string(state)
			}
		} else if !errors.Is(err, gitrepo.ErrRefNotFound) {
			return err
		}
		rows = append(rows, r)
	}

	id := fmt.Sprintf("status-%d", opts.StatusCommentID)
	_, err := h.notifier.Send(ctx, pr.ID, "status", id, map[string]any{
		"Rows":    rows,
		"Queued":  h.queue.Contains(pr.ID),
		"Options": opts.active(),
	})
	return err
}

func (h *Handler) post(ctx context.Context, prID int64, v Verdict) error {
	if v.Silent() {
		return nil
	}
	id := v.MessageID
	if id == "" {
		id = v.Template
	}
	_, err := h.notifier.Send(ctx, prID, v.Template, id, v.Data)
	return err
}

func (h *Handler) lattice(ctx context.Context) (*branch.Lattice, error) {
	refs, err := h.repo.ListRefs(ctx, "development/")
	if err != nil {
		return nil, err
	}
	names := make([]string, len(refs))
	for i, r := range refs {
		names[i] = r.Name
	}
	return branch.NewLattice(names), nil
}

func approvalCode(gap approvalGap) Code {
	switch {
	case gap.NeedAuthor:
		return CodeAuthorApprovalRequired
	case gap.PeersMissing > 0 || len(gap.ChangesRequested) > 0:
		return CodePeerApprovalRequired
	default:
		return CodeLeaderApprovalRequired
	}
}

func developmentRefs(lat *branch.Lattice) []string {
	var out []string
	for _, v := range lat.Versions() {
		out = append(out, branch.DevelopmentRef(v))
	}
	return out
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}

// active lists the option names in effect, for the status comment.
func (o Options) active() []string {
	var out []string
	add := func(on bool, name string) {
		if on {
			out = append(out, name)
		}
	}
	add(o.Wait, "wait")
	add(o.Unanimity, "unanimity")
	add(o.BypassAuthorApproval, "bypass_author_approval")
	add(o.BypassPeerApproval, "bypass_peer_approval")
	add(o.BypassLeaderApproval, "bypass_leader_approval")
	add(o.BypassJiraCheck, "bypass_jira_check")
	add(o.BypassBuildStatus, "bypass_build_status")
	add(o.BypassCommitSize, "bypass_commit_size")
	return out
}
