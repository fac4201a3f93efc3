package gitrepo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/multierr"

	"github.com/jogman/gatekeeper/internal/branch"
)

const (
	// gitTimeout bounds every git subprocess invocation.
	gitTimeout = 5 * time.Minute

	// Retry policy for network-facing git commands: exponential backoff
	// from 1s, capped at 5 minutes per wait, 1 hour total.
	retryBase   = 1 * time.Second
	retryCap    = 5 * time.Minute
	retryBudget = 1 * time.Hour
)

// Local implements Repository with git subprocesses over a mirror clone
// kept under a per-repo cache directory, plus a disposable worktree for
// merge work. The mirror is exclusively owned by the single worker.
type Local struct {
	url      string
	mirror   string
	worktree string
	botName  string
	botEmail string
}

var _ Repository = (*Local)(nil)

// NewLocal prepares a Local repository for the given clone URL. The mirror
// lives under cacheDir and survives across jobs; the worktree is recreated
// on demand and removed by Close.
func NewLocal(ctx context.Context, cacheDir, url, botName, botEmail string) (*Local, error) {
	mirror := filepath.Join(cacheDir, "mirror.git")

	l := &Local{
		url:      url,
		mirror:   mirror,
		botName:  botName,
		botEmail: botEmail,
	}

	if _, err := os.Stat(mirror); os.IsNotExist(err) {
		if err := os.MkdirAll(cacheDir, 0o755); err != nil {
			return nil, fmt.Errorf("create cache dir: %w", err)
		}
		if _, err := l.git(ctx, cacheDir, "clone", "--mirror", url, mirror); err != nil {
			return nil, fmt.Errorf("mirror clone: %w", err)
		}
	}

	return l, nil
}

// Close removes the worktree. The mirror stays for the next run.
func (l *Local) Close() error {
	if l.worktree == "" {
		return nil
	}
	err := os.RemoveAll(l.worktree)
	l.worktree = ""
	return err
}

// git runs a git command in dir with the bot identity and a hard timeout.
func (l *Local) git(ctx context.Context, dir string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_TERMINAL_PROMPT=0",
		"GIT_AUTHOR_NAME="+l.botName,
		"GIT_AUTHOR_EMAIL="+l.botEmail,
		"GIT_COMMITTER_NAME="+l.botName,
		"GIT_COMMITTER_EMAIL="+l.botEmail,
	)

	out, err := cmd.CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("git %s: %w\n%s", strings.Join(args, " "), err, out)
	}
	return out, nil
}

// gitRetry runs a network-facing git command under the retry policy.
// Permanent rejections (non-fast-forward, refused hook, bad credentials)
// fail immediately; everything else is retried until the budget runs
// out, and the exhausted error is returned as-is so callers do not
// retry it a second time.
func (l *Local) gitRetry(ctx context.Context, dir string, args ...string) ([]byte, error) {
	backoff := retry.WithCappedDuration(retryCap, retry.NewExponential(retryBase))
	backoff = retry.WithMaxDuration(retryBudget, backoff)

	var out []byte
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var err error
		out, err = l.git(ctx, dir, args...)
		if err != nil {
			if permanentGitError(out) {
				return err
			}
			return retry.RetryableError(err)
		}
		return nil
	})
	return out, err
}

// permanentGitError reports whether the command output indicates a
// failure no amount of retrying will fix.
func permanentGitError(out []byte) bool {
	s := strings.ToLower(string(out))
	for _, marker := range []string{
		"non-fast-forward",
		"[rejected]",
		"[remote rejected]",
		"pre-receive hook declined",
		"authentication failed",
		"permission denied",
		"repository not found",
	} {
		if strings.Contains(s, marker) {
			return true
		}
	}
	return false
}

// atomicUnsupported reports whether the remote refused the push because
// it cannot do atomic ref updates, as opposed to rejecting a ref.
func atomicUnsupported(out []byte) bool {
	s := strings.ToLower(string(out))
	return strings.Contains(s, "does not support --atomic") ||
		strings.Contains(s, "atomic push is not supported") ||
		strings.Contains(s, "atomic push not supported")
}

func (l *Local) Fetch(ctx context.Context) error {
	if _, err := l.gitRetry(ctx, l.mirror, "fetch", "--prune", "origin"); err != nil {
		return fmt.Errorf("fetch mirror: %w", err)
	}
	return nil
}

// ensureWorktree creates the disposable worktree as a shared clone of the
// mirror, with the real remote registered as "upstream" for pushes.
func (l *Local) ensureWorktree(ctx context.Context) error {
	if l.worktree != "" {
		return nil
	}

	dir, err := os.MkdirTemp("", "gatekeeper-wt-*")
	if err != nil {
		return fmt.Errorf("create worktree dir: %w", err)
	}

	if _, err := l.git(ctx, filepath.Dir(dir), "clone", "--shared", l.mirror, dir); err != nil {
		rmErr := os.RemoveAll(dir)
		return multierr.Append(fmt.Errorf("worktree clone: %w", err), rmErr)
	}

	if _, err := l.git(ctx, dir, "remote", "add", "upstream", l.url); err != nil {
		rmErr := os.RemoveAll(dir)
		return multierr.Append(fmt.Errorf("register upstream: %w", err), rmErr)
	}

	l.worktree = dir
	return nil
}

// mirrorRef translates caller-side "origin/<name>" refs to the mirror's
// refs/heads namespace.
func mirrorRef(name string) string {
	if rest, ok := strings.CutPrefix(name, "origin/"); ok {
		return "refs/heads/" + rest
	}
	return name
}

func (l *Local) ResolveRef(ctx context.Context, name string) (string, error) {
	out, err := l.git(ctx, l.mirror, "rev-parse", "--verify", mirrorRef(name)+"^{commit}")
	if err != nil {
		return "", ErrRefNotFound
	}
	return strings.TrimSpace(string(out)), nil
}

func (l *Local) ListRefs(ctx context.Context, prefix string) ([]Ref, error) {
	out, err := l.git(ctx, l.mirror, "for-each-ref",
		"--format=%(refname:lstrip=2) %(objectname) %(creatordate:unix)",
		"refs/heads/"+prefix)
	if err != nil {
		return nil, fmt.Errorf("list refs %q: %w", prefix, err)
	}

	var refs []Ref
	for line := range strings.Lines(string(out)) {
		fields := strings.Fields(line)
		if len(fields) != 3 {
			continue
		}
		unix, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil {
			continue
		}
		refs = append(refs, Ref{
			Name:      fields[0],
			SHA:       fields[1],
			CreatedAt: time.Unix(unix, 0),
		})
	}
	return refs, nil
}

func (l *Local) CreateBranch(ctx context.Context, name, from string) error {
	if !branch.BotOwned(name) {
		return fmt.Errorf("create %s: %w", name, ErrForbiddenRef)
	}
	if err := l.ensureWorktree(ctx); err != nil {
		return err
	}

	if _, err := l.git(ctx, l.worktree, "fetch", "origin", "--prune"); err != nil {
		return fmt.Errorf("refresh worktree: %w", err)
	}
	if _, err := l.git(ctx, l.worktree, "checkout", "-B", name, from); err != nil {
		return fmt.Errorf("create branch %s from %s: %w", name, from, err)
	}
	return nil
}

func (l *Local) Merge(ctx context.Context, branchName, ref string) (string, error) {
	if err := l.ensureWorktree(ctx); err != nil {
		return "", err
	}

	if _, err := l.git(ctx, l.worktree, "checkout", branchName); err != nil {
		return "", fmt.Errorf("checkout %s: %w", branchName, err)
	}

	msg := fmt.Sprintf("Merge %s into %s", ref, branchName)
	out, err := l.git(ctx, l.worktree, "merge", "--no-ff", "-m", msg, ref)
	if err != nil {
		if strings.Contains(string(out), "CONFLICT") || strings.Contains(string(out), "Automatic merge failed") {
			if _, abortErr := l.git(ctx, l.worktree, "merge", "--abort"); abortErr != nil {
				slog.Warn("merge abort failed", "branch", branchName, "error", abortErr)
			}
			return "", &MergeConflictError{Into: branchName, From: ref, Output: string(out)}
		}
		return "", fmt.Errorf("merge %s into %s: %w", ref, branchName, err)
	}

	shaOut, err := l.git(ctx, l.worktree, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("rev-parse: %w", err)
	}
	return strings.TrimSpace(string(shaOut)), nil
}

func (l *Local) Push(ctx context.Context, name string) error {
	if err := l.ensureWorktree(ctx); err != nil {
		return err
	}

	if _, err := l.gitRetry(ctx, l.worktree, "push", "--force-with-lease", "upstream",
		name+":refs/heads/"+name); err != nil {
		return fmt.Errorf("push %s: %w", name, err)
	}

	// Keep the mirror current so subsequent resolves see the new tip.
	return l.Fetch(ctx)
}

func (l *Local) PushAllAtomic(ctx context.Context, updates []RefUpdate) error {
	if err := l.ensureWorktree(ctx); err != nil {
		return err
	}

	args := []string{"push", "--atomic", "upstream"}
	for _, u := range updates {
		args = append(args, u.SHA+":refs/heads/"+u.Ref)
	}

	out, err := l.gitRetry(ctx, l.worktree, args...)
	if err == nil {
		return l.Fetch(ctx)
	}
	if !atomicUnsupported(out) {
		// The push failed atomically: no ref moved and the queue state
		// is still consistent. A ref race resolves on re-evaluation.
		return fmt.Errorf("atomic push: %w", err)
	}

	// Degraded mode: the remote cannot do atomic pushes at all (old git,
	// or a host that rejects --atomic). Push sequentially and track
	// partial failure.
	slog.Warn("remote lacks atomic push support, degrading to sequential pushes", "refs", len(updates))

	var pushed int
	var errs error
	for _, u := range updates {
		if _, err := l.gitRetry(ctx, l.worktree, "push", "upstream", u.SHA+":refs/heads/"+u.Ref); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("push %s: %w", u.Ref, err))
			continue
		}
		pushed++
	}

	if errs == nil {
		return l.Fetch(ctx)
	}
	if pushed == 0 {
		// Nothing moved; the queue state is still consistent.
		return errs
	}
	return multierr.Append(ErrQueueInconsistency, errs)
}

func (l *Local) DeleteBranch(ctx context.Context, name string) error {
	if !branch.BotOwned(name) {
		return fmt.Errorf("delete %s: %w", name, ErrForbiddenRef)
	}
	if err := l.ensureWorktree(ctx); err != nil {
		return err
	}

	if _, err := l.gitRetry(ctx, l.worktree, "push", "upstream", ":refs/heads/"+name); err != nil {
		return fmt.Errorf("delete %s: %w", name, err)
	}
	return l.Fetch(ctx)
}

func (l *Local) IsAncestor(ctx context.Context, ancestor, descendant string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()

	// The mirror holds the remote's refs under refs/heads directly.
	cmd := exec.CommandContext(ctx, "git", "merge-base", "--is-ancestor",
		mirrorRef(ancestor), mirrorRef(descendant))
	cmd.Dir = l.mirror

	err := cmd.Run()
	if err == nil {
		return true, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		return false, nil
	}
	return false, fmt.Errorf("merge-base --is-ancestor %s %s: %w", ancestor, descendant, err)
}
