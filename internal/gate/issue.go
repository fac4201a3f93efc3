package gate

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/jogman/gatekeeper/internal/branch"
	"github.com/jogman/gatekeeper/internal/jira"
)

// checkIssue runs the issue-tracker clause. A nil verdict means the
// clause passed; a non-nil error is transient (tracker unreachable) and
// retried by the dispatcher.
func (h *Handler) checkIssue(ctx context.Context, src branch.Branch, dst branch.Version, lat *branch.Lattice, opts Options) (*Verdict, error) {
	if opts.BypassJiraCheck || h.tracker == nil {
		return nil, nil
	}
	for _, p := range h.settings.BypassPrefixes {
		if p == src.Prefix {
			return nil, nil
		}
	}

	key := src.IssueKey()
	if key == "" {
		// Changes without a ticket are fine as long as they do not
		// propagate to maintenance lines.
		if tip, ok := lat.Tip(); ok && dst.Equal(tip) {
			return nil, nil
		}
		v := notify(CodeIssueCheckFailed, "issue-check-failed", map[string]any{
			"Key":    src.Subname,
			"Reason": "The source branch carries no issue reference, but the change cascades to maintenance branches which require one.",
		})
		return &v, nil
	}

	issue, err := h.tracker.GetIssue(ctx, key)
	if err != nil {
		var nf *jira.NotFoundError
		if errors.As(err, &nf) {
			v := notify(CodeIssueCheckFailed, "issue-check-failed", map[string]any{
				"Key":    key,
				"Reason": fmt.Sprintf("The issue `%s` does not exist in the tracker.", key),
			})
			return &v, nil
		}
		return nil, err
	}

	if len(h.settings.Prefixes) > 0 {
		expected, ok := h.settings.Prefixes[issue.Type]
		if !ok {
			v := notify(CodeIssueCheckFailed, "issue-check-failed", map[string]any{
				"Key":    key,
				"Reason": fmt.Sprintf("The issue type `%s` is not handled by this repository.", issue.Type),
			})
			return &v, nil
		}
		if expected != src.Prefix {
			v := notify(CodeIssueCheckFailed, "issue-check-failed", map[string]any{
				"Key": key,
				"Reason": fmt.Sprintf("The issue type `%s` requires a `%s/` branch, but the source branch uses `%s/`.",
					issue.Type, expected, src.Prefix),
			})
			return &v, nil
		}
	}

	if !h.settings.DisableVersionChecks {
		cascadeVersions, err := lat.Cascade(dst)
		if err != nil {
			return nil, err
		}
		expected := make([]string, len(cascadeVersions))
		for i, v := range cascadeVersions {
			expected[i] = v.String()
		}
		actual := append([]string(nil), issue.FixVersions...)
		sort.Strings(actual)

		if !equalSets(expected, actual) {
			v := notify(CodeIssueCheckFailed, "issue-check-failed", map[string]any{
				"Key":      key,
				"Reason":   "The issue's fix versions do not match the versions this change cascades to.",
				"Expected": expected,
				"Actual":   actual,
			})
			return &v, nil
		}
	}
	return nil, nil
}

func equalSets(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]bool, len(a))
	for _, s := range a {
		set[s] = true
	}
	for _, s := range b {
		if !set[s] {
			return false
		}
	}
	return true
}
