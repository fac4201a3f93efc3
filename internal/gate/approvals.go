package gate

import (
	"sort"

	"github.com/jogman/gatekeeper/internal/config"
	"github.com/jogman/gatekeeper/internal/host"
)

// finalReviews reduces the review history to one state per reviewer:
// reviews sorted by id ascending, the last non-COMMENTED state wins.
// Reviewers who only ever commented are dropped.
func finalReviews(reviews []host.Review) map[string]host.ReviewState {
	sorted := append([]host.Review(nil), reviews...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	final := make(map[string]host.ReviewState)
	for _, r := range sorted {
		if r.State == host.ReviewCommented {
			continue
		}
		final[r.Author] = r.State
	}
	return final
}

// approvalGap is what still stands between the pull request and the
// approval clause.
type approvalGap struct {
	NeedAuthor     bool
	PeersMissing   int
	LeadersMissing int
	// ChangesRequested lists reviewers whose latest review requests
	// changes; under unanimity they block regardless of counts.
	ChangesRequested []string
}

func (g approvalGap) satisfied() bool {
	return !g.NeedAuthor && g.PeersMissing == 0 && g.LeadersMissing == 0 && len(g.ChangesRequested) == 0
}

// checkApprovals evaluates the approval clause under the cycle options.
func checkApprovals(settings *config.Settings, pr *host.PullRequest, reviews []host.Review, opts Options) approvalGap {
	final := finalReviews(reviews)

	var gap approvalGap
	peers := 0
	leaders := 0
	for reviewer, state := range final {
		if reviewer == settings.Robot.Username {
			continue
		}
		switch state {
		case host.ReviewApproved:
			if reviewer != pr.Author {
				peers++
				if settings.IsLeader(reviewer) {
					leaders++
				}
			}
		case host.ReviewChangesRequested:
			if opts.Unanimity {
				gap.ChangesRequested = append(gap.ChangesRequested, reviewer)
			}
		}
	}

	if settings.NeedsAuthorApproval() && !opts.BypassAuthorApproval {
		gap.NeedAuthor = final[pr.Author] != host.ReviewApproved
	}
	if !opts.BypassPeerApproval {
		if missing := settings.RequiredPeerApprovals - peers; missing > 0 {
			gap.PeersMissing = missing
		}
	}
	if !opts.BypassLeaderApproval {
		if missing := settings.RequiredLeaderApprovals - leaders; missing > 0 {
			gap.LeadersMissing = missing
		}
	}
	return gap
}
