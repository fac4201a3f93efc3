package gate

// Code is the stable numeric result of a gating cycle. The CLI exits
// with it, the jobs log stores it, and the status page shows its name.
type Code int

const (
	CodeNothingToDo            Code = 100
	CodeNotOurs                Code = 101
	CodeBranchInvalid          Code = 102
	CodePrefixForbidden        Code = 103
	CodeNoFeatures             Code = 104
	CodeIssueCheckFailed       Code = 105
	CodeConflict               Code = 106
	CodeAuthorApprovalRequired Code = 107
	CodePeerApprovalRequired   Code = 108
	CodeLeaderApprovalRequired Code = 109
	CodeBuildFailed            Code = 110
	CodeBuildNotStarted        Code = 111
	CodeBuildInProgress        Code = 112
	CodeCommitTooLarge         Code = 113
	CodeQueued                 Code = 114
	CodeMerged                 Code = 115
	CodeQueueBuildFailed       Code = 116
	CodeQueueInconsistency     Code = 117
)

var codeNames = map[Code]string{
	CodeNothingToDo:            "NothingToDo",
	CodeNotOurs:                "NotOurs",
	CodeBranchInvalid:          "BranchInvalid",
	CodePrefixForbidden:        "PrefixForbidden",
	CodeNoFeatures:             "BranchDoesNotAcceptFeatures",
	CodeIssueCheckFailed:       "IssueCheckFailed",
	CodeConflict:               "Conflict",
	CodeAuthorApprovalRequired: "AuthorApprovalRequired",
	CodePeerApprovalRequired:   "PeerApprovalRequired",
	CodeLeaderApprovalRequired: "LeaderApprovalRequired",
	CodeBuildFailed:            "BuildFailed",
	CodeBuildNotStarted:        "BuildNotStarted",
	CodeBuildInProgress:        "BuildInProgress",
	CodeCommitTooLarge:         "CommitTooLarge",
	CodeQueued:                 "Queued",
	CodeMerged:                 "Merged",
	CodeQueueBuildFailed:       "QueueBuildFailed",
	CodeQueueInconsistency:     "QueueInconsistency",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return "Unknown"
}

// Verdict is the outcome of one gating cycle for one pull request.
// Verdicts are values, not errors: errors are reserved for transient and
// fatal conditions.
type Verdict struct {
	Code Code
	// Template names the comment to post; empty means the verdict is
	// silent. MessageID defaults to the template name.
	Template  string
	MessageID string
	Data      map[string]any
}

// Silent reports whether the verdict posts no comment.
func (v Verdict) Silent() bool { return v.Template == "" }

func silent(code Code) Verdict { return Verdict{Code: code} }

func notify(code Code, template string, data map[string]any) Verdict {
	return Verdict{Code: code, Template: template, Data: data}
}
