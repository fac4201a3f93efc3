// Package webhook implements the HTTP ingress that turns Bitbucket and
// GitHub events into dispatcher jobs.
package webhook

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/jogman/gatekeeper/internal/dispatch"
	"github.com/jogman/gatekeeper/internal/host"
	"github.com/jogman/gatekeeper/internal/statuscache"
)

// Enqueuer is the part of the dispatcher the ingress needs.
type Enqueuer interface {
	Enqueue(job dispatch.Job) bool
}

// Server handles POST /bitbucket and POST /github.
type Server struct {
	User     string
	Password string
	Owner    string
	Slug     string
	BuildKey string

	Dispatcher Enqueuer
	Cache      *statuscache.Cache
	Log        *slog.Logger
}

// Register mounts the webhook routes on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.Handle("POST /bitbucket", s.wrap(s.bitbucket))
	mux.Handle("POST /github", s.wrap(s.github))
}

func (s *Server) wrap(handle func(w http.ResponseWriter, r *http.Request, body []byte) error) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !Authenticate(r, s.User, s.Password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="gatekeeper"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			http.Error(w, "failed to read body", http.StatusBadRequest)
			return
		}

		if err := handle(w, r, body); err != nil {
			s.Log.Error("webhook rejected", "path", r.URL.Path, "error", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
}

// repoRef is the repository fragment common to both hosts' payloads.
type repoRef struct {
	FullName string `json:"full_name"`
}

func (s *Server) checkRepo(fullName string) error {
	if fullName != s.Owner+"/"+s.Slug {
		// A foreign repository posting here is a host-side
		// misconfiguration; a 5xx makes it visible in the host's
		// webhook delivery log.
		return fmt.Errorf("event for unmanaged repository %q", fullName)
	}
	return nil
}

// bitbucket handles Bitbucket Cloud events. The event type travels in
// the X-Event-Key header.
func (s *Server) bitbucket(w http.ResponseWriter, r *http.Request, body []byte) error {
	eventKey := r.Header.Get("X-Event-Key")

	var payload struct {
		Repository  repoRef `json:"repository"`
		PullRequest struct {
			ID    int64  `json:"id"`
			State string `json:"state"`
		} `json:"pullrequest"`
		CommitStatus struct {
			Key   string `json:"key"`
			State string `json:"state"`
			Links struct {
				Commit struct {
					Href string `json:"href"`
				} `json:"commit"`
			} `json:"links"`
		} `json:"commit_status"`
		Comment struct {
			ID int64 `json:"id"`
		} `json:"comment"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return nil
	}
	if err := s.checkRepo(payload.Repository.FullName); err != nil {
		return err
	}

	switch eventKey {
	case "pullrequest:created", "pullrequest:updated",
		"pullrequest:comment_created", "pullrequest:comment_updated",
		"pullrequest:approved", "pullrequest:unapproved",
		"pullrequest:changes_request_created", "pullrequest:changes_request_removed":
		s.enqueuePR(payload.PullRequest.ID)
	case "pullrequest:fulfilled", "pullrequest:rejected":
		// Closed PRs get cleaned up by the next cycle that touches
		// them; the close event itself carries no work.
		s.ignored(w, eventKey)
		return nil
	case "repo:commit_status_created", "repo:commit_status_updated":
		sha := commitFromHref(payload.CommitStatus.Links.Commit.Href)
		s.buildStatus(sha, payload.CommitStatus.Key, bitbucketState(payload.CommitStatus.State))
	default:
		s.ignored(w, eventKey)
		return nil
	}

	w.WriteHeader(http.StatusOK)
	return nil
}

// github handles GitHub events. The event type travels in the
// X-GitHub-Event header.
func (s *Server) github(w http.ResponseWriter, r *http.Request, body []byte) error {
	event := r.Header.Get("X-GitHub-Event")

	var payload struct {
		Action     string  `json:"action"`
		Repository repoRef `json:"repository"`

		PullRequest struct {
			Number int64  `json:"number"`
			State  string `json:"state"`
		} `json:"pull_request"`
		Issue struct {
			Number      int64           `json:"number"`
			PullRequest json.RawMessage `json:"pull_request"`
		} `json:"issue"`
		SHA        string `json:"sha"`
		Context    string `json:"context"`
		State      string `json:"state"`
		CheckSuite struct {
			HeadSHA string `json:"head_sha"`
		} `json:"check_suite"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return nil
	}
	if err := s.checkRepo(payload.Repository.FullName); err != nil {
		return err
	}

	switch event {
	case "pull_request":
		if payload.Action == "closed" {
			s.ignored(w, event+":"+payload.Action)
			return nil
		}
		s.enqueuePR(payload.PullRequest.Number)
	case "issue_comment":
		if payload.Issue.PullRequest == nil {
			s.ignored(w, event)
			return nil
		}
		s.enqueuePR(payload.Issue.Number)
	case "pull_request_review":
		s.enqueuePR(payload.PullRequest.Number)
	case "status":
		s.buildStatus(payload.SHA, payload.Context, githubState(payload.State))
	case "check_suite":
		if payload.Action != "completed" {
			s.ignored(w, event+":"+payload.Action)
			return nil
		}
		s.Dispatcher.Enqueue(dispatch.CommitJob{SHA: payload.CheckSuite.HeadSHA})
	default:
		s.ignored(w, event)
		return nil
	}

	w.WriteHeader(http.StatusOK)
	return nil
}

func (s *Server) enqueuePR(id int64) {
	if id == 0 {
		return
	}
	s.Dispatcher.Enqueue(dispatch.PullRequestJob{PRID: id})
}

// buildStatus caches the reported state. INPROGRESS schedules no work;
// everything else wakes the queue via a commit job.
func (s *Server) buildStatus(sha, ciContext string, state host.BuildState) {
	if sha == "" || ciContext == "" {
		return
	}
	s.Cache.Put(sha, ciContext, state)
	if state == host.BuildInProgress {
		return
	}
	if ciContext != s.BuildKey {
		return
	}
	s.Dispatcher.Enqueue(dispatch.CommitJob{SHA: sha})
}

func (s *Server) ignored(w http.ResponseWriter, event string) {
	s.Log.Debug("webhook event ignored", "event", event)
	w.WriteHeader(http.StatusAccepted)
}

func bitbucketState(s string) host.BuildState {
	switch s {
	case "SUCCESSFUL", "INPROGRESS", "FAILED", "STOPPED":
		return host.BuildState(s)
	default:
		return host.BuildNotStarted
	}
}

func githubState(s string) host.BuildState {
	switch s {
	case "success":
		return host.BuildSuccessful
	case "pending":
		return host.BuildInProgress
	case "failure":
		return host.BuildFailed
	case "error":
		return host.BuildStopped
	default:
		return host.BuildNotStarted
	}
}

// commitFromHref extracts the trailing SHA from a Bitbucket commit API
// link.
func commitFromHref(href string) string {
	for i := len(href) - 1; i >= 0; i-- {
		if href[i] == '/' {
			return href[i+1:]
		}
	}
	return href
}
