// Package jira checks pull requests against their issue tracker ticket.
package jira

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Issue is the subset of a tracker issue the gate looks at.
type Issue struct {
	Key         string
	Type        string
	FixVersions []string
}

// Tracker fetches issues by key.
type Tracker interface {
	GetIssue(ctx context.Context, key string) (*Issue, error)
}

// NotFoundError reports a key that does not exist in the tracker.
type NotFoundError struct {
	Key string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("jira issue %s not found", e.Key)
}

// Client talks to the Jira REST API v2.
type Client struct {
	baseURL string
	user    string
	token   string
	http    *http.Client
}

// New creates a Jira client using basic auth.
func New(baseURL, user, token string) *Client {
	return &Client{
		baseURL: baseURL,
		user:    user,
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

type wireIssue struct {
	Key    string `json:"key"`
	Fields struct {
		IssueType struct {
			Name string `json:"name"`
		} `json:"issuetype"`
		FixVersions []struct {
			Name string `json:"name"`
		} `json:"fixVersions"`
	} `json:"fields"`
}

// GetIssue fetches a single issue. Returns *NotFoundError for unknown
// keys.
func (c *Client) GetIssue(ctx context.Context, key string) (*Issue, error) {
	u := fmt.Sprintf("%s/rest/api/2/issue/%s?fields=issuetype,fixVersions",
		c.baseURL, url.PathEscape(key))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.user, c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("jira request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		io.Copy(io.Discard, resp.Body)
		return nil, &NotFoundError{Key: key}
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("jira: unexpected status %d for %s: %s",
			resp.StatusCode, key, string(body))
	}

	var w wireIssue
	if err := json.NewDecoder(resp.Body).Decode(&w); err != nil {
		return nil, fmt.Errorf("jira: decode issue %s: %w", key, err)
	}

	issue := &Issue{
		Key:  w.Key,
		Type: w.Fields.IssueType.Name,
	}
	for _, fv := range w.Fields.FixVersions {
		issue.FixVersions = append(issue.FixVersions, fv.Name)
	}
	return issue, nil
}
