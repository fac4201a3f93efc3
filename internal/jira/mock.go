package jira

import "context"

// MockTracker is an in-memory Tracker for tests.
type MockTracker struct {
	Issues map[string]*Issue
	// Err, when set, is returned by every call.
	Err error
}

// NewMockTracker returns an empty mock.
func NewMockTracker() *MockTracker {
	return &MockTracker{Issues: make(map[string]*Issue)}
}

// Seed registers an issue.
func (m *MockTracker) Seed(key, issueType string, fixVersions ...string) {
	m.Issues[key] = &Issue{Key: key, Type: issueType, FixVersions: fixVersions}
}

func (m *MockTracker) GetIssue(_ context.Context, key string) (*Issue, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	if issue, ok := m.Issues[key]; ok {
		return issue, nil
	}
	return nil, &NotFoundError{Key: key}
}
