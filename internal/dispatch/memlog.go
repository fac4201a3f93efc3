package dispatch

import (
	"context"
	"sync"
	"time"
)

// MemoryLog keeps the most recent job records in memory. It backs the
// status page when no database is configured, and the tests.
type MemoryLog struct {
	mu      sync.Mutex
	nextID  int64
	records []Record
	keep    int
}

// NewMemoryLog creates a log retaining at most keep records.
func NewMemoryLog(keep int) *MemoryLog {
	if keep <= 0 {
		keep = 200
	}
	return &MemoryLog{keep: keep}
}

func (m *MemoryLog) Start(_ context.Context, kind, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.records = append(m.records, Record{
		ID:        m.nextID,
		Kind:      kind,
		Key:       key,
		Status:    "running",
		StartedAt: time.Now(),
	})
	if len(m.records) > m.keep {
		m.records = m.records[len(m.records)-m.keep:]
	}
	return m.nextID, nil
}

func (m *MemoryLog) Finish(_ context.Context, id int64, status string, code int, codeName, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.records {
		if m.records[i].ID == id {
			m.records[i].Status = status
			m.records[i].Code = code
			m.records[i].CodeName = codeName
			m.records[i].Error = errMsg
			m.records[i].FinishedAt = time.Now()
			break
		}
	}
	return nil
}

func (m *MemoryLog) Recent(_ context.Context, limit int) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 || limit > len(m.records) {
		limit = len(m.records)
	}
	out := make([]Record, limit)
	for i := 0; i < limit; i++ {
		out[i] = m.records[len(m.records)-1-i]
	}
	return out, nil
}
