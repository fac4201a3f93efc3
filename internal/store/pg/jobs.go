package pg

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jogman/gatekeeper/internal/dispatch"
)

// JobLog persists job outcomes so the status page survives restarts.
// It implements dispatch.Log.
type JobLog struct {
	pool *pgxpool.Pool
}

// NewJobLog creates a log backed by the given pool.
func NewJobLog(pool *pgxpool.Pool) *JobLog {
	return &JobLog{pool: pool}
}

func (l *JobLog) Start(ctx context.Context, kind, key string) (int64, error) {
	var id int64
	err := l.pool.QueryRow(ctx,
		`INSERT INTO jobs (kind, key) VALUES ($1, $2) RETURNING id`,
		kind, key).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert job: %w", err)
	}
	return id, nil
}

func (l *JobLog) Finish(ctx context.Context, id int64, status string, code int, codeName, errMsg string) error {
	_, err := l.pool.Exec(ctx,
		`UPDATE jobs
		    SET status = $2, code = $3, code_name = $4, error = $5, finished_at = now()
		  WHERE id = $1`,
		id, status, code, codeName, errMsg)
	if err != nil {
		return fmt.Errorf("finish job %d: %w", id, err)
	}
	return nil
}

func (l *JobLog) Recent(ctx context.Context, limit int) ([]dispatch.Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.pool.Query(ctx,
		`SELECT id, kind, key, status, code, code_name, error, started_at, finished_at
		   FROM jobs
		  ORDER BY started_at DESC, id DESC
		  LIMIT $1`,
		limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []dispatch.Record
	for rows.Next() {
		var (
			rec      dispatch.Record
			finished pgtype.Timestamptz
		)
		if err := rows.Scan(&rec.ID, &rec.Kind, &rec.Key, &rec.Status, &rec.Code,
			&rec.CodeName, &rec.Error, &rec.StartedAt, &finished); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		if finished.Valid {
			rec.FinishedAt = finished.Time
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
