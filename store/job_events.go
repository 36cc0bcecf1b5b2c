package store

import (
	"context"
	"fmt"
	"time"

	"github.com/1lastphoenix/ton-ai-audit-sub002/types"
)

// AppendJobEvent appends one entry to the durable event log.
func (s *Store) AppendJobEvent(ctx context.Context, ev *types.JobEvent) error {
	const q = `
		INSERT INTO job_events (queue, job_id, event, payload)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`
	row := s.db.QueryRowxContext(ctx, q, ev.Queue, ev.JobID, ev.Event, ev.Payload)
	if err := row.Scan(&ev.ID, &ev.CreatedAt); err != nil {
		return fmt.Errorf("append job event: %w", err)
	}
	return nil
}

// RecentJobEvents returns the most recent events for a job id in insertion
// order, capped at limit. Late subscribers use this for history; the live
// bus itself never replays.
func (s *Store) RecentJobEvents(ctx context.Context, jobID string, limit int) ([]types.JobEvent, error) {
	var out []types.JobEvent
	const q = `
		SELECT * FROM (
			SELECT * FROM job_events WHERE job_id = $1 ORDER BY id DESC LIMIT $2
		) latest ORDER BY id`
	if err := s.db.SelectContext(ctx, &out, q, jobID, limit); err != nil {
		return nil, fmt.Errorf("recent job events: %w", err)
	}
	return out, nil
}

// TrimJobEvents deletes events older than the cutoff and returns the count.
func (s *Store) TrimJobEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM job_events WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("trim job events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("trim job events rows: %w", err)
	}
	return n, nil
}
