package jobs

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// CancelActiveInTx flips every RUNNING/PAUSED job of the agent to CANCELLED
// inside the caller's transaction and returns the affected job ids. No
// events are emitted and no waiters are woken until the caller commits and
// calls AnnounceCancelled.
func (m *Manager) CancelActiveInTx(ctx context.Context, tx *sql.Tx, agentID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM jobs WHERE agent_id = ? AND status IN (?, ?)
	`, agentID, StatusRunning, StatusPaused)
	if err != nil {
		return nil, fmt.Errorf("query active jobs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan active job: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate active jobs: %w", err)
	}

	updatedAt := m.now().Format(time.RFC3339Nano)
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `
			UPDATE jobs SET status = ?, updated_at = ? WHERE id = ?
		`, StatusCancelled, updatedAt, id); err != nil {
			return nil, fmt.Errorf("cancel job %s: %w", id, err)
		}
	}
	return ids, nil
}

// AnnounceCancelled wakes waiters and emits job.cancelled for jobs that
// were cancelled transactionally.
func (m *Manager) AnnounceCancelled(ctx context.Context, jobIDs []string) {
	for _, id := range jobIDs {
		m.notify.signal(id)
		m.emitStatus(ctx, id, StatusCancelled, "")
	}
}
