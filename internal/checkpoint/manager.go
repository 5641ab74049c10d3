// Package checkpoint persists versioned snapshots of job progress so that
// cooperative workers can suspend and later resume across process restarts.
package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aegisops/aegis/internal/eventbus"
	"github.com/aegisops/aegis/internal/state"
)

// EnvelopeVersion tags the on-disk checkpoint format. It is a schema tag,
// not an optimistic-concurrency token: concurrent saves for the same job
// are last-write-wins.
const EnvelopeVersion = 1

var (
	ErrSaveFailed = errors.New("checkpoint save failed")
	ErrCorrupted  = errors.New("checkpoint corrupted")
)

type SaveError struct {
	JobID string
	Cause error
}

func (e *SaveError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("save checkpoint for job %s: %v", e.JobID, e.Cause)
	}
	return fmt.Sprintf("save checkpoint for job %s: job not found", e.JobID)
}

func (e *SaveError) Unwrap() error { return ErrSaveFailed }

type CorruptError struct {
	JobID string
	Cause error
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("checkpoint for job %s is corrupted: %v", e.JobID, e.Cause)
}

func (e *CorruptError) Unwrap() error { return ErrCorrupted }

// Data is the logical checkpoint a worker saves at a safe resumption point.
type Data struct {
	StepIndex          int            `json:"step_index"`
	AccumulatedResults map[string]any `json:"accumulated_results,omitempty"`
	MemorySnapshot     map[string]any `json:"memory_snapshot,omitempty"`
	LastUpdated        time.Time      `json:"last_updated"`
}

type envelope struct {
	Version   int             `json:"version"`
	Data      json.RawMessage `json:"data"`
	Timestamp string          `json:"timestamp"`
}

type Manager struct {
	db  *sql.DB
	bus *eventbus.Bus
}

func NewManager(db *sql.DB, bus *eventbus.Bus) *Manager {
	return &Manager{db: db, bus: bus}
}

// Save wraps data in a versioned envelope and updates the job's
// checkpoint_data and progress columns in a single statement. It fails with
// ErrSaveFailed when the job does not exist; storage errors are wrapped
// into the same error kind.
func (m *Manager) Save(ctx context.Context, jobID string, data Data, progress int) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	if data.LastUpdated.IsZero() {
		data.LastUpdated = time.Now().UTC()
	}

	dataJSON, err := json.Marshal(data)
	if err != nil {
		return &SaveError{JobID: jobID, Cause: err}
	}
	now := time.Now().UTC()
	envJSON, err := json.Marshal(envelope{
		Version:   EnvelopeVersion,
		Data:      dataJSON,
		Timestamp: now.Format(time.RFC3339Nano),
	})
	if err != nil {
		return &SaveError{JobID: jobID, Cause: err}
	}

	res, err := m.db.ExecContext(ctx, `
		UPDATE jobs SET checkpoint_data = ?, progress = ?, updated_at = ? WHERE id = ?
	`, string(envJSON), progress, now.Format(time.RFC3339Nano), jobID)
	if err != nil {
		return &SaveError{JobID: jobID, Cause: err}
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return &SaveError{JobID: jobID, Cause: err}
	}
	if affected == 0 {
		return &SaveError{JobID: jobID}
	}

	if m.bus != nil {
		_, _ = m.bus.Emit(ctx, eventbus.EventInput{
			Type:   eventbus.TypeCheckpointSaved,
			Source: "checkpoint",
			Payload: map[string]any{
				"job_id":     jobID,
				"step_index": data.StepIndex,
				"progress":   progress,
			},
		})
	}
	return nil
}

// Load returns the stored checkpoint for a job, nil if the job has never
// been checkpointed, and ErrCorrupted if the stored blob cannot be decoded.
// A version mismatch is logged but decoding is still attempted; there is no
// migration logic.
func (m *Manager) Load(ctx context.Context, jobID string) (*Data, error) {
	var blob sql.NullString
	err := m.db.QueryRowContext(ctx, `SELECT checkpoint_data FROM jobs WHERE id = ?`, jobID).Scan(&blob)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("job %s: %w", jobID, state.ErrNotFound)
		}
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	if !blob.Valid || blob.String == "" {
		return nil, nil
	}

	var env envelope
	if err := json.Unmarshal([]byte(blob.String), &env); err != nil {
		return nil, &CorruptError{JobID: jobID, Cause: err}
	}
	if len(env.Data) == 0 {
		return nil, &CorruptError{JobID: jobID, Cause: errors.New("envelope has no data")}
	}
	if env.Version != EnvelopeVersion {
		slog.Warn("checkpoint version mismatch, attempting decode anyway",
			"job_id", jobID, "stored", env.Version, "current", EnvelopeVersion)
	}

	var data Data
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, &CorruptError{JobID: jobID, Cause: err}
	}
	return &data, nil
}

// CleanupOld nulls checkpoint_data for jobs that reached a terminal status
// longer than the retention window ago. It returns the number of rows swept.
func (m *Manager) CleanupOld(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention)
	res, err := m.db.ExecContext(ctx, `
		UPDATE jobs SET checkpoint_data = NULL
		WHERE status IN ('COMPLETED','FAILED','CANCELLED')
		  AND updated_at < ?
		  AND checkpoint_data IS NOT NULL
	`, cutoff.Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("cleanup checkpoints: %w", err)
	}
	swept, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cleanup checkpoints rows affected: %w", err)
	}
	if swept > 0 && m.bus != nil {
		_, _ = m.bus.Emit(ctx, eventbus.EventInput{
			Type:    eventbus.TypeCheckpointsSwept,
			Source:  "checkpoint",
			Payload: map[string]any{"swept": swept, "retention_hours": retention.Hours()},
		})
	}
	return swept, nil
}
