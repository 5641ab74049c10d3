// Package jobs tracks the lifecycle of asynchronous units of work owned by
// agents, including the cooperative-preemption primitives workers poll to
// observe pause and cancel requests.
package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aegisops/aegis/internal/checkpoint"
	"github.com/aegisops/aegis/internal/eventbus"
	"github.com/aegisops/aegis/internal/idgen"
)

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusPaused    Status = "PAUSED"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

func IsTerminalStatus(status Status) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

var (
	ErrJobNotFound = errors.New("job not found")
	// ErrJobCancelled is a control signal, not a failure: WaitForResume
	// returns it when the awaited job is cancelled while waiting.
	ErrJobCancelled            = errors.New("job cancelled")
	ErrInvalidStatusTransition = errors.New("invalid job status transition")
)

type StatusTransitionError struct {
	JobID string
	From  Status
	To    Status
}

func (e *StatusTransitionError) Error() string {
	return fmt.Sprintf("invalid job status transition for %s: %s -> %s", e.JobID, e.From, e.To)
}

func (e *StatusTransitionError) Unwrap() error {
	return ErrInvalidStatusTransition
}

type Job struct {
	ID           string         `json:"id"`
	AgentID      string         `json:"agent_id"`
	Type         string         `json:"type"`
	Status       Status         `json:"status"`
	Progress     int            `json:"progress"`
	Params       map[string]any `json:"params,omitempty"`
	Result       map[string]any `json:"result,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

type ListFilter struct {
	AgentID string
	Status  Status
	Limit   int
}

type Manager struct {
	db          *sql.DB
	bus         *eventbus.Bus
	checkpoints *checkpoint.Manager
	notify      *notifier

	nowFn        func() time.Time
	pollInterval time.Duration
}

type Option func(*Manager)

func WithClock(nowFn func() time.Time) Option {
	return func(m *Manager) {
		if nowFn != nil {
			m.nowFn = nowFn
		}
	}
}

// WithPollInterval overrides the WaitForResume fallback poll cadence.
func WithPollInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.pollInterval = d
		}
	}
}

func NewManager(db *sql.DB, bus *eventbus.Bus, checkpoints *checkpoint.Manager, opts ...Option) *Manager {
	m := &Manager{
		db:           db,
		bus:          bus,
		checkpoints:  checkpoints,
		notify:       newNotifier(),
		nowFn:        func() time.Time { return time.Now().UTC() },
		pollInterval: time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

func (m *Manager) now() time.Time {
	return m.nowFn().UTC()
}

// Create inserts a PENDING job for the agent and emits job.created.
func (m *Manager) Create(ctx context.Context, agentID, jobType string, params map[string]any) (Job, error) {
	if strings.TrimSpace(jobType) == "" {
		return Job{}, fmt.Errorf("job type is required")
	}
	if strings.TrimSpace(agentID) == "" {
		return Job{}, fmt.Errorf("agent_id is required")
	}
	paramsJSON, err := encodeJSON(params)
	if err != nil {
		return Job{}, fmt.Errorf("encode params: %w", err)
	}

	job := Job{
		ID:        idgen.New(),
		AgentID:   agentID,
		Type:      jobType,
		Status:    StatusPending,
		Params:    params,
		CreatedAt: m.now(),
	}
	job.UpdatedAt = job.CreatedAt

	_, err = m.db.ExecContext(ctx, `
		INSERT INTO jobs (id, agent_id, type, status, progress, params, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?, ?)
	`, job.ID, agentID, jobType, job.Status, paramsJSON,
		job.CreatedAt.Format(time.RFC3339Nano), job.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return Job{}, fmt.Errorf("insert job: %w", err)
	}

	if m.bus != nil {
		_, _ = m.bus.Emit(ctx, eventbus.EventInput{
			Type:          eventbus.TypeJobCreated,
			Source:        "jobs",
			CorrelationID: job.ID,
			Payload: map[string]any{
				"job_id":   job.ID,
				"agent_id": agentID,
				"job_type": jobType,
			},
		})
	}
	return job, nil
}

func (m *Manager) Get(ctx context.Context, jobID string) (Job, error) {
	row := m.db.QueryRowContext(ctx, `
		SELECT id, agent_id, type, status, progress, params, result_data, error_message, created_at, updated_at
		FROM jobs WHERE id = ?
	`, jobID)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Job{}, fmt.Errorf("job %s: %w", jobID, ErrJobNotFound)
		}
		return Job{}, fmt.Errorf("load job: %w", err)
	}
	return job, nil
}

func (m *Manager) List(ctx context.Context, filter ListFilter) ([]Job, error) {
	query := `SELECT id, agent_id, type, status, progress, params, result_data, error_message, created_at, updated_at FROM jobs`
	var clauses []string
	var args []any
	if filter.AgentID != "" {
		clauses = append(clauses, "agent_id = ?")
		args = append(args, filter.AgentID)
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, filter.Status)
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC"
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(" LIMIT %d", limit)

	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}

// FindByAgentStatus returns the agent's jobs in the given status, newest first.
func (m *Manager) FindByAgentStatus(ctx context.Context, agentID string, statuses ...Status) ([]Job, error) {
	if len(statuses) == 0 {
		return nil, fmt.Errorf("at least one status is required")
	}
	query := `SELECT id, agent_id, type, status, progress, params, result_data, error_message, created_at, updated_at
		FROM jobs WHERE agent_id = ? AND status IN (`
	args := []any{agentID}
	for i, st := range statuses {
		if i > 0 {
			query += ","
		}
		query += "?"
		args = append(args, st)
	}
	query += `) ORDER BY created_at DESC`

	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find jobs by status: %w", err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}

// SetStatus transitions a job and emits job.<status>. Terminal statuses
// admit no outgoing transition. Result and errMsg are optional and only
// written when non-empty.
func (m *Manager) SetStatus(ctx context.Context, jobID string, status Status, result map[string]any, errMsg string) error {
	current, err := m.currentStatus(ctx, jobID)
	if err != nil {
		return err
	}
	if current == status {
		return nil
	}
	if !canTransition(current, status) {
		return &StatusTransitionError{JobID: jobID, From: current, To: status}
	}

	updatedAt := m.now()
	query := `UPDATE jobs SET status = ?, updated_at = ?`
	args := []any{status, updatedAt.Format(time.RFC3339Nano)}
	if result != nil {
		resultJSON, err := encodeJSON(result)
		if err != nil {
			return fmt.Errorf("encode result: %w", err)
		}
		query += `, result_data = ?`
		args = append(args, resultJSON)
	}
	if errMsg != "" {
		query += `, error_message = ?`
		args = append(args, errMsg)
	}
	query += ` WHERE id = ? AND status = ?`
	args = append(args, jobID, current)

	res, err := m.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update job status rows affected: %w", err)
	}
	if affected == 0 {
		// Raced with a concurrent transition; re-read and re-judge.
		latest, err := m.currentStatus(ctx, jobID)
		if err != nil {
			return err
		}
		if latest == status {
			return nil
		}
		return &StatusTransitionError{JobID: jobID, From: latest, To: status}
	}

	m.notify.signal(jobID)
	m.emitStatus(ctx, jobID, status, errMsg)
	return nil
}

func (m *Manager) emitStatus(ctx context.Context, jobID string, status Status, errMsg string) {
	if m.bus == nil {
		return
	}
	payload := map[string]any{"job_id": jobID, "status": string(status)}
	level := eventbus.LevelInfo
	if status == StatusFailed {
		level = eventbus.LevelError
		if errMsg != "" {
			payload["error"] = errMsg
		}
	}
	_, _ = m.bus.Emit(ctx, eventbus.EventInput{
		Type:          eventTypeForStatus(status),
		Source:        "jobs",
		CorrelationID: jobID,
		Payload:       payload,
		Level:         level,
	})
}

// ShouldYield is the pull-based preemption check. Workers call it
// periodically; true means checkpoint-and-suspend (PAUSED) or unwind
// (CANCELLED). A vanished job yields false, not an error.
func (m *Manager) ShouldYield(ctx context.Context, jobID string) (bool, error) {
	current, err := m.currentStatus(ctx, jobID)
	if err != nil {
		if errors.Is(err, ErrJobNotFound) {
			return false, nil
		}
		return false, err
	}
	return current == StatusPaused || current == StatusCancelled, nil
}

// WaitForResume blocks until the job is RUNNING again. It returns
// ErrJobCancelled if the job is cancelled while waiting and ErrJobNotFound
// if the row disappears. Same-process status changes wake the waiter
// immediately; a poll ticker covers changes made by other processes.
func (m *Manager) WaitForResume(ctx context.Context, jobID string) error {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		status, err := m.currentStatus(ctx, jobID)
		if err != nil {
			return err
		}
		switch status {
		case StatusRunning:
			return nil
		case StatusCancelled:
			return fmt.Errorf("job %s: %w", jobID, ErrJobCancelled)
		}

		wake := m.notify.wait(jobID)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wake:
		case <-ticker.C:
		}
	}
}

// SaveCheckpoint delegates to the checkpoint manager.
func (m *Manager) SaveCheckpoint(ctx context.Context, jobID string, data checkpoint.Data, progress int) error {
	return m.checkpoints.Save(ctx, jobID, data, progress)
}

// LoadCheckpoint delegates to the checkpoint manager.
func (m *Manager) LoadCheckpoint(ctx context.Context, jobID string) (*checkpoint.Data, error) {
	return m.checkpoints.Load(ctx, jobID)
}

func (m *Manager) currentStatus(ctx context.Context, jobID string) (Status, error) {
	if jobID == "" {
		return "", fmt.Errorf("job_id is required")
	}
	var status Status
	err := m.db.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, jobID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("job %s: %w", jobID, ErrJobNotFound)
		}
		return "", fmt.Errorf("load job status: %w", err)
	}
	return status, nil
}

func canTransition(from, to Status) bool {
	if from == to {
		return true
	}
	switch from {
	case StatusPending:
		return to == StatusRunning || to == StatusPaused || to == StatusCompleted || to == StatusFailed || to == StatusCancelled
	case StatusRunning:
		return to == StatusPaused || to == StatusCompleted || to == StatusFailed || to == StatusCancelled
	case StatusPaused:
		return to == StatusRunning || to == StatusFailed || to == StatusCancelled
	case StatusCompleted, StatusFailed, StatusCancelled:
		return false
	default:
		return false
	}
}

func eventTypeForStatus(status Status) eventbus.Type {
	switch status {
	case StatusPending:
		return eventbus.TypeJobPending
	case StatusRunning:
		return eventbus.TypeJobRunning
	case StatusPaused:
		return eventbus.TypeJobPaused
	case StatusCompleted:
		return eventbus.TypeJobCompleted
	case StatusFailed:
		return eventbus.TypeJobFailed
	case StatusCancelled:
		return eventbus.TypeJobCancelled
	default:
		return eventbus.Type("job." + strings.ToLower(string(status)))
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (Job, error) {
	var job Job
	var paramsStr, resultStr, errorStr sql.NullString
	var createdAtStr, updatedAtStr string
	if err := row.Scan(&job.ID, &job.AgentID, &job.Type, &job.Status, &job.Progress,
		&paramsStr, &resultStr, &errorStr, &createdAtStr, &updatedAtStr); err != nil {
		return Job{}, err
	}
	job.Params = decodeJSONMap(paramsStr.String)
	job.Result = decodeJSONMap(resultStr.String)
	job.ErrorMessage = errorStr.String
	job.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
	job.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAtStr)
	return job, nil
}
