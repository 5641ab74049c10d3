package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aegisops/aegis/internal/idgen"
)

// DecisionStatus tracks a human-in-the-loop gate tied to a job.
type DecisionStatus string

const (
	DecisionPending  DecisionStatus = "PENDING"
	DecisionApproved DecisionStatus = "APPROVED"
	DecisionRejected DecisionStatus = "REJECTED"
	DecisionExpired  DecisionStatus = "EXPIRED"
)

type Decision struct {
	ID             string         `json:"id"`
	JobID          string         `json:"job_id"`
	Type           string         `json:"type"`
	ContextData    map[string]any `json:"context_data,omitempty"`
	Options        []string       `json:"options,omitempty"`
	Status         DecisionStatus `json:"status"`
	SelectedOption string         `json:"selected_option,omitempty"`
	ApproverID     string         `json:"approver_id,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	ExpiresAt      time.Time      `json:"expires_at,omitempty"`
}

func (s *Store) CreateDecision(ctx context.Context, jobID, decisionType string, contextData map[string]any, options []string, expiresAt time.Time) (Decision, error) {
	contextJSON, err := encodeJSON(contextData)
	if err != nil {
		return Decision{}, fmt.Errorf("encode context: %w", err)
	}
	optionsJSON, err := encodeJSON(options)
	if err != nil {
		return Decision{}, fmt.Errorf("encode options: %w", err)
	}

	decision := Decision{
		ID:          idgen.New(),
		JobID:       jobID,
		Type:        decisionType,
		ContextData: contextData,
		Options:     options,
		Status:      DecisionPending,
		CreatedAt:   time.Now().UTC(),
		ExpiresAt:   expiresAt,
	}
	var expiresArg any
	if !expiresAt.IsZero() {
		expiresArg = expiresAt.UTC().Format(time.RFC3339Nano)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO decisions (id, job_id, type, context_data, options, status, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, decision.ID, jobID, decisionType, contextJSON, optionsJSON, decision.Status,
		decision.CreatedAt.Format(time.RFC3339Nano), expiresArg)
	if err != nil {
		return Decision{}, fmt.Errorf("insert decision: %w", err)
	}
	return decision, nil
}

// GetDecision loads a decision. A PENDING decision whose expires_at has
// passed is flipped to EXPIRED on access, mirroring the memory store's
// lazy expiry rule.
func (s *Store) GetDecision(ctx context.Context, decisionID string) (Decision, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, job_id, type, context_data, options, status, selected_option, approver_id, created_at, expires_at
		FROM decisions WHERE id = ?
	`, decisionID)
	decision, err := scanDecision(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Decision{}, fmt.Errorf("decision %s: %w", decisionID, ErrNotFound)
		}
		return Decision{}, fmt.Errorf("load decision: %w", err)
	}

	if decision.Status == DecisionPending && !decision.ExpiresAt.IsZero() && time.Now().UTC().After(decision.ExpiresAt) {
		if _, err := s.db.ExecContext(ctx, `
			UPDATE decisions SET status = ? WHERE id = ? AND status = ?
		`, DecisionExpired, decisionID, DecisionPending); err != nil {
			return Decision{}, fmt.Errorf("expire decision: %w", err)
		}
		decision.Status = DecisionExpired
	}
	return decision, nil
}

// ResolveDecision records an approval or rejection. Only a PENDING decision
// can be resolved.
func (s *Store) ResolveDecision(ctx context.Context, decisionID string, status DecisionStatus, selectedOption, approverID string) error {
	if status != DecisionApproved && status != DecisionRejected {
		return fmt.Errorf("decision resolution must be APPROVED or REJECTED, got %s", status)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE decisions SET status = ?, selected_option = ?, approver_id = ?
		WHERE id = ? AND status = ?
	`, status, nullString(selectedOption), nullString(approverID), decisionID, DecisionPending)
	if err != nil {
		return fmt.Errorf("resolve decision: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("resolve decision rows affected: %w", err)
	}
	if affected == 0 {
		current, err := s.GetDecision(ctx, decisionID)
		if err != nil {
			return err
		}
		return fmt.Errorf("decision %s is %s, not PENDING", decisionID, current.Status)
	}
	return nil
}

func (s *Store) ListDecisions(ctx context.Context, jobID string, status DecisionStatus, limit int) ([]Decision, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, job_id, type, context_data, options, status, selected_option, approver_id, created_at, expires_at FROM decisions`
	var clauses []string
	var args []any
	if jobID != "" {
		clauses = append(clauses, "job_id = ?")
		args = append(args, jobID)
	}
	if status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, status)
	}
	for i, clause := range clauses {
		if i == 0 {
			query += " WHERE " + clause
		} else {
			query += " AND " + clause
		}
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()

	var out []Decision
	for rows.Next() {
		decision, err := scanDecision(rows)
		if err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		out = append(out, decision)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate decisions: %w", err)
	}
	return out, nil
}

func scanDecision(row rowScanner) (Decision, error) {
	var decision Decision
	var contextStr, optionsStr, selectedStr, approverStr, expiresStr sql.NullString
	var createdAtStr string
	if err := row.Scan(&decision.ID, &decision.JobID, &decision.Type, &contextStr, &optionsStr,
		&decision.Status, &selectedStr, &approverStr, &createdAtStr, &expiresStr); err != nil {
		return Decision{}, err
	}
	decision.ContextData = decodeJSONMap(contextStr.String)
	if optionsStr.Valid && optionsStr.String != "" {
		_ = decodeJSONValue(optionsStr.String, &decision.Options)
	}
	decision.SelectedOption = selectedStr.String
	decision.ApproverID = approverStr.String
	decision.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
	if expiresStr.Valid {
		decision.ExpiresAt, _ = time.Parse(time.RFC3339Nano, expiresStr.String)
	}
	return decision, nil
}
