package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// AgentState is the lifecycle state of a spawned agent. IDLE and ERROR are
// declared but never driven by the orchestrator; they are reserved.
type AgentState string

const (
	AgentIdle       AgentState = "IDLE"
	AgentSpawned    AgentState = "SPAWNED"
	AgentRunning    AgentState = "RUNNING"
	AgentPaused     AgentState = "PAUSED"
	AgentTerminated AgentState = "TERMINATED"
	AgentError      AgentState = "ERROR"
)

var ErrNotFound = errors.New("not found")

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for callers that need a transaction
// spanning more than one table.
func (s *Store) DB() *sql.DB {
	return s.db
}

type Agent struct {
	ID            string         `json:"id"`
	Type          string         `json:"type"`
	State         AgentState     `json:"state"`
	Config        map[string]any `json:"config,omitempty"`
	SpawnedAt     time.Time      `json:"spawned_at"`
	LastHeartbeat time.Time      `json:"last_heartbeat,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

func (s *Store) InsertAgent(ctx context.Context, agent Agent) error {
	configJSON, err := encodeJSON(agent.Config)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	metadataJSON, err := encodeJSON(agent.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agents (id, type, state, config, spawned_at, last_heartbeat, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, agent.ID, agent.Type, agent.State, configJSON, agent.SpawnedAt.Format(time.RFC3339Nano),
		agent.SpawnedAt.Format(time.RFC3339Nano), metadataJSON)
	if err != nil {
		slog.Error("insert agent failed", "agent_id", agent.ID, "err", err)
		return fmt.Errorf("insert agent: %w", err)
	}
	return nil
}

func (s *Store) GetAgent(ctx context.Context, agentID string) (Agent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, type, state, config, spawned_at, last_heartbeat, metadata
		FROM agents WHERE id = ?
	`, agentID)
	agent, err := scanAgent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Agent{}, fmt.Errorf("agent %s: %w", agentID, ErrNotFound)
		}
		return Agent{}, fmt.Errorf("load agent: %w", err)
	}
	return agent, nil
}

func (s *Store) SetAgentState(ctx context.Context, agentID string, to AgentState) error {
	res, err := s.db.ExecContext(ctx, `UPDATE agents SET state = ? WHERE id = ?`, to, agentID)
	if err != nil {
		slog.Error("update agent state failed", "agent_id", agentID, "state", to, "err", err)
		return fmt.Errorf("update agent state: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update agent state rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("agent %s: %w", agentID, ErrNotFound)
	}
	return nil
}

func (s *Store) TouchHeartbeat(ctx context.Context, agentID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE agents SET last_heartbeat = ? WHERE id = ?`,
		at.UTC().Format(time.RFC3339Nano), agentID)
	if err != nil {
		return fmt.Errorf("touch heartbeat: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("touch heartbeat rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("agent %s: %w", agentID, ErrNotFound)
	}
	return nil
}

func (s *Store) ListAgents(ctx context.Context, states []AgentState, limit int) ([]Agent, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, type, state, config, spawned_at, last_heartbeat, metadata FROM agents`
	var args []any
	if len(states) > 0 {
		query += ` WHERE state IN (`
		for i, st := range states {
			if i > 0 {
				query += `,`
			}
			query += `?`
			args = append(args, st)
		}
		query += `)`
	}
	query += ` ORDER BY spawned_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agents: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (Agent, error) {
	var agent Agent
	var configStr, metadataStr, heartbeatStr sql.NullString
	var spawnedAtStr string
	if err := row.Scan(&agent.ID, &agent.Type, &agent.State, &configStr, &spawnedAtStr, &heartbeatStr, &metadataStr); err != nil {
		return Agent{}, err
	}
	agent.Config = decodeJSONMap(configStr.String)
	agent.Metadata = decodeJSONMap(metadataStr.String)
	agent.SpawnedAt, _ = time.Parse(time.RFC3339Nano, spawnedAtStr)
	if heartbeatStr.Valid {
		agent.LastHeartbeat, _ = time.Parse(time.RFC3339Nano, heartbeatStr.String)
	}
	return agent, nil
}
