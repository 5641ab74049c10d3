package state

import (
	"context"
	"errors"
	"testing"
	"time"
)

func openStore(t *testing.T) (*Store, func()) {
	t.Helper()
	dir := t.TempDir()
	db, err := Open(dir + "/test.db")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	return NewStore(db), func() { _ = db.Close() }
}

func TestAgentInsertGetAndState(t *testing.T) {
	store, closeFn := openStore(t)
	defer closeFn()
	ctx := context.Background()

	agent := Agent{
		ID:        "recon-0a1b2c3d",
		Type:      "recon",
		State:     AgentSpawned,
		Config:    map[string]any{"depth": float64(3)},
		SpawnedAt: time.Now().UTC(),
	}
	if err := store.InsertAgent(ctx, agent); err != nil {
		t.Fatalf("insert agent: %v", err)
	}

	loaded, err := store.GetAgent(ctx, agent.ID)
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if loaded.State != AgentSpawned {
		t.Fatalf("expected SPAWNED, got %s", loaded.State)
	}
	if loaded.Config["depth"] != float64(3) {
		t.Fatalf("expected config round trip, got %v", loaded.Config)
	}

	if err := store.SetAgentState(ctx, agent.ID, AgentRunning); err != nil {
		t.Fatalf("set state: %v", err)
	}
	loaded, err = store.GetAgent(ctx, agent.ID)
	if err != nil {
		t.Fatalf("get agent after update: %v", err)
	}
	if loaded.State != AgentRunning {
		t.Fatalf("expected RUNNING, got %s", loaded.State)
	}
}

func TestAgentNotFound(t *testing.T) {
	store, closeFn := openStore(t)
	defer closeFn()
	ctx := context.Background()

	if _, err := store.GetAgent(ctx, "missing-00000000"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.SetAgentState(ctx, "missing-00000000", AgentPaused); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.TouchHeartbeat(ctx, "missing-00000000", time.Now()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAgentStateCheckConstraint(t *testing.T) {
	store, closeFn := openStore(t)
	defer closeFn()
	ctx := context.Background()

	agent := Agent{ID: "x-00000001", Type: "x", State: AgentState("BOGUS"), SpawnedAt: time.Now().UTC()}
	if err := store.InsertAgent(ctx, agent); err == nil {
		t.Fatalf("expected CHECK constraint violation for bogus state")
	}
}

func TestListAgentsByState(t *testing.T) {
	store, closeFn := openStore(t)
	defer closeFn()
	ctx := context.Background()

	for i, st := range []AgentState{AgentSpawned, AgentRunning, AgentTerminated} {
		agent := Agent{
			ID:        "probe-0000000" + string(rune('a'+i)),
			Type:      "probe",
			State:     st,
			SpawnedAt: time.Now().UTC(),
		}
		if err := store.InsertAgent(ctx, agent); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	agents, err := store.ListAgents(ctx, []AgentState{AgentRunning, AgentSpawned}, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(agents) != 2 {
		t.Fatalf("expected 2 non-terminal agents, got %d", len(agents))
	}
	for _, agent := range agents {
		if agent.State == AgentTerminated {
			t.Fatalf("terminated agent leaked into filtered list")
		}
	}
}

func TestJobCascadeDelete(t *testing.T) {
	store, closeFn := openStore(t)
	defer closeFn()
	ctx := context.Background()
	db := store.DB()

	agent := Agent{ID: "scan-deadbeef", Type: "scan", State: AgentSpawned, SpawnedAt: time.Now().UTC()}
	if err := store.InsertAgent(ctx, agent); err != nil {
		t.Fatalf("insert agent: %v", err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := db.ExecContext(ctx, `
		INSERT INTO jobs (id, agent_id, type, status, created_at, updated_at)
		VALUES ('job-1', 'scan-deadbeef', 'scan', 'PENDING', ?, ?)
	`, now, now); err != nil {
		t.Fatalf("insert job: %v", err)
	}

	if _, err := db.ExecContext(ctx, `DELETE FROM agents WHERE id = 'scan-deadbeef'`); err != nil {
		t.Fatalf("delete agent: %v", err)
	}
	var count int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs`).Scan(&count); err != nil {
		t.Fatalf("count jobs: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected cascade delete to remove jobs, %d remain", count)
	}
}
