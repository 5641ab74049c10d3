package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/aegisops/aegis/internal/checkpoint"
	"github.com/aegisops/aegis/internal/eventbus"
	"github.com/aegisops/aegis/internal/jobs"
	"github.com/aegisops/aegis/internal/orchestrator"
	"github.com/aegisops/aegis/internal/state"
	"github.com/aegisops/aegis/internal/testutil"
)

type testServer struct {
	*httptest.Server
	bus *eventbus.Bus
	hub *Hub
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	db, closeFn := testutil.OpenTestDB(t)
	t.Cleanup(closeFn)

	store := state.NewStore(db)
	bus := eventbus.NewBus(db)
	checkpoints := checkpoint.NewManager(db, bus)
	jobManager := jobs.NewManager(db, bus, checkpoints)
	orch := orchestrator.New(store, jobManager, bus)
	hub := NewHub()
	bus.SetBroadcaster(hub)

	srv := &Server{
		Store:        store,
		Jobs:         jobManager,
		Checkpoints:  checkpoints,
		Orchestrator: orch,
		Bus:          bus,
		Hub:          hub,
		StartedAt:    time.Now().UTC(),
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testServer{Server: ts, bus: bus, hub: hub}
}

func (ts *testServer) post(t *testing.T, path string, payload any) (*http.Response, map[string]any) {
	t.Helper()
	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			t.Fatalf("encode request: %v", err)
		}
	}
	resp, err := http.Post(ts.URL+path, "application/json", &body)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp, decodeBody(t, resp)
}

func (ts *testServer) get(t *testing.T, path string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp, decodeBody(t, resp)
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil
	}
	return out
}

func spawnAgent(t *testing.T, ts *testServer, agentType string) string {
	t.Helper()
	resp, body := ts.post(t, "/api/agents", map[string]any{"type": agentType})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("spawn returned %d: %v", resp.StatusCode, body)
	}
	agentID, _ := body["agent_id"].(string)
	if agentID == "" {
		t.Fatalf("spawn response missing agent_id: %v", body)
	}
	return agentID
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	resp, body := ts.get(t, "/api/health")
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("health: %d %v", resp.StatusCode, body)
	}
}

func TestAgentLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	agentID := spawnAgent(t, ts, "scanner")

	resp, body := ts.get(t, "/api/agents/"+agentID)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get agent: %d %v", resp.StatusCode, body)
	}
	agent, _ := body["agent"].(map[string]any)
	if agent == nil || agent["state"] != "SPAWNED" {
		t.Fatalf("agent state: %v", body)
	}

	resp, body = ts.post(t, "/api/agents/"+agentID+"/jobs", map[string]any{
		"type":   "port_scan",
		"params": map[string]any{"target": "10.0.0.5"},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("start job: %d %v", resp.StatusCode, body)
	}
	jobID, _ := body["job_id"].(string)
	if jobID == "" {
		t.Fatalf("start job response missing job_id: %v", body)
	}

	for _, action := range []string{"pause", "resume", "heartbeat", "terminate"} {
		resp, body = ts.post(t, "/api/agents/"+agentID+"/"+action, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s returned %d: %v", action, resp.StatusCode, body)
		}
	}

	resp, _ = ts.get(t, "/api/jobs/"+jobID)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get job after terminate: %d", resp.StatusCode)
	}
}

func TestUnknownAgentIs404(t *testing.T) {
	ts := newTestServer(t)
	resp, _ := ts.get(t, "/api/agents/ghost-00000000")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	resp, _ = ts.post(t, "/api/agents/ghost-00000000/pause", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 on action, got %d", resp.StatusCode)
	}
}

func TestJobStatusAndCheckpointEndpoints(t *testing.T) {
	ts := newTestServer(t)
	agentID := spawnAgent(t, ts, "scanner")

	_, body := ts.post(t, "/api/agents/"+agentID+"/jobs", map[string]any{"type": "recon"})
	jobID := body["job_id"].(string)

	resp, body := ts.post(t, "/api/jobs/"+jobID+"/status", map[string]any{"status": "RUNNING"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("set running: %d %v", resp.StatusCode, body)
	}

	resp, body = ts.post(t, "/api/jobs/"+jobID+"/checkpoint", map[string]any{
		"step_index":          3,
		"accumulated_results": map[string]any{"found": []string{"80", "443"}},
		"progress":            30,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("save checkpoint: %d %v", resp.StatusCode, body)
	}

	resp, body = ts.get(t, "/api/jobs/"+jobID+"/checkpoint")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("load checkpoint: %d %v", resp.StatusCode, body)
	}
	cp, _ := body["checkpoint"].(map[string]any)
	if cp == nil || cp["step_index"] != float64(3) {
		t.Fatalf("checkpoint body: %v", body)
	}

	resp, body = ts.get(t, "/api/jobs/"+jobID+"/yield")
	if resp.StatusCode != http.StatusOK || body["should_yield"] != false {
		t.Fatalf("running job yield: %d %v", resp.StatusCode, body)
	}
	if _, body = ts.post(t, "/api/jobs/"+jobID+"/status", map[string]any{"status": "PAUSED"}); body["ok"] != true {
		t.Fatalf("pause job: %v", body)
	}
	resp, body = ts.get(t, "/api/jobs/"+jobID+"/yield")
	if resp.StatusCode != http.StatusOK || body["should_yield"] != true {
		t.Fatalf("paused job yield: %d %v", resp.StatusCode, body)
	}

	// Terminal statuses admit no exit; the conflict surfaces as 409.
	if resp, _ = ts.post(t, "/api/jobs/"+jobID+"/status", map[string]any{"status": "CANCELLED"}); resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel: %d", resp.StatusCode)
	}
	resp, _ = ts.post(t, "/api/jobs/"+jobID+"/status", map[string]any{"status": "RUNNING"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for terminal transition, got %d", resp.StatusCode)
	}

	// Checkpointing an unknown job is a semantic failure, not a 500.
	resp, _ = ts.post(t, "/api/jobs/ghost/checkpoint", map[string]any{"step_index": 1})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for unknown job checkpoint, got %d", resp.StatusCode)
	}
}

func TestEventsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	agentID := spawnAgent(t, ts, "scanner")

	resp, err := http.Get(ts.URL + "/api/events?type_prefix=agent.lifecycle.&correlation_id=" + agentID)
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()
	var events []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&events); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	if len(events) != 1 || events[0]["type"] != "agent.lifecycle.spawned" {
		t.Fatalf("expected the spawn event, got %v", events)
	}
}

func TestDecisionEndpoints(t *testing.T) {
	ts := newTestServer(t)
	agentID := spawnAgent(t, ts, "scanner")
	_, body := ts.post(t, "/api/agents/"+agentID+"/jobs", map[string]any{"type": "exploit"})
	jobID := body["job_id"].(string)

	resp, body := ts.post(t, "/api/decisions", map[string]any{
		"job_id":  jobID,
		"type":    "exploit_approval",
		"options": []string{"proceed", "abort"},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create decision: %d %v", resp.StatusCode, body)
	}
	decisionID, _ := body["id"].(string)
	if decisionID == "" {
		t.Fatalf("decision response missing id: %v", body)
	}

	resp, body = ts.post(t, "/api/decisions/"+decisionID+"/resolve", map[string]any{
		"status":          "APPROVED",
		"selected_option": "proceed",
		"approver_id":     "analyst-1",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("resolve decision: %d %v", resp.StatusCode, body)
	}

	resp, body = ts.get(t, "/api/decisions/"+decisionID)
	if resp.StatusCode != http.StatusOK || body["status"] != "APPROVED" {
		t.Fatalf("get decision: %d %v", resp.StatusCode, body)
	}
}

func TestStreamDeliversEmittedEvents(t *testing.T) {
	ts := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := strings.Replace(ts.URL, "http://", "ws://", 1) + "/api/streams/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial stream: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// The handler registers the socket asynchronously; wait for it.
	deadline := time.Now().Add(2 * time.Second)
	for ts.hub.ConnCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("socket never registered with the hub")
		}
		time.Sleep(10 * time.Millisecond)
	}

	emitted, err := ts.bus.Emit(ctx, eventbus.EventInput{
		Type:          eventbus.TypeJobCompleted,
		Source:        "jobs",
		CorrelationID: "job-42",
		Payload:       map[string]any{"job_id": "job-42"},
	})
	if err != nil {
		t.Fatalf("emit: %v", err)
	}

	_, payload, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	var wire map[string]any
	if err := json.Unmarshal(payload, &wire); err != nil {
		t.Fatalf("decode stream frame: %v", err)
	}
	if wire["type"] != "job.completed" || wire["id"] != emitted.ID || wire["correlation_id"] != "job-42" {
		t.Fatalf("unexpected stream frame: %v", wire)
	}
	if _, ok := wire["timestamp"].(string); !ok {
		t.Fatalf("stream frame missing timestamp: %v", wire)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	ts := newTestServer(t)
	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/api/jobs", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE jobs: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
}
