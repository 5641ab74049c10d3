// Package orchestrator drives the agent lifecycle state machine:
// SPAWNED -> RUNNING <-> PAUSED -> TERMINATED, with TERMINATED reachable
// from any non-terminal state. It composes the job manager and event bus;
// the actual work of a job is executed by callers outside this package.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aegisops/aegis/internal/eventbus"
	"github.com/aegisops/aegis/internal/idgen"
	"github.com/aegisops/aegis/internal/jobs"
	"github.com/aegisops/aegis/internal/state"
)

var ErrAgentNotFound = errors.New("agent not found")

// RecoveryPolicy decides what the startup sweep does with agents and jobs
// left non-terminal by a previous crash.
type RecoveryPolicy string

const (
	// RecoveryReport surfaces resurrection candidates for an external
	// scheduler to re-attach to; nothing is resumed or failed.
	RecoveryReport RecoveryPolicy = "report"
	// RecoveryMarkFailed fails every open job of an orphaned agent and
	// terminates the agent, requiring resubmission.
	RecoveryMarkFailed RecoveryPolicy = "mark-failed"
)

func ParseRecoveryPolicy(v string) (RecoveryPolicy, error) {
	switch RecoveryPolicy(v) {
	case RecoveryReport, RecoveryMarkFailed:
		return RecoveryPolicy(v), nil
	case "":
		return RecoveryReport, nil
	default:
		return "", fmt.Errorf("unknown recovery policy %q", v)
	}
}

type Orchestrator struct {
	store *state.Store
	jobs  *jobs.Manager
	bus   *eventbus.Bus

	recovery RecoveryPolicy
}

type Option func(*Orchestrator)

func WithRecoveryPolicy(p RecoveryPolicy) Option {
	return func(o *Orchestrator) {
		if p != "" {
			o.recovery = p
		}
	}
}

func New(store *state.Store, jobManager *jobs.Manager, bus *eventbus.Bus, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:    store,
		jobs:     jobManager,
		bus:      bus,
		recovery: RecoveryReport,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// SpawnAgent persists a new SPAWNED agent and returns its generated id,
// shaped "{type}-{8 hex chars}".
func (o *Orchestrator) SpawnAgent(ctx context.Context, agentType string, config map[string]any) (string, error) {
	if agentType == "" {
		return "", fmt.Errorf("agent type is required")
	}
	agent := state.Agent{
		ID:        idgen.AgentID(agentType),
		Type:      agentType,
		State:     state.AgentSpawned,
		Config:    config,
		SpawnedAt: time.Now().UTC(),
	}
	if err := o.store.InsertAgent(ctx, agent); err != nil {
		return "", err
	}
	o.emitLifecycle(ctx, eventbus.TypeAgentSpawned, agent.ID, map[string]any{
		"agent_id":   agent.ID,
		"agent_type": agentType,
	})
	return agent.ID, nil
}

// StartJob records the intent to run work on an agent: the agent goes
// RUNNING and a PENDING job row is created. Executing the job is delegated
// to an external worker, which is expected to flip the job to RUNNING.
func (o *Orchestrator) StartJob(ctx context.Context, agentID, jobType string, params map[string]any) (string, error) {
	agent, err := o.getAgent(ctx, agentID)
	if err != nil {
		return "", err
	}
	if agent.State == state.AgentTerminated {
		return "", fmt.Errorf("agent %s is terminated", agentID)
	}
	if err := o.store.SetAgentState(ctx, agentID, state.AgentRunning); err != nil {
		return "", err
	}
	job, err := o.jobs.Create(ctx, agentID, jobType, params)
	if err != nil {
		return "", err
	}
	return job.ID, nil
}

// PauseAgent flips the agent's currently-RUNNING job (if any) to PAUSED and
// the agent to PAUSED. The jobs table is untouched when nothing is RUNNING.
func (o *Orchestrator) PauseAgent(ctx context.Context, agentID string) error {
	agent, err := o.getAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if agent.State == state.AgentTerminated {
		return fmt.Errorf("agent %s is terminated", agentID)
	}

	running, err := o.jobs.FindByAgentStatus(ctx, agentID, jobs.StatusRunning)
	if err != nil {
		return err
	}
	if len(running) > 0 {
		if err := o.jobs.SetStatus(ctx, running[0].ID, jobs.StatusPaused, nil, ""); err != nil {
			return err
		}
	}
	if err := o.store.SetAgentState(ctx, agentID, state.AgentPaused); err != nil {
		return err
	}
	o.emitLifecycle(ctx, eventbus.TypeAgentPaused, agentID, map[string]any{"agent_id": agentID})
	return nil
}

// ResumeAgent is the symmetric operation: a PAUSED job (if any) goes back
// to RUNNING, as does the agent.
func (o *Orchestrator) ResumeAgent(ctx context.Context, agentID string) error {
	agent, err := o.getAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if agent.State == state.AgentTerminated {
		return fmt.Errorf("agent %s is terminated", agentID)
	}

	paused, err := o.jobs.FindByAgentStatus(ctx, agentID, jobs.StatusPaused)
	if err != nil {
		return err
	}
	if len(paused) > 0 {
		if err := o.jobs.SetStatus(ctx, paused[0].ID, jobs.StatusRunning, nil, ""); err != nil {
			return err
		}
	}
	if err := o.store.SetAgentState(ctx, agentID, state.AgentRunning); err != nil {
		return err
	}
	o.emitLifecycle(ctx, eventbus.TypeAgentResumed, agentID, map[string]any{"agent_id": agentID})
	return nil
}

// TerminateAgent cancels every RUNNING/PAUSED job of the agent and marks
// the agent TERMINATED in one transaction, so a crash cannot leave jobs
// cancelled with the agent still live. Events are emitted after commit:
// one job.cancelled per job, then agent.lifecycle.terminated.
func (o *Orchestrator) TerminateAgent(ctx context.Context, agentID string) error {
	agent, err := o.getAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if agent.State == state.AgentTerminated {
		return nil
	}

	tx, err := o.store.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin terminate tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	cancelled, err := o.jobs.CancelActiveInTx(ctx, tx, agentID)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE agents SET state = ? WHERE id = ?`, state.AgentTerminated, agentID); err != nil {
		return fmt.Errorf("mark agent terminated: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit terminate: %w", err)
	}

	o.jobs.AnnounceCancelled(ctx, cancelled)
	o.emitLifecycle(ctx, eventbus.TypeAgentTerminated, agentID, map[string]any{
		"agent_id":       agentID,
		"cancelled_jobs": len(cancelled),
	})
	return nil
}

// Heartbeat refreshes the agent's last_heartbeat timestamp.
func (o *Orchestrator) Heartbeat(ctx context.Context, agentID string) error {
	err := o.store.TouchHeartbeat(ctx, agentID, time.Now().UTC())
	if errors.Is(err, state.ErrNotFound) {
		return fmt.Errorf("agent %s: %w", agentID, ErrAgentNotFound)
	}
	return err
}

// AgentStatus is the read-only introspection view: the agent row plus at
// most one active (RUNNING or PAUSED) job.
type AgentStatus struct {
	Agent     state.Agent `json:"agent"`
	ActiveJob *jobs.Job   `json:"active_job,omitempty"`
}

func (o *Orchestrator) GetAgentState(ctx context.Context, agentID string) (AgentStatus, error) {
	agent, err := o.getAgent(ctx, agentID)
	if err != nil {
		return AgentStatus{}, err
	}
	active, err := o.jobs.FindByAgentStatus(ctx, agentID, jobs.StatusRunning, jobs.StatusPaused)
	if err != nil {
		return AgentStatus{}, err
	}
	status := AgentStatus{Agent: agent}
	if len(active) > 0 {
		job := active[0]
		status.ActiveJob = &job
	}
	return status, nil
}

// Candidate is an agent left non-terminal by a prior crash, with its
// still-open jobs.
type Candidate struct {
	Agent    state.Agent `json:"agent"`
	OpenJobs []jobs.Job  `json:"open_jobs,omitempty"`
}

// RestoreUniverse is the crash-recovery sweep run at startup. Under the
// default report policy it only surfaces candidates; under mark-failed it
// fails each candidate's open jobs and terminates the agent.
func (o *Orchestrator) RestoreUniverse(ctx context.Context) ([]Candidate, error) {
	agents, err := o.store.ListAgents(ctx, []state.AgentState{state.AgentRunning, state.AgentPaused}, 0)
	if err != nil {
		return nil, err
	}

	var candidates []Candidate
	for _, agent := range agents {
		open, err := o.jobs.FindByAgentStatus(ctx, agent.ID, jobs.StatusPending, jobs.StatusRunning, jobs.StatusPaused)
		if err != nil {
			return nil, err
		}
		candidate := Candidate{Agent: agent, OpenJobs: open}
		candidates = append(candidates, candidate)

		jobIDs := make([]string, 0, len(open))
		for _, job := range open {
			jobIDs = append(jobIDs, job.ID)
		}
		slog.Info("resurrection candidate",
			"agent_id", agent.ID, "agent_state", agent.State, "open_jobs", len(open))
		o.emitLifecycle(ctx, eventbus.TypeAgentResurrection, agent.ID, map[string]any{
			"agent_id":    agent.ID,
			"agent_state": string(agent.State),
			"open_jobs":   jobIDs,
		})

		if o.recovery == RecoveryMarkFailed {
			for _, job := range open {
				if err := o.jobs.SetStatus(ctx, job.ID, jobs.StatusFailed, nil, "orphaned by restart"); err != nil {
					return nil, err
				}
			}
			if err := o.store.SetAgentState(ctx, agent.ID, state.AgentTerminated); err != nil {
				return nil, err
			}
			o.emitLifecycle(ctx, eventbus.TypeAgentTerminated, agent.ID, map[string]any{
				"agent_id": agent.ID,
				"reason":   "recovery mark-failed",
			})
		}
	}
	return candidates, nil
}

func (o *Orchestrator) getAgent(ctx context.Context, agentID string) (state.Agent, error) {
	agent, err := o.store.GetAgent(ctx, agentID)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return state.Agent{}, fmt.Errorf("agent %s: %w", agentID, ErrAgentNotFound)
		}
		return state.Agent{}, err
	}
	return agent, nil
}

func (o *Orchestrator) emitLifecycle(ctx context.Context, t eventbus.Type, agentID string, payload map[string]any) {
	if o.bus == nil {
		return
	}
	_, _ = o.bus.Emit(ctx, eventbus.EventInput{
		Type:          t,
		Source:        "orchestrator",
		CorrelationID: agentID,
		Payload:       payload,
	})
}
