package eventbus

import "strings"

// Type is a namespaced event kind. The set is closed: every event the
// control plane emits uses one of these constants, and dispatch is keyed
// by exact type or by namespace instead of scanning patterns.
type Type string

const (
	TypeAgentSpawned      Type = "agent.lifecycle.spawned"
	TypeAgentPaused       Type = "agent.lifecycle.paused"
	TypeAgentResumed      Type = "agent.lifecycle.resumed"
	TypeAgentTerminated   Type = "agent.lifecycle.terminated"
	TypeAgentResurrection Type = "agent.lifecycle.resurrection_candidate"
	TypeJobCreated        Type = "job.created"
	TypeJobPending        Type = "job.pending"
	TypeJobRunning        Type = "job.running"
	TypeJobPaused         Type = "job.paused"
	TypeJobCompleted      Type = "job.completed"
	TypeJobFailed         Type = "job.failed"
	TypeJobCancelled      Type = "job.cancelled"
	TypeCheckpointSaved   Type = "job.checkpoint_saved"
	TypeCheckpointsSwept  Type = "checkpoint.retention_swept"
)

const (
	NamespaceAgent      = "agent"
	NamespaceJob        = "job"
	NamespaceCheckpoint = "checkpoint"
)

// Namespace returns the leading segment of the event type, e.g. "job" for
// "job.created".
func (t Type) Namespace() string {
	s := string(t)
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return s[:i]
	}
	return s
}

// Level is the severity attached to an event record.
type Level string

const (
	LevelInfo     Level = "INFO"
	LevelWarn     Level = "WARN"
	LevelError    Level = "ERROR"
	LevelCritical Level = "CRITICAL"
	LevelDebug    Level = "DEBUG"
)
