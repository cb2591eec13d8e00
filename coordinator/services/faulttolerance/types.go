package faulttolerance

import (
	"time"
)

// FailureType classifies an observed node failure
type FailureType string

const (
	FailureTimeout         FailureType = "TIMEOUT"
	FailureDisconnect      FailureType = "DISCONNECT"
	FailureInvalidGradient FailureType = "INVALID_GRADIENT"
	FailureLowQuality      FailureType = "LOW_QUALITY"
)

// Valid reports whether t is a known failure type
func (t FailureType) Valid() bool {
	switch t {
	case FailureTimeout, FailureDisconnect, FailureInvalidGradient, FailureLowQuality:
		return true
	}
	return false
}

// NodeFailure is one observed failure
type NodeFailure struct {
	NodeID    string      `json:"node_id"`
	SessionID string      `json:"session_id,omitempty"`
	Type      FailureType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Reason    string      `json:"reason,omitempty"`
	Quality   float64     `json:"quality,omitempty"` // reported gradient quality for LOW_QUALITY
}

// NodeStatus is the health state of a node
type NodeStatus string

const (
	StatusActive      NodeStatus = "active"
	StatusWarning     NodeStatus = "warning"
	StatusQuarantined NodeStatus = "quarantined"
	StatusStandby     NodeStatus = "standby"
)

// NodeState is the tracked state of a participating node
type NodeState struct {
	NodeID           string     `json:"node_id"`
	Address          string     `json:"address"`
	SessionID        string     `json:"session_id,omitempty"`
	Status           NodeStatus `json:"status"`
	Capacity         float64    `json:"capacity,omitempty"`
	LastHeartbeat    time.Time  `json:"last_heartbeat"`
	RegisteredAt     time.Time  `json:"registered_at"`
	QuarantinedUntil time.Time  `json:"quarantined_until,omitempty"`
	// ReplacedBy is the standby activated in place of this node, if any
	ReplacedBy string `json:"replaced_by,omitempty"`
}

// FailoverNode is a registered standby
type FailoverNode struct {
	NodeID       string    `json:"node_id"`
	Address      string    `json:"address"`
	Capacity     float64   `json:"capacity"`
	RegisteredAt time.Time `json:"registered_at"`
}

// CheckpointState is the training state captured by a checkpoint
type CheckpointState struct {
	Epoch          int64  `json:"epoch"`
	Step           int64  `json:"step"`
	ModelState     []byte `json:"model_state"`
	OptimizerState []byte `json:"optimizer_state,omitempty"`
	// GradientAggregation is the partially aggregated gradient of the
	// current step
	GradientAggregation []byte                      `json:"gradient_aggregation,omitempty"`
	Participants        map[string]ParticipantState `json:"participants,omitempty"`
	Metrics             map[string]float64          `json:"metrics,omitempty"`
}

// ParticipantState is one node's progress within a checkpoint
type ParticipantState struct {
	Step             int64     `json:"step"`
	SamplesProcessed int64     `json:"samples_processed"`
	ShardCursor      []byte    `json:"shard_cursor,omitempty"`
	LastHeartbeat    time.Time `json:"last_heartbeat"`
}

// TrainingCheckpoint is a stored snapshot of a session
type TrainingCheckpoint struct {
	ID          string          `json:"id"`
	SessionID   string          `json:"session_id"`
	State       CheckpointState `json:"state"`
	StateHash   string          `json:"state_hash"`
	ActiveNodes []string        `json:"active_nodes"`
	CreatedAt   time.Time       `json:"created_at"`
}

// CheckpointMarker is the summary of the latest checkpoint mirrored into the DHT
type CheckpointMarker struct {
	CheckpointID string    `json:"checkpoint_id"`
	SessionID    string    `json:"session_id"`
	Epoch        int64     `json:"epoch"`
	Step         int64     `json:"step"`
	StateHash    string    `json:"state_hash"`
	ActiveNodes  []string  `json:"active_nodes"`
	CreatedAt    time.Time `json:"created_at"`
}

// QuarantineMarker records a quarantine in the DHT
type QuarantineMarker struct {
	NodeID       string    `json:"node_id"`
	Until        time.Time `json:"until"`
	FailureCount int       `json:"failure_count"`
	LastFailure  string    `json:"last_failure"`
}

// TuningSuggestion is pushed to nodes producing low quality gradients
type TuningSuggestion struct {
	LearningRateFactor float64 `json:"learning_rate_factor"`
	BatchSizeFactor    float64 `json:"batch_size_factor"`
	Reason             string  `json:"reason"`
}

// RecoveryAction names what failure handling did
type RecoveryAction string

const (
	ActionQuarantined   RecoveryAction = "quarantined"
	ActionProbeOK       RecoveryAction = "probe_ok"
	ActionReconnected   RecoveryAction = "reconnected"
	ActionReplaced      RecoveryAction = "replaced"
	ActionRedistributed RecoveryAction = "redistributed"
	ActionResynced      RecoveryAction = "resynced"
	ActionTuned         RecoveryAction = "tuned"
	ActionFailed        RecoveryAction = "failed"
)

// RecoveryOutcome reports the handling of one failure
type RecoveryOutcome struct {
	NodeID       string         `json:"node_id"`
	FailureType  FailureType    `json:"failure_type"`
	Action       RecoveryAction `json:"action"`
	Replacement  string         `json:"replacement,omitempty"`
	Notified     []string       `json:"notified,omitempty"`
	FailureCount int            `json:"failure_count"`
	// Err holds the reason when Action is ActionFailed or a notification failed
	Err error `json:"-"`
}

// HealthReport summarizes one health check pass
type HealthReport struct {
	// TimedOut are silent nodes that also failed the liveness probe
	TimedOut []string `json:"timed_out"`
	// Answered are silent nodes that answered the liveness probe
	Answered []string `json:"answered,omitempty"`
	Released []string `json:"released"`
}
