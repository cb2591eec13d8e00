package transport

import (
	json "github.com/json-iterator/go"

	"github.com/LumeraProtocol/trainpool/pkg/errors"
)

// HeartbeatPayload is sent periodically by every active node
type HeartbeatPayload struct {
	Address string `json:"address,omitempty"`
}

// GradientPayload summarizes a gradient submission
type GradientPayload struct {
	Valid   bool    `json:"valid"`
	Quality float64 `json:"quality"`
	Step    int64   `json:"step,omitempty"`
}

// TrainingMetricsPayload carries a node's self-reported training metrics
type TrainingMetricsPayload struct {
	Loss            float64 `json:"loss"`
	GradientQuality float64 `json:"gradient_quality"`
	ComputeTime     float64 `json:"compute_time"`
	DataTransmitted float64 `json:"data_transmitted"`
	UptimeRatio     float64 `json:"uptime_ratio"`
}

// RewardNotificationPayload tells a participant about its payout
type RewardNotificationPayload struct {
	DistributionID string `json:"distribution_id"`
	Amount         string `json:"amount"`
	Settled        bool   `json:"settled"`
}

// ModelSyncPayload carries compressed model state
type ModelSyncPayload struct {
	CheckpointID string `json:"checkpoint_id"`
	Epoch        int64  `json:"epoch"`
	Step         int64  `json:"step"`
	StateHash    string `json:"state_hash"`
	ModelState   []byte `json:"model_state"`
	Encoding     string `json:"encoding"`
	// GradientAggregation is sent as captured, without compression
	GradientAggregation []byte `json:"gradient_aggregation,omitempty"`
}

// TuningSuggestionPayload carries hyperparameter suggestions
type TuningSuggestionPayload struct {
	LearningRateFactor float64 `json:"learning_rate_factor"`
	BatchSizeFactor    float64 `json:"batch_size_factor"`
	Reason             string  `json:"reason"`
}

// FailoverAssignmentPayload hands a failed node's work to a standby
type FailoverAssignmentPayload struct {
	FailedNodeID string            `json:"failed_node_id"`
	Checkpoint   *ModelSyncPayload `json:"checkpoint,omitempty"`
	// ParticipantState is the failed node's checkpointed progress as JSON
	ParticipantState []byte `json:"participant_state,omitempty"`
}

// RedistributePayload asks active nodes to absorb a failed node's share
type RedistributePayload struct {
	FailedNodeID string   `json:"failed_node_id"`
	ActiveNodes  []string `json:"active_nodes"`
}

// EncodePayload serializes v as JSON
func EncodePayload(v interface{}) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "encode payload")
	}
	return b, nil
}

// DecodePayload deserializes a JSON payload into v
func DecodePayload(b []byte, v interface{}) error {
	if len(b) == 0 {
		return errors.Invalid("empty payload")
	}
	if err := json.Unmarshal(b, v); err != nil {
		return errors.Wrap(err, "decode payload")
	}
	return nil
}
