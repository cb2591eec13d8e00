package event

// Keys used in Event.Data
const (
	KeyError          = "error"
	KeyCount          = "count"
	KeyReason         = "reason"
	KeyFailureType    = "failure_type"
	KeyFailureCount   = "failure_count"
	KeyReplacement    = "replacement"
	KeyFailedNode     = "failed_node"
	KeyCapacity       = "capacity"
	KeyAddress        = "address"
	KeyCheckpointID   = "checkpoint_id"
	KeyStateHash      = "state_hash"
	KeyScore          = "score"
	KeyTotalPool      = "total_pool"
	KeyDistributed    = "distributed"
	KeyPending        = "pending"
	KeyRecipients     = "recipients"
	KeyAction         = "action"
	KeyQuarantinedTil = "quarantined_until"
)
