package event

import "time"

// EventType represents the type of event
type EventType string

// Event types constants
const (
	// Node lifecycle events
	NodeRegistered           EventType = "node.registered"
	NodeQuarantined          EventType = "node.quarantined"
	NodeReleased             EventType = "node.released"
	NodeFailureHandled       EventType = "node.failure_handled"
	NodeReplacementActivated EventType = "node.replacement_activated"
	WorkloadRedistributed    EventType = "workload.redistributed"

	// Training progress events
	ContributionRecorded EventType = "contribution.recorded"
	CheckpointCreated    EventType = "checkpoint.created"

	// Settlement events
	RewardsDistributed   EventType = "rewards.distributed"
	RewardsRetryComplete EventType = "rewards.retry_completed"
)

// Event represents an event emitted by one of the coordination services
type Event struct {
	Type      EventType              // Type of event
	Source    string                 // Emitting service (dht, faulttolerance, ...)
	SessionID string                 // Training session, when the event is session scoped
	NodeID    string                 // Node the event is about, when node scoped
	Timestamp time.Time              // When the event occurred
	Data      map[string]interface{} // Additional contextual data
}

// NewEvent builds an event stamped with the current time.
func NewEvent(eventType EventType, source, sessionID, nodeID string, data map[string]interface{}) Event {
	if data == nil {
		data = make(map[string]interface{})
	}

	return Event{
		Type:      eventType,
		Source:    source,
		SessionID: sessionID,
		NodeID:    nodeID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}
