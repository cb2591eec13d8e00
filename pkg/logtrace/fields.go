package logtrace

// Fields is a type alias for structured log fields
type Fields map[string]interface{}

// WithFields returns a copy of base with extra fields merged in.
func WithFields(base Fields, extra Fields) Fields {
	fields := make(Fields, len(base)+len(extra))
	for key, value := range base {
		fields[key] = value
	}
	for key, value := range extra {
		fields[key] = value
	}
	return fields
}

const (
	FieldCorrelationID = "correlation_id"
	FieldModule        = "module"
	FieldMethod        = "method"
	FieldError         = "error"
	FieldStatus        = "status"
	FieldNodeID        = "node_id"
	FieldSessionID     = "session_id"
	FieldPeer          = "peer"
	FieldAddress       = "address"
	FieldKey           = "key"
	FieldBucket        = "bucket"
	FieldFailureType   = "failure_type"
	FieldCheckpointID  = "checkpoint_id"
	FieldAmount        = "amount"
	FieldCount         = "count"
	FieldEventType     = "event_type"
	FieldStackTrace    = "stack_trace"
)
