package log

const (
	// Request
	FieldRequestID = "request_id"
	FieldMethod    = "method"
	FieldPath      = "path"
	FieldStatus    = "status"
	FieldLatency   = "latency_ms"
	FieldClientIP  = "client_ip"

	// Actor
	FieldUserID = "user_id"

	// Service
	FieldService = "service"
	FieldSource  = "source"

	// Connection
	FieldConnectionID = "connection_id"
	FieldEndpoint     = "endpoint"
	FieldState        = "state"
	FieldAttempt      = "attempt"
	FieldDelay        = "delay_ms"

	// Events
	FieldEventType = "event_type"
	FieldStreamID  = "stream_id"
	FieldQuestID   = "quest_id"
)
