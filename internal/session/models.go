package session

import "time"

// Stage is the lifecycle stage of a live call.
// Closed is terminal and never stored: removal from the registry is the
// only destructor.
type Stage string

const (
	StageIncoming  Stage = "incoming"
	StageAccepting Stage = "accepting"
	StageActive    Stage = "active"
	StageEnding    Stage = "ending"
)

// Stats are advisory per-call counters for observability.
// They are never used for correctness decisions.
type Stats struct {
	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	MessageCount   int64     `json:"message_count"`
	Interrupted    bool      `json:"interrupted"`
}

// Call is one telephony session, keyed by the call-control system's call id.
type Call struct {
	ID     string `json:"call_id"`
	Caller string `json:"caller"`
	Stage  Stage  `json:"stage"`

	// Greeted flips false→true exactly once per live call; it is claimed
	// optimistically before the greeting stream connects and rolled back
	// only if delivery fails.
	Greeted bool `json:"greeted"`

	// HasFunctionStream is true while a function-call stream is open.
	HasFunctionStream bool `json:"has_function_stream"`

	Stats Stats `json:"stats"`
}

// Counts is a diagnostic snapshot of registry-wide totals.
type Counts struct {
	ActiveCalls     int `json:"active_calls"`
	GreetedCalls    int `json:"greeted_calls"`
	FunctionStreams int `json:"function_streams"`
}
