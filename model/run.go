package model

import "time"

type RunStatus string

const RUN_STATUS_PENDING RunStatus = "PENDING"
const RUN_STATUS_RUNNING RunStatus = "RUNNING"
const RUN_STATUS_SLEEPING RunStatus = "SLEEPING"
const RUN_STATUS_COMPLETED RunStatus = "COMPLETED"
const RUN_STATUS_FAILED RunStatus = "FAILED"

// Terminal reports whether the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	return s == RUN_STATUS_COMPLETED || s == RUN_STATUS_FAILED
}

// StepMemo is the recorded outcome of one step, keyed by step name. For a
// compute step Result holds the JSON-encoded action output; for a sleep step
// WakeAt holds the absolute wake timestamp resolved at scheduling time.
type StepMemo struct {
	StepName   string
	Result     []byte
	WakeAt     *time.Time
	RecordedAt time.Time
}

// Run is one durable execution instance of a registered function against one
// triggering event. A run is mutated only through the run store; memoized
// steps are never executed again.
type Run struct {
	Id         string
	FunctionId string
	EventId    string
	EventName  string
	Input      map[string]any
	Status     RunStatus
	Cursor     int
	Memos      map[string]StepMemo
	WakeAt     *time.Time
	Error      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
