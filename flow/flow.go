package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/letsconnect/flowkit/model"
)

type TriggerType string

const TRIGGER_TYPE_EVENT TriggerType = "EVENT"
const TRIGGER_TYPE_CRON TriggerType = "CRON"

// Trigger is the condition that creates a run: either a named event or a
// cron schedule expression. Exactly one of Event/Cron is set.
type Trigger struct {
	Type  TriggerType
	Event string
	Cron  string
}

func OnEvent(name string) Trigger {
	return Trigger{Type: TRIGGER_TYPE_EVENT, Event: name}
}

func OnCron(expr string) Trigger {
	return Trigger{Type: TRIGGER_TYPE_CRON, Cron: expr}
}

// Context carries the triggering event and the memoized outputs of earlier
// steps into a step action.
type Context struct {
	Event   model.Event
	Outputs map[string][]byte
}

// Output decodes the memoized result of an earlier step into v.
func (c Context) Output(stepName string, v any) error {
	raw, ok := c.Outputs[stepName]
	if !ok {
		return fmt.Errorf("no output recorded for step %s", stepName)
	}
	return json.Unmarshal(raw, v)
}

// ActionFunc is the unit of work of a compute step. It must be idempotent:
// a crash between execution and memo recording re-runs it on resume.
type ActionFunc func(ctx context.Context, fctx Context) (any, error)

type StepType string

const STEP_TYPE_RUN StepType = "RUN"
const STEP_TYPE_SLEEP_FOR StepType = "SLEEP_FOR"
const STEP_TYPE_SLEEP_UNTIL StepType = "SLEEP_UNTIL"

// Step is one named unit in a function's ordered sequence. Names must be
// unique within one definition; the memo of a completed step is keyed by
// name so replay is independent of position.
type Step struct {
	Name     string
	Type     StepType
	Action   ActionFunc
	Duration time.Duration
	Until    func(Context) time.Time
}

// NewStep builds a compute-and-memoize step.
func NewStep(name string, action ActionFunc) Step {
	return Step{Name: name, Type: STEP_TYPE_RUN, Action: action}
}

// SleepFor suspends the run for the given duration. The duration is resolved
// to an absolute wake timestamp when the step is first reached, so restarts
// do not recompute it from a later now.
func SleepFor(name string, d time.Duration) Step {
	return Step{Name: name, Type: STEP_TYPE_SLEEP_FOR, Duration: d}
}

// SleepUntil suspends the run until the wall-clock time returned by until.
func SleepUntil(name string, until func(Context) time.Time) Step {
	return Step{Name: name, Type: STEP_TYPE_SLEEP_UNTIL, Until: until}
}

// Definition is a registered function: a trigger plus an ordered step
// sequence. Validate, when set, checks the event payload at the bus boundary
// before a run is created.
type Definition struct {
	Id       string
	Trigger  Trigger
	Steps    []Step
	Validate func(data map[string]any) error
}
