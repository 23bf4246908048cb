package persistence

import (
	"fmt"
	"time"

	"github.com/letsconnect/flowkit/model"
)

type StorageLayerError struct {
	Message string
}

func (e StorageLayerError) Error() string {
	return fmt.Sprintf("error in underlying storage layer: %s", e.Message)
}

type RunNotFoundError struct {
	RunId string
}

func (e RunNotFoundError) Error() string {
	return fmt.Sprintf("run %s not found", e.RunId)
}

// StepAlreadyRecordedError signals a non-deterministic step action: a memo
// for the step exists with a different result.
type StepAlreadyRecordedError struct {
	RunId    string
	StepName string
}

func (e StepAlreadyRecordedError) Error() string {
	return fmt.Sprintf("step %s of run %s already recorded with a different result", e.StepName, e.RunId)
}

// RunStore persists runs. All mutations to a given run id are serialized by
// the implementation; transitions out of a terminal state are no-ops so
// duplicate wake deliveries stay harmless.
type RunStore interface {
	// GetOrCreate returns the existing run for run.Id unchanged, or persists
	// run and returns it. The second result is true when a run was created.
	GetOrCreate(run *model.Run) (*model.Run, bool, error)
	Get(runId string) (*model.Run, error)
	// RecordStepResult appends memo to the run and moves the cursor. It is
	// idempotent for an identical memo and returns StepAlreadyRecordedError
	// for a divergent one.
	RecordStepResult(runId string, memo model.StepMemo, cursor int) error
	SetRunning(runId string) error
	SetSleeping(runId string, wakeAt time.Time) error
	SetCompleted(runId string) error
	SetFailed(runId string, reason string) error
}

// Wake is one pending entry in the wake queue.
type Wake struct {
	RunId  string
	WakeAt time.Time
}

// WakeQueue persists pending wakes ordered by wake time. An entry stays
// queued until Remove acknowledges it, so a crash between polling and
// advancing redelivers the wake instead of losing it. Duplicate delivery is
// harmless: memo replay and terminal no-ops absorb it.
type WakeQueue interface {
	Push(runId string, wakeAt time.Time) error
	// PollDue returns every wake at or before now without removing it.
	PollDue(now time.Time) ([]Wake, error)
	// Remove acknowledges one delivered wake. Removal matches both run id
	// and wake time, so a newer wake pushed for the same run survives.
	Remove(wake Wake) error
}

// CronMarkStore tracks the last-fired schedule boundary per cron function so
// a boundary fires at most once and missed boundaries are caught up.
type CronMarkStore interface {
	GetMark(functionId string) (time.Time, bool, error)
	SetMark(functionId string, t time.Time) error
}

// Storage is the full durable surface a backend provides.
type Storage interface {
	RunStore
	WakeQueue
	CronMarkStore
}
