package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/letsconnect/flowkit/analytics"
	"github.com/letsconnect/flowkit/flow"
	"github.com/letsconnect/flowkit/logger"
	"github.com/letsconnect/flowkit/model"
	"github.com/letsconnect/flowkit/persistence"
	"github.com/letsconnect/flowkit/registry"
	"github.com/letsconnect/flowkit/retry"
	"go.uber.org/zap"
)

type OutcomeKind string

const OUTCOME_SUSPENDED OutcomeKind = "SUSPENDED"
const OUTCOME_COMPLETED OutcomeKind = "COMPLETED"
const OUTCOME_FAILED OutcomeKind = "FAILED"

// Outcome is the result of advancing a run: suspended until WakeAt,
// completed with the final step's memoized result, or failed.
type Outcome struct {
	Kind   OutcomeKind
	WakeAt time.Time
	Result []byte
	Err    error
}

// StepEngine executes a function's steps against a run. Steps whose memo is
// already recorded are skipped, so re-invoking Advance after a crash or a
// duplicate wake replays without repeating side effects.
type StepEngine struct {
	registry *registry.Registry
	storage  persistence.Storage
	policy   *retry.Policy
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
	locks    sync.Map
}

func NewStepEngine(reg *registry.Registry, storage persistence.Storage, policy *retry.Policy) *StepEngine {
	if policy == nil {
		policy = retry.Default()
	}
	return &StepEngine{
		registry: reg,
		storage:  storage,
		policy:   policy,
		now:      time.Now,
		sleep:    waitFor,
	}
}

// WithClock replaces the engine's wall clock. Used by tests.
func (e *StepEngine) WithClock(now func() time.Time) *StepEngine {
	e.now = now
	return e
}

// WithBackoffWait replaces the in-process wait between retry attempts.
func (e *StepEngine) WithBackoffWait(wait func(ctx context.Context, d time.Duration) error) *StepEngine {
	e.sleep = wait
	return e
}

func waitFor(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Advance drives the run forward from its last memoized step. Mutations to
// one run are serialized by a per-run lock, so two concurrent wake
// deliveries cannot double-execute a step.
func (e *StepEngine) Advance(ctx context.Context, runId string) (Outcome, error) {
	lock := e.lockFor(runId)
	lock.Lock()
	defer lock.Unlock()

	run, err := e.storage.Get(runId)
	if err != nil {
		return Outcome{}, err
	}
	switch run.Status {
	case model.RUN_STATUS_COMPLETED:
		return Outcome{Kind: OUTCOME_COMPLETED, Result: lastResult(run)}, nil
	case model.RUN_STATUS_FAILED:
		return Outcome{Kind: OUTCOME_FAILED, Err: fmt.Errorf("%s", run.Error)}, nil
	}

	def, ok := e.registry.Get(run.FunctionId)
	if !ok {
		reason := fmt.Sprintf("function %s not registered", run.FunctionId)
		e.storage.SetFailed(runId, reason)
		return Outcome{Kind: OUTCOME_FAILED, Err: fmt.Errorf("%s", reason)}, nil
	}

	fctx := flow.Context{
		Event: model.Event{
			Id:         run.EventId,
			Name:       run.EventName,
			Data:       run.Input,
			OccurredAt: run.CreatedAt,
		},
		Outputs: make(map[string][]byte),
	}

	var finalResult []byte
	for i, step := range def.Steps {
		memo, done := run.Memos[step.Name]
		if done {
			if step.Type == flow.STEP_TYPE_RUN {
				fctx.Outputs[step.Name] = memo.Result
				finalResult = memo.Result
				continue
			}
			// sleep step: suspended again until the memoized wake time
			if memo.WakeAt != nil && e.now().Before(*memo.WakeAt) {
				e.storage.SetSleeping(runId, *memo.WakeAt)
				e.storage.Push(runId, *memo.WakeAt)
				return Outcome{Kind: OUTCOME_SUSPENDED, WakeAt: *memo.WakeAt}, nil
			}
			continue
		}

		if run.Status == model.RUN_STATUS_SLEEPING || run.Status == model.RUN_STATUS_PENDING {
			e.storage.SetRunning(runId)
			run.Status = model.RUN_STATUS_RUNNING
		}

		switch step.Type {
		case flow.STEP_TYPE_RUN:
			result, err := e.executeWithRetry(ctx, run, step, fctx)
			if err != nil {
				logger.Error("step action failed, failing run",
					zap.String("function", run.FunctionId), zap.String("runId", runId),
					zap.String("step", step.Name), zap.Error(err))
				analytics.RecordStepFailure(run.FunctionId, runId, step.Name, err.Error())
				e.storage.SetFailed(runId, err.Error())
				return Outcome{Kind: OUTCOME_FAILED, Err: err}, nil
			}
			encoded, err := json.Marshal(result)
			if err != nil {
				e.storage.SetFailed(runId, err.Error())
				return Outcome{Kind: OUTCOME_FAILED, Err: err}, nil
			}
			memo := model.StepMemo{StepName: step.Name, Result: encoded}
			if err := e.storage.RecordStepResult(runId, memo, i+1); err != nil {
				logger.Error("recording step result failed",
					zap.String("runId", runId), zap.String("step", step.Name), zap.Error(err))
				e.storage.SetFailed(runId, err.Error())
				return Outcome{Kind: OUTCOME_FAILED, Err: err}, nil
			}
			analytics.RecordStepSuccess(run.FunctionId, runId, step.Name)
			fctx.Outputs[step.Name] = encoded
			finalResult = encoded

		case flow.STEP_TYPE_SLEEP_FOR, flow.STEP_TYPE_SLEEP_UNTIL:
			wakeAt := e.wakeTime(step, fctx)
			memo := model.StepMemo{StepName: step.Name, WakeAt: &wakeAt}
			if err := e.storage.RecordStepResult(runId, memo, i+1); err != nil {
				e.storage.SetFailed(runId, err.Error())
				return Outcome{Kind: OUTCOME_FAILED, Err: err}, nil
			}
			e.storage.SetSleeping(runId, wakeAt)
			if err := e.storage.Push(runId, wakeAt); err != nil {
				return Outcome{}, err
			}
			logger.Info("run sleeping", zap.String("function", run.FunctionId),
				zap.String("runId", runId), zap.String("step", step.Name), zap.Time("wakeAt", wakeAt))
			return Outcome{Kind: OUTCOME_SUSPENDED, WakeAt: wakeAt}, nil
		}
	}

	e.storage.SetCompleted(runId)
	logger.Info("run completed", zap.String("function", run.FunctionId), zap.String("runId", runId))
	return Outcome{Kind: OUTCOME_COMPLETED, Result: finalResult}, nil
}

// wakeTime resolves a sleep step to an absolute timestamp. SleepFor is
// anchored to the time the step is first reached, never recomputed on
// restart since the memo persists the result.
func (e *StepEngine) wakeTime(step flow.Step, fctx flow.Context) time.Time {
	if step.Type == flow.STEP_TYPE_SLEEP_UNTIL {
		return step.Until(fctx)
	}
	return e.now().Add(step.Duration)
}

func (e *StepEngine) executeWithRetry(ctx context.Context, run *model.Run, step flow.Step, fctx flow.Context) (any, error) {
	attempt := 1
	for {
		result, err := step.Action(ctx, fctx)
		if err == nil {
			return result, nil
		}
		if !e.policy.ShouldRetry(attempt) {
			return nil, fmt.Errorf("step %s exhausted %d attempts: %w", step.Name, attempt, err)
		}
		delay := e.policy.NextDelay(attempt)
		logger.Warn("step action failed, retrying",
			zap.String("function", run.FunctionId), zap.String("runId", run.Id),
			zap.String("step", step.Name), zap.Int("attempt", attempt),
			zap.Duration("backoff", delay), zap.Error(err))
		if err := e.sleep(ctx, delay); err != nil {
			return nil, err
		}
		attempt++
	}
}

func lastResult(run *model.Run) []byte {
	var latest time.Time
	var result []byte
	for _, memo := range run.Memos {
		if memo.Result != nil && memo.RecordedAt.After(latest) {
			latest = memo.RecordedAt
			result = memo.Result
		}
	}
	return result
}

func (e *StepEngine) lockFor(runId string) *sync.Mutex {
	lock, _ := e.locks.LoadOrStore(runId, &sync.Mutex{})
	return lock.(*sync.Mutex)
}
