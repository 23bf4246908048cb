package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/letsconnect/flowkit/cache"
	"github.com/letsconnect/flowkit/engine"
	"github.com/letsconnect/flowkit/flow"
	"github.com/letsconnect/flowkit/logger"
	"github.com/letsconnect/flowkit/model"
	"github.com/letsconnect/flowkit/persistence"
	"github.com/letsconnect/flowkit/registry"
	"go.uber.org/zap"
)

type InvalidPayloadError struct {
	EventName string
	Reason    string
}

func (e InvalidPayloadError) Error() string {
	return fmt.Sprintf("invalid payload for event %s: %s", e.EventName, e.Reason)
}

// RunIdForEvent derives the run id deterministically from the function id
// and the triggering event identity, so duplicate delivery of one event
// resolves to one run.
func RunIdForEvent(functionId string, eventId string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(functionId+"/"+eventId)).String()
}

// RunIdForBoundary derives the run id for one cron schedule boundary, so a
// boundary fires at most one run even under retry.
func RunIdForBoundary(functionId string, boundary time.Time) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(functionId+"@"+boundary.UTC().Format(time.RFC3339))).String()
}

// ExecutionService sits between the bus/scheduler and the engine: it
// validates payloads at the bus boundary, creates runs idempotently and
// advances them.
type ExecutionService struct {
	registry   *registry.Registry
	storage    persistence.Storage
	engine     *engine.StepEngine
	stateCache *cache.RunStateCache
}

func NewExecutionService(reg *registry.Registry, storage persistence.Storage, eng *engine.StepEngine) *ExecutionService {
	return &ExecutionService{
		registry:   reg,
		storage:    storage,
		engine:     eng,
		stateCache: cache.NewRunStateCache(),
	}
}

// OnEvent resolves the event to a registered function and creates or
// resumes the corresponding run.
func (s *ExecutionService) OnEvent(ctx context.Context, event model.Event) error {
	def, ok := s.registry.Resolve(event.Name)
	if !ok {
		logger.Debug("event matches no function", zap.String("event", event.Name))
		return nil
	}
	if def.Validate != nil {
		if err := def.Validate(event.Data); err != nil {
			logger.Error("rejecting malformed event", zap.String("event", event.Name), zap.Error(err))
			return InvalidPayloadError{EventName: event.Name, Reason: err.Error()}
		}
	}
	runId := RunIdForEvent(def.Id, event.Id)
	return s.startRun(ctx, def, runId, event)
}

// FireCron creates and advances the run for one due schedule boundary with
// a synthetic empty payload.
func (s *ExecutionService) FireCron(ctx context.Context, def *flow.Definition, boundary time.Time) error {
	event := model.Event{
		Id:         def.Id + "@" + boundary.UTC().Format(time.RFC3339),
		Name:       "cron/" + def.Id,
		Data:       map[string]any{},
		OccurredAt: boundary,
	}
	runId := RunIdForBoundary(def.Id, boundary)
	return s.startRun(ctx, def, runId, event)
}

func (s *ExecutionService) startRun(ctx context.Context, def *flow.Definition, runId string, event model.Event) error {
	run := &model.Run{
		Id:         runId,
		FunctionId: def.Id,
		EventId:    event.Id,
		EventName:  event.Name,
		Input:      event.Data,
		Status:     model.RUN_STATUS_RUNNING,
		Memos:      make(map[string]model.StepMemo),
	}
	_, created, err := s.storage.GetOrCreate(run)
	if err != nil {
		return err
	}
	if created {
		logger.Info("run created", zap.String("function", def.Id), zap.String("runId", runId), zap.String("event", event.Name))
	} else {
		logger.Debug("duplicate event delivery, resuming existing run", zap.String("runId", runId))
	}
	return s.advance(ctx, runId)
}

// WakeRun re-invokes the engine for a run whose wake time has arrived.
func (s *ExecutionService) WakeRun(ctx context.Context, runId string) error {
	if status, ok := s.stateCache.GetRunState(runId); ok && status.Terminal() {
		return nil
	}
	return s.advance(ctx, runId)
}

func (s *ExecutionService) GetRun(runId string) (*model.Run, error) {
	return s.storage.Get(runId)
}

func (s *ExecutionService) advance(ctx context.Context, runId string) error {
	outcome, err := s.engine.Advance(ctx, runId)
	if err != nil {
		return err
	}
	switch outcome.Kind {
	case engine.OUTCOME_COMPLETED:
		s.stateCache.SaveRunState(runId, model.RUN_STATUS_COMPLETED)
	case engine.OUTCOME_FAILED:
		s.stateCache.SaveRunState(runId, model.RUN_STATUS_FAILED)
	case engine.OUTCOME_SUSPENDED:
		s.stateCache.SaveRunState(runId, model.RUN_STATUS_SLEEPING)
	}
	return nil
}
