package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/letsconnect/flowkit/engine"
	"github.com/letsconnect/flowkit/flow"
	"github.com/letsconnect/flowkit/model"
	"github.com/letsconnect/flowkit/persistence/memory"
	"github.com/letsconnect/flowkit/registry"
	"github.com/letsconnect/flowkit/retry"
	"github.com/stretchr/testify/require"
)

func TestRunIdDerivationIsDeterministic(t *testing.T) {
	require.Equal(t, RunIdForEvent("fn", "evt-1"), RunIdForEvent("fn", "evt-1"))
	require.NotEqual(t, RunIdForEvent("fn", "evt-1"), RunIdForEvent("fn", "evt-2"))
	require.NotEqual(t, RunIdForEvent("fn-a", "evt-1"), RunIdForEvent("fn-b", "evt-1"))

	boundary := time.Date(2025, 6, 1, 3, 30, 0, 0, time.UTC)
	require.Equal(t, RunIdForBoundary("fn", boundary), RunIdForBoundary("fn", boundary))
	require.Equal(t, RunIdForBoundary("fn", boundary), RunIdForBoundary("fn", boundary.In(time.FixedZone("IST", 5*3600+1800))))
	require.NotEqual(t, RunIdForBoundary("fn", boundary), RunIdForBoundary("fn", boundary.Add(time.Hour)))
}

func newService(t *testing.T, def *flow.Definition) (*ExecutionService, *memory.Storage) {
	t.Helper()
	reg := registry.New()
	require.NoError(t, reg.Register(def))
	storage := memory.NewStorage()
	eng := engine.NewStepEngine(reg, storage, retry.NoRetry())
	return NewExecutionService(reg, storage, eng), storage
}

func TestDuplicateEventDeliveryCreatesOneRun(t *testing.T) {
	executions := 0
	def := &flow.Definition{
		Id:      "fn",
		Trigger: flow.OnEvent("app/test"),
		Steps: []flow.Step{
			flow.NewStep("work", func(ctx context.Context, fctx flow.Context) (any, error) {
				executions++
				return nil, nil
			}),
		},
	}
	svc, storage := newService(t, def)

	event := model.Event{Id: "evt-1", Name: "app/test", Data: map[string]any{}}
	require.NoError(t, svc.OnEvent(context.Background(), event))
	require.NoError(t, svc.OnEvent(context.Background(), event))
	require.Equal(t, 1, executions)

	run, err := storage.Get(RunIdForEvent("fn", "evt-1"))
	require.NoError(t, err)
	require.Equal(t, model.RUN_STATUS_COMPLETED, run.Status)
}

func TestMalformedPayloadRejectedBeforeRunCreation(t *testing.T) {
	def := &flow.Definition{
		Id:      "fn",
		Trigger: flow.OnEvent("app/test"),
		Validate: func(data map[string]any) error {
			if _, ok := data["id"]; !ok {
				return errors.New("missing id")
			}
			return nil
		},
		Steps: []flow.Step{
			flow.NewStep("work", func(ctx context.Context, fctx flow.Context) (any, error) {
				return nil, nil
			}),
		},
	}
	svc, storage := newService(t, def)

	err := svc.OnEvent(context.Background(), model.Event{Id: "evt-1", Name: "app/test", Data: map[string]any{}})
	var invalid InvalidPayloadError
	require.ErrorAs(t, err, &invalid)
	require.Equal(t, "app/test", invalid.EventName)

	_, err = storage.Get(RunIdForEvent("fn", "evt-1"))
	require.Error(t, err)
}

func TestEventWithoutMatchingFunctionIsIgnored(t *testing.T) {
	def := &flow.Definition{
		Id:      "fn",
		Trigger: flow.OnEvent("app/test"),
		Steps: []flow.Step{
			flow.NewStep("work", func(ctx context.Context, fctx flow.Context) (any, error) {
				return nil, nil
			}),
		},
	}
	svc, _ := newService(t, def)

	err := svc.OnEvent(context.Background(), model.Event{Id: "evt-1", Name: "app/other"})
	require.NoError(t, err)
}

func TestFireCronIsIdempotentPerBoundary(t *testing.T) {
	executions := 0
	def := &flow.Definition{
		Id:      "digest",
		Trigger: flow.OnCron("0 9 * * *"),
		Steps: []flow.Step{
			flow.NewStep("send", func(ctx context.Context, fctx flow.Context) (any, error) {
				executions++
				return nil, nil
			}),
		},
	}
	svc, _ := newService(t, def)

	boundary := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, svc.FireCron(context.Background(), def, boundary))
	require.NoError(t, svc.FireCron(context.Background(), def, boundary))
	require.Equal(t, 1, executions)

	require.NoError(t, svc.FireCron(context.Background(), def, boundary.Add(24*time.Hour)))
	require.Equal(t, 2, executions)
}
