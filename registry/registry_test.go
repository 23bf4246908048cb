package registry

import (
	"context"
	"testing"

	"github.com/letsconnect/flowkit/flow"
	"github.com/stretchr/testify/require"
)

func noop(ctx context.Context, fctx flow.Context) (any, error) {
	return nil, nil
}

func TestRegisterRejectsDuplicateId(t *testing.T) {
	r := New()
	def := &flow.Definition{
		Id:      "fn1",
		Trigger: flow.OnEvent("app/a"),
		Steps:   []flow.Step{flow.NewStep("s1", noop)},
	}
	require.NoError(t, r.Register(def))

	err := r.Register(&flow.Definition{Id: "fn1", Trigger: flow.OnEvent("app/b")})
	require.IsType(t, DuplicateFunctionIdError{}, err)
}

func TestRegisterRejectsDuplicateEventTrigger(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(&flow.Definition{Id: "fn1", Trigger: flow.OnEvent("app/a")}))
	require.Error(t, r.Register(&flow.Definition{Id: "fn2", Trigger: flow.OnEvent("app/a")}))
}

func TestRegisterRejectsDuplicateStepNames(t *testing.T) {
	r := New()
	err := r.Register(&flow.Definition{
		Id:      "fn1",
		Trigger: flow.OnEvent("app/a"),
		Steps: []flow.Step{
			flow.NewStep("s1", noop),
			flow.NewStep("s1", noop),
		},
	})
	require.Error(t, err)
}

func TestRegisterRejectsBadCronExpression(t *testing.T) {
	r := New()
	err := r.Register(&flow.Definition{Id: "fn1", Trigger: flow.OnCron("not a schedule")})
	require.Error(t, err)
}

func TestResolve(t *testing.T) {
	r := New()
	def := &flow.Definition{Id: "fn1", Trigger: flow.OnEvent("app/a")}
	require.NoError(t, r.Register(def))

	got, ok := r.Resolve("app/a")
	require.True(t, ok)
	require.Equal(t, def, got)

	_, ok = r.Resolve("app/unknown")
	require.False(t, ok)
}

func TestCronEntries(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(&flow.Definition{Id: "fn1", Trigger: flow.OnEvent("app/a")}))
	require.NoError(t, r.Register(&flow.Definition{Id: "daily", Trigger: flow.OnCron("TZ=Asia/Kolkata 0 9 * * *")}))

	entries := r.CronEntries()
	require.Len(t, entries, 1)
	require.Equal(t, "daily", entries[0].Def.Id)
	require.NotNil(t, entries[0].Schedule)

	require.ElementsMatch(t, []string{"app/a"}, r.EventTriggers())
}
