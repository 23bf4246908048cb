package rest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/letsconnect/flowkit/bus"
	"github.com/letsconnect/flowkit/engine"
	"github.com/letsconnect/flowkit/flow"
	"github.com/letsconnect/flowkit/model"
	"github.com/letsconnect/flowkit/persistence/memory"
	"github.com/letsconnect/flowkit/registry"
	"github.com/letsconnect/flowkit/retry"
	"github.com/letsconnect/flowkit/service"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*Server, *bus.EventBus, *service.ExecutionService) {
	t.Helper()
	def := &flow.Definition{
		Id:      "fn",
		Trigger: flow.OnEvent("app/test"),
		Steps: []flow.Step{
			flow.NewStep("work", func(ctx context.Context, fctx flow.Context) (any, error) {
				return "done", nil
			}),
		},
	}
	reg := registry.New()
	require.NoError(t, reg.Register(def))
	storage := memory.NewStorage()
	eng := engine.NewStepEngine(reg, storage, retry.NoRetry())
	svc := service.NewExecutionService(reg, storage, eng)

	var wg sync.WaitGroup
	eventBus := bus.New(&wg, 16)
	eventBus.Start()
	t.Cleanup(eventBus.Stop)

	server, err := NewServer(0, eventBus, svc)
	require.NoError(t, err)
	return server, eventBus, svc
}

func TestHandleEventAcceptsAndPublishes(t *testing.T) {
	server, eventBus, _ := newTestServer(t)

	received := make(chan model.Event, 1)
	eventBus.Subscribe("app/test", func(event model.Event) {
		received <- event
	})

	body := `{"name":"app/test","data":{"k":"v"}}`
	req := httptest.NewRequest(http.MethodPost, "/event", strings.NewReader(body))
	rec := httptest.NewRecorder()
	server.Handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	select {
	case event := <-received:
		require.Equal(t, "v", event.Data["k"])
	case <-time.After(2 * time.Second):
		t.Fatal("event not published")
	}
}

func TestHandleEventRejectsBadBody(t *testing.T) {
	server, _, _ := newTestServer(t)

	scenarios := map[string]string{
		"malformed json": `{not json`,
		"missing name":   `{"data":{}}`,
	}
	for name, body := range scenarios {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/event", strings.NewReader(body))
			rec := httptest.NewRecorder()
			server.Handler.ServeHTTP(rec, req)
			require.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestHandleGetRun(t *testing.T) {
	server, _, svc := newTestServer(t)

	event := model.Event{Id: "evt-1", Name: "app/test", Data: map[string]any{}}
	require.NoError(t, svc.OnEvent(context.Background(), event))

	runId := service.RunIdForEvent("fn", "evt-1")
	req := httptest.NewRequest(http.MethodGet, "/run/"+runId, nil)
	rec := httptest.NewRecorder()
	server.Handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "COMPLETED")

	req = httptest.NewRequest(http.MethodGet, "/run/nope", nil)
	rec = httptest.NewRecorder()
	server.Handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}
