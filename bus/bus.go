package bus

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/letsconnect/flowkit/logger"
	"github.com/letsconnect/flowkit/model"
	"github.com/letsconnect/flowkit/util"
	"go.uber.org/zap"
)

type Handler func(event model.Event)

// EventBus delivers published events to handlers subscribed by event name.
// Publish hands the event to a buffered worker and returns, so producers
// never block on downstream processing. Delivery is at-least-once; run
// creation downstream is idempotent, so redelivery is harmless.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	worker   *util.Worker
}

func New(wg *sync.WaitGroup, capacity int) *EventBus {
	b := &EventBus{
		handlers: make(map[string][]Handler),
	}
	b.worker = util.NewWorker("event-bus", wg, b.dispatch, capacity)
	return b
}

func (b *EventBus) Start() {
	b.worker.Start()
}

func (b *EventBus) Stop() {
	b.worker.Stop()
}

func (b *EventBus) Subscribe(eventName string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventName] = append(b.handlers[eventName], handler)
}

// Publish stamps the event with an id and timestamp when absent and queues
// it for dispatch.
func (b *EventBus) Publish(event model.Event) {
	if event.Id == "" {
		event.Id = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}
	b.worker.Sender() <- event
}

func (b *EventBus) dispatch(action util.Action) error {
	event := action.(model.Event)
	b.mu.RLock()
	handlers := b.handlers[event.Name]
	b.mu.RUnlock()
	if len(handlers) == 0 {
		logger.Debug("no handler for event", zap.String("event", event.Name))
		return nil
	}
	for _, handler := range handlers {
		handler(event)
	}
	return nil
}
