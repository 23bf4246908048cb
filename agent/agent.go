package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/letsconnect/flowkit/analytics"
	"github.com/letsconnect/flowkit/app"
	appmemory "github.com/letsconnect/flowkit/app/memory"
	"github.com/letsconnect/flowkit/bus"
	"github.com/letsconnect/flowkit/config"
	"github.com/letsconnect/flowkit/engine"
	"github.com/letsconnect/flowkit/logger"
	"github.com/letsconnect/flowkit/model"
	"github.com/letsconnect/flowkit/persistence"
	"github.com/letsconnect/flowkit/persistence/memory"
	"github.com/letsconnect/flowkit/persistence/redis"
	"github.com/letsconnect/flowkit/persistence/sqlite"
	"github.com/letsconnect/flowkit/registry"
	"github.com/letsconnect/flowkit/rest"
	"github.com/letsconnect/flowkit/scheduler"
	"github.com/letsconnect/flowkit/service"
	"go.uber.org/zap"
)

// Agent is the orchestrator instance: registry, run store, engine,
// scheduler and bus constructed once at process start and passed by
// reference. No hidden globals.
type Agent struct {
	Config config.Config

	storage          persistence.Storage
	registry         *registry.Registry
	engine           *engine.StepEngine
	executionService *service.ExecutionService
	scheduler        *scheduler.Scheduler
	eventBus         *bus.EventBus
	httpServer       *rest.Server

	shutdown     bool
	shutdownLock sync.Mutex
	wg           sync.WaitGroup
}

func New(cfg config.Config) (*Agent, error) {
	a := &Agent{
		Config: cfg,
	}
	setup := []func() error{
		a.setupAnalytics,
		a.setupStorage,
		a.setupRegistry,
		a.setupEngine,
		a.setupBus,
		a.setupScheduler,
		a.setupHttpServer,
	}
	for _, fn := range setup {
		if err := fn(); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func (a *Agent) setupAnalytics() error {
	return analytics.InitDataCollector(a.Config.AnalyticsConfig)
}

func (a *Agent) setupStorage() error {
	switch a.Config.StorageType {
	case config.STORAGE_TYPE_REDIS:
		a.storage = redis.NewRedisStorage(redis.Config{
			Addrs:     a.Config.RedisConfig.Addrs,
			Namespace: a.Config.RedisConfig.Namespace,
		})
	case config.STORAGE_TYPE_SQLITE:
		storage, err := sqlite.NewStorage(a.Config.SqliteConfig.Path)
		if err != nil {
			return err
		}
		a.storage = storage
	case config.STORAGE_TYPE_INMEM:
		a.storage = memory.NewStorage()
	default:
		return fmt.Errorf("unknown storage type %s", a.Config.StorageType)
	}
	return nil
}

// setupRegistry registers the workload functions against development
// collaborators. The document store and mail transport are external
// services in production; the in-memory store and log mailer stand in for
// them here.
func (a *Agent) setupRegistry() error {
	a.registry = registry.New()
	docStore := appmemory.NewDocumentStore()
	functions := &app.Functions{
		Users:       docStore,
		Connections: docStore,
		Stories:     docStore,
		Messages:    docStore,
		Mailer:      app.LogEmailSender{},
		FrontendURL: a.Config.FrontendURL,
	}
	return functions.Register(a.registry)
}

func (a *Agent) setupEngine() error {
	a.engine = engine.NewStepEngine(a.registry, a.storage, nil)
	a.executionService = service.NewExecutionService(a.registry, a.storage, a.engine)
	return nil
}

func (a *Agent) setupBus() error {
	a.eventBus = bus.New(&a.wg, a.Config.BusCapacity)
	for _, eventName := range a.registry.EventTriggers() {
		a.eventBus.Subscribe(eventName, func(event model.Event) {
			if err := a.executionService.OnEvent(context.Background(), event); err != nil {
				logger.Error("error handling event", zap.String("event", event.Name), zap.Error(err))
			}
		})
	}
	return nil
}

func (a *Agent) setupScheduler() error {
	a.scheduler = scheduler.New(a.storage, a.registry, a.executionService, &a.wg)
	return nil
}

func (a *Agent) setupHttpServer() error {
	var err error
	a.httpServer, err = rest.NewServer(a.Config.HttpPort, a.eventBus, a.executionService)
	return err
}

// Bus exposes the event bus for in-process producers.
func (a *Agent) Bus() *bus.EventBus {
	return a.eventBus
}

func (a *Agent) Start() error {
	a.eventBus.Start()
	a.scheduler.Start()
	go func() {
		if err := a.httpServer.Start(); err != nil {
			logger.Error("http server stopped", zap.Error(err))
		}
	}()
	logger.Info("agent started", zap.Int("httpPort", a.Config.HttpPort), zap.String("storage", string(a.Config.StorageType)))
	return nil
}

func (a *Agent) Shutdown() error {
	a.shutdownLock.Lock()
	defer a.shutdownLock.Unlock()
	if a.shutdown {
		return nil
	}
	a.shutdown = true

	shutdown := []func() error{
		a.httpServer.Stop,
		func() error {
			a.scheduler.Stop()
			return nil
		},
		func() error {
			a.eventBus.Stop()
			return nil
		},
	}
	for _, fn := range shutdown {
		if err := fn(); err != nil {
			return err
		}
	}
	a.wg.Wait()
	return nil
}
