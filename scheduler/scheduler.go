package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/letsconnect/flowkit/logger"
	"github.com/letsconnect/flowkit/persistence"
	"github.com/letsconnect/flowkit/registry"
	"github.com/letsconnect/flowkit/service"
	"github.com/letsconnect/flowkit/util"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Scheduler wakes sleeping runs whose wake time has arrived and fires
// cron-triggered functions at schedule boundaries. A sleeping run is pure
// persisted state until the wake poller re-invokes it, so a 24 hour sleep
// holds no goroutine.
type Scheduler struct {
	storage  persistence.Storage
	registry *registry.Registry
	service  *service.ExecutionService
	now      func() time.Time

	wakeWorker *util.TickWorker
	cronWorker *util.TickWorker
	stopWake   chan struct{}
	stopCron   chan struct{}
}

func New(storage persistence.Storage, reg *registry.Registry, svc *service.ExecutionService, wg *sync.WaitGroup) *Scheduler {
	s := &Scheduler{
		storage:  storage,
		registry: reg,
		service:  svc,
		now:      time.Now,
		stopWake: make(chan struct{}),
		stopCron: make(chan struct{}),
	}
	s.wakeWorker = util.NewTickWorker("wake-poller", 1*time.Second, s.stopWake, s.pollWakes, wg)
	s.cronWorker = util.NewTickWorker("cron-poller", 30*time.Second, s.stopCron, s.pollCron, wg)
	return s
}

// WithClock replaces the scheduler's wall clock. Used by tests.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

func (s *Scheduler) Start() {
	s.wakeWorker.Start()
	s.cronWorker.Start()
}

func (s *Scheduler) Stop() {
	if s.wakeWorker.IsRunning() {
		s.wakeWorker.Stop()
	}
	if s.cronWorker.IsRunning() {
		s.cronWorker.Stop()
	}
}

// pollWakes delivers due wakes. A wake is removed from the queue only after
// the run advanced, so a crash mid-delivery redelivers on the next poll or
// after restart; memo replay and terminal no-ops absorb the duplicate.
func (s *Scheduler) pollWakes() {
	due, err := s.storage.PollDue(s.now())
	if err != nil {
		logger.Error("error polling wake queue", zap.Error(err))
		return
	}
	for _, wake := range due {
		if err := s.service.WakeRun(context.Background(), wake.RunId); err != nil {
			logger.Error("error waking run", zap.String("runId", wake.RunId), zap.Error(err))
			continue
		}
		if err := s.storage.Remove(wake); err != nil {
			logger.Error("error removing delivered wake", zap.String("runId", wake.RunId), zap.Error(err))
		}
	}
}

// pollCron fires every boundary between the persisted last-fired mark and
// now, so boundaries missed while the process was down are caught up. The
// mark is initialized at first sight of a function to avoid back-filling
// history.
func (s *Scheduler) pollCron() {
	now := s.now()
	for _, entry := range s.registry.CronEntries() {
		mark, ok, err := s.storage.GetMark(entry.Def.Id)
		if err != nil {
			logger.Error("error reading cron mark", zap.String("function", entry.Def.Id), zap.Error(err))
			continue
		}
		if !ok {
			if err := s.storage.SetMark(entry.Def.Id, now); err != nil {
				logger.Error("error initializing cron mark", zap.String("function", entry.Def.Id), zap.Error(err))
			}
			continue
		}
		for _, boundary := range DueBoundaries(entry.Schedule, mark, now) {
			logger.Info("cron boundary due", zap.String("function", entry.Def.Id), zap.Time("boundary", boundary))
			if err := s.service.FireCron(context.Background(), entry.Def, boundary); err != nil {
				logger.Error("error firing cron function", zap.String("function", entry.Def.Id), zap.Error(err))
				break
			}
			if err := s.storage.SetMark(entry.Def.Id, boundary); err != nil {
				logger.Error("error saving cron mark", zap.String("function", entry.Def.Id), zap.Error(err))
				break
			}
		}
	}
}

// DueBoundaries lists every schedule boundary after mark and at or before
// now, oldest first.
func DueBoundaries(schedule cron.Schedule, mark time.Time, now time.Time) []time.Time {
	var due []time.Time
	for next := schedule.Next(mark); !next.After(now); next = schedule.Next(next) {
		due = append(due, next)
	}
	return due
}
