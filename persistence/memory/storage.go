package memory

import (
	"bytes"
	"sort"
	"sync"
	"time"

	"github.com/letsconnect/flowkit/model"
	"github.com/letsconnect/flowkit/persistence"
)

var _ persistence.Storage = new(Storage)

// Storage keeps runs, wakes and cron marks in process memory. Used by tests
// and single-process deployments.
type Storage struct {
	mu    sync.Mutex
	runs  map[string]*model.Run
	wakes []persistence.Wake
	marks map[string]time.Time
}

func NewStorage() *Storage {
	return &Storage{
		runs:  make(map[string]*model.Run),
		marks: make(map[string]time.Time),
	}
}

func copyRun(run *model.Run) *model.Run {
	cp := *run
	cp.Memos = make(map[string]model.StepMemo, len(run.Memos))
	for k, v := range run.Memos {
		cp.Memos[k] = v
	}
	cp.Input = make(map[string]any, len(run.Input))
	for k, v := range run.Input {
		cp.Input[k] = v
	}
	if run.WakeAt != nil {
		t := *run.WakeAt
		cp.WakeAt = &t
	}
	return &cp
}

func (s *Storage) GetOrCreate(run *model.Run) (*model.Run, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.runs[run.Id]; ok {
		return copyRun(existing), false, nil
	}
	cp := copyRun(run)
	if cp.Memos == nil {
		cp.Memos = make(map[string]model.StepMemo)
	}
	now := time.Now()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	s.runs[run.Id] = cp
	return copyRun(cp), true, nil
}

func (s *Storage) Get(runId string) (*model.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runId]
	if !ok {
		return nil, persistence.RunNotFoundError{RunId: runId}
	}
	return copyRun(run), nil
}

func (s *Storage) RecordStepResult(runId string, memo model.StepMemo, cursor int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runId]
	if !ok {
		return persistence.RunNotFoundError{RunId: runId}
	}
	if existing, ok := run.Memos[memo.StepName]; ok {
		if !sameMemo(existing, memo) {
			return persistence.StepAlreadyRecordedError{RunId: runId, StepName: memo.StepName}
		}
		return nil
	}
	memo.RecordedAt = time.Now()
	run.Memos[memo.StepName] = memo
	if cursor > run.Cursor {
		run.Cursor = cursor
	}
	run.UpdatedAt = time.Now()
	return nil
}

func sameMemo(a, b model.StepMemo) bool {
	if !bytes.Equal(a.Result, b.Result) {
		return false
	}
	if (a.WakeAt == nil) != (b.WakeAt == nil) {
		return false
	}
	if a.WakeAt != nil && !a.WakeAt.Equal(*b.WakeAt) {
		return false
	}
	return true
}

func (s *Storage) SetRunning(runId string) error {
	return s.transition(runId, func(run *model.Run) {
		run.Status = model.RUN_STATUS_RUNNING
		run.WakeAt = nil
	})
}

func (s *Storage) SetSleeping(runId string, wakeAt time.Time) error {
	return s.transition(runId, func(run *model.Run) {
		run.Status = model.RUN_STATUS_SLEEPING
		run.WakeAt = &wakeAt
	})
}

func (s *Storage) SetCompleted(runId string) error {
	return s.transition(runId, func(run *model.Run) {
		run.Status = model.RUN_STATUS_COMPLETED
		run.WakeAt = nil
	})
}

func (s *Storage) SetFailed(runId string, reason string) error {
	return s.transition(runId, func(run *model.Run) {
		run.Status = model.RUN_STATUS_FAILED
		run.Error = reason
		run.WakeAt = nil
	})
}

// transition applies fn unless the run is already terminal; illegal
// transitions are no-ops to tolerate duplicate wake deliveries.
func (s *Storage) transition(runId string, fn func(*model.Run)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runId]
	if !ok {
		return persistence.RunNotFoundError{RunId: runId}
	}
	if run.Status.Terminal() {
		return nil
	}
	fn(run)
	run.UpdatedAt = time.Now()
	return nil
}

func (s *Storage) Push(runId string, wakeAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.wakes {
		if w.RunId == runId && w.WakeAt.Equal(wakeAt) {
			return nil
		}
	}
	s.wakes = append(s.wakes, persistence.Wake{RunId: runId, WakeAt: wakeAt})
	sort.SliceStable(s.wakes, func(i, j int) bool {
		return s.wakes[i].WakeAt.Before(s.wakes[j].WakeAt)
	})
	return nil
}

func (s *Storage) PollDue(now time.Time) ([]persistence.Wake, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []persistence.Wake
	for _, w := range s.wakes {
		if !w.WakeAt.After(now) {
			due = append(due, w)
		}
	}
	return due, nil
}

func (s *Storage) Remove(wake persistence.Wake) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var remaining []persistence.Wake
	for _, w := range s.wakes {
		if w.RunId == wake.RunId && w.WakeAt.Equal(wake.WakeAt) {
			continue
		}
		remaining = append(remaining, w)
	}
	s.wakes = remaining
	return nil
}

func (s *Storage) GetMark(functionId string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mark, ok := s.marks[functionId]
	return mark, ok, nil
}

func (s *Storage) SetMark(functionId string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marks[functionId] = t
	return nil
}
