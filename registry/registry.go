package registry

import (
	"fmt"
	"sync"

	"github.com/letsconnect/flowkit/flow"
	"github.com/robfig/cron/v3"
)

type DuplicateFunctionIdError struct {
	Id string
}

func (e DuplicateFunctionIdError) Error() string {
	return fmt.Sprintf("function %s already registered", e.Id)
}

// CronEntry pairs a cron-triggered definition with its parsed schedule.
type CronEntry struct {
	Def      *flow.Definition
	Schedule cron.Schedule
}

// Registry is the static table of registered functions. Functions are
// registered once at process start; a trigger maps to at most one function.
type Registry struct {
	mu      sync.RWMutex
	byId    map[string]*flow.Definition
	byEvent map[string]*flow.Definition
	crons   []CronEntry
}

func New() *Registry {
	return &Registry{
		byId:    make(map[string]*flow.Definition),
		byEvent: make(map[string]*flow.Definition),
	}
}

func (r *Registry) Register(def *flow.Definition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byId[def.Id]; ok {
		return DuplicateFunctionIdError{Id: def.Id}
	}
	seen := make(map[string]struct{})
	for _, step := range def.Steps {
		if _, ok := seen[step.Name]; ok {
			return fmt.Errorf("function %s declares step %s twice", def.Id, step.Name)
		}
		seen[step.Name] = struct{}{}
	}
	switch def.Trigger.Type {
	case flow.TRIGGER_TYPE_EVENT:
		if _, ok := r.byEvent[def.Trigger.Event]; ok {
			return fmt.Errorf("event %s already bound to a function", def.Trigger.Event)
		}
		r.byEvent[def.Trigger.Event] = def
	case flow.TRIGGER_TYPE_CRON:
		schedule, err := cron.ParseStandard(def.Trigger.Cron)
		if err != nil {
			return fmt.Errorf("invalid cron expression for function %s: %w", def.Id, err)
		}
		r.crons = append(r.crons, CronEntry{Def: def, Schedule: schedule})
	default:
		return fmt.Errorf("function %s has no trigger", def.Id)
	}
	r.byId[def.Id] = def
	return nil
}

func (r *Registry) Get(id string) (*flow.Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.byId[id]
	return def, ok
}

// Resolve returns the unique function whose event trigger matches the event
// name, if any.
func (r *Registry) Resolve(eventName string) (*flow.Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.byEvent[eventName]
	return def, ok
}

// EventTriggers lists every event name bound to a function.
func (r *Registry) EventTriggers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byEvent))
	for name := range r.byEvent {
		names = append(names, name)
	}
	return names
}

func (r *Registry) CronEntries() []CronEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := make([]CronEntry, len(r.crons))
	copy(entries, r.crons)
	return entries
}
