package model

import "time"

// Event is a single occurrence published on the bus. Events are immutable
// once published and are not persisted beyond delivery unless a run is
// created from them.
type Event struct {
	Id         string
	Name       string
	Data       map[string]any
	OccurredAt time.Time
}
