package core

import (
	"time"

	"github.com/google/uuid"
)

// Event represents a single structured operating-system audit record.
//
// The fixed system fields describe where the event came from; Data holds the
// open, event-type-specific field set. Events are read-only once handed to
// the engine. StoreID is zero until the event has been persisted for
// aggregation, after which it is the store-assigned row id and the only
// identity aggregation bookkeeping relies on.
type Event struct {
	StoreID   int64             `json:"store_id,omitempty"`
	EventID   string            `json:"event_id" example:"4625"`
	Provider  string            `json:"provider" example:"Microsoft-Windows-Security-Auditing"`
	Channel   string            `json:"channel" example:"Security"`
	Computer  string            `json:"computer" example:"WORKSTATION-01"`
	Timestamp time.Time         `json:"timestamp" example:"2023-10-31T12:00:00Z"`
	ProcessID int               `json:"process_id"`
	ThreadID  int               `json:"thread_id"`
	Data      map[string]string `json:"data"`
}

// NewEvent creates a new Event with a generated event id and an empty data set
func NewEvent() *Event {
	return &Event{
		EventID:   uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Data:      make(map[string]string),
	}
}

// Field returns the named data field and whether it is present.
// Safe on events with a nil data set.
func (e *Event) Field(name string) (string, bool) {
	if e == nil || e.Data == nil {
		return "", false
	}
	v, ok := e.Data[name]
	return v, ok
}

// FieldEquals reports whether the named data field exists and equals value
func (e *Event) FieldEquals(name, value string) bool {
	v, ok := e.Field(name)
	return ok && v == value
}

// FieldNames returns the names of all data fields present on the event
func (e *Event) FieldNames() []string {
	if e == nil || len(e.Data) == 0 {
		return nil
	}
	names := make([]string, 0, len(e.Data))
	for name := range e.Data {
		names = append(names, name)
	}
	return names
}
