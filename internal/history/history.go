package history

import (
	"context"
	"time"
)

// EventType is the fixed vocabulary of orchestrator lifecycle events.
type EventType string

const (
	EventStateChange         EventType = "stateChange"
	EventServiceStarted      EventType = "serviceStarted"
	EventServiceStopped      EventType = "serviceStopped"
	EventServiceRestarted    EventType = "serviceRestarted"
	EventProcessExit         EventType = "processExit"
	EventProcessError        EventType = "processError"
	EventCircuitBreakerReset EventType = "circuitBreakerReset"
)

// Event is a lifecycle event exported to external analytics systems.
type Event struct {
	Type       EventType `json:"type"`
	ServiceID  string    `json:"service_id"`
	OccurredAt time.Time `json:"occurred_at"`
	FromState  string    `json:"from_state,omitempty"`
	ToState    string    `json:"to_state,omitempty"`
	PID        int       `json:"pid,omitempty"`
	Detail     string    `json:"detail,omitempty"`
}

// Sink is a destination for history events. Implementations must be safe
// for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Config selects an optional history sink backend.
type Config struct {
	Type  string `json:"type" mapstructure:"type"` // "clickhouse" or empty
	Addr  string `json:"addr,omitempty" mapstructure:"addr"`
	Table string `json:"table,omitempty" mapstructure:"table"`
}
