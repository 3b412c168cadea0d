package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/ravel-hq/stackd/internal/history"
	"github.com/ravel-hq/stackd/internal/state"
)

// Event is an orchestrator lifecycle notification with a fixed vocabulary
// (see history.EventType). Delivery to observers is synchronous and ordered.
type Event struct {
	Type      history.EventType  `json:"type"`
	ServiceID string             `json:"service_id"`
	From      state.ServiceState `json:"from,omitempty"`
	To        state.ServiceState `json:"to,omitempty"`
	PID       int                `json:"pid,omitempty"`
	Detail    string             `json:"detail,omitempty"`
	At        time.Time          `json:"at"`
}

// Observer receives orchestrator events. HandleEvent must not block; slow
// consumers should buffer internally.
type Observer interface {
	HandleEvent(e Event)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(e Event)

func (f ObserverFunc) HandleEvent(e Event) { f(e) }

// Subscribe registers an observer for all subsequent events. The returned
// cancel func removes the observer; transient consumers (SSE connections)
// must call it or the subscription lives for the daemon's lifetime.
func (o *Orchestrator) Subscribe(obs Observer) (cancel func()) {
	o.mu.Lock()
	o.observerSeq++
	id := o.observerSeq
	o.observers[id] = obs
	o.mu.Unlock()
	return func() {
		o.mu.Lock()
		delete(o.observers, id)
		o.mu.Unlock()
	}
}

func (o *Orchestrator) emit(e Event) {
	e.At = time.Now()
	o.mu.Lock()
	observers := make([]Observer, 0, len(o.observers))
	for _, obs := range o.observers {
		observers = append(observers, obs)
	}
	o.mu.Unlock()
	for _, obs := range observers {
		obs.HandleEvent(e)
	}
}

// HistorySinkObserver forwards events to an external history sink,
// dropping (and logging) failures rather than blocking the orchestrator.
func HistorySinkObserver(sink history.Sink) Observer {
	return ObserverFunc(func(e Event) {
		he := history.Event{
			Type:       e.Type,
			ServiceID:  e.ServiceID,
			OccurredAt: e.At,
			FromState:  string(e.From),
			ToState:    string(e.To),
			PID:        e.PID,
			Detail:     e.Detail,
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := sink.Send(ctx, he); err != nil {
			slog.Warn("history sink rejected event", "type", e.Type, "error", err)
		}
	})
}
