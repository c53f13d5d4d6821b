package orchestrator

import (
	"log"
	"sync/atomic"
	"time"
)

// EventEmitter fans events out to a subscriber channel. Emission never
// blocks the run for long: a full channel gets a short grace period and
// then the event is dropped and counted.
type EventEmitter struct {
	events       chan Event
	droppedCount atomic.Uint64
}

// NewEventEmitter creates an EventEmitter with the given buffer size.
func NewEventEmitter(bufferSize int) *EventEmitter {
	return &EventEmitter{
		events: make(chan Event, bufferSize),
	}
}

// Emit sends an event to the events channel. If the channel is full it
// waits briefly for the receiver to drain, then drops the event.
func (e *EventEmitter) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case e.events <- event:
		return
	default:
	}

	select {
	case e.events <- event:
	case <-time.After(100 * time.Millisecond):
		count := e.droppedCount.Add(1)
		if count%10 == 1 { // log every 10th drop to avoid spam
			log.Printf("[orchestrator] event channel full, dropped event (total dropped: %d): type=%s", count, event.Type)
		}
	}
}

// DroppedCount returns the total number of events dropped so far.
func (e *EventEmitter) DroppedCount() uint64 {
	return e.droppedCount.Load()
}

// Events returns the read-only subscriber channel.
func (e *EventEmitter) Events() <-chan Event {
	return e.events
}

// Close closes the events channel once the run is over.
func (e *EventEmitter) Close() {
	close(e.events)
}
