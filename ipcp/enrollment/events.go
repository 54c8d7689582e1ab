package enrollment

import (
	"github.com/docker/go-events"
	"github.com/rflandau/rina/ipcp"
	"github.com/rs/zerolog"
)

// EventKind identifies what an Event reports.
type EventKind uint8

const (
	// EventEnrollmentCompleted: a machine reached ENROLLED.
	EventEnrollmentCompleted EventKind = iota + 1
	// EventEnrollmentFailed: a machine was aborted before reaching ENROLLED.
	EventEnrollmentFailed
	// EventNeighborDeclaredDead: the watchdog has not heard from an enrolled neighbor within the dead interval.
	// The underlying flow is left alone.
	EventNeighborDeclaredDead
	// EventConnectivityLost: the last management flow to a neighbor was deallocated.
	EventConnectivityLost
)

func (k EventKind) String() string {
	switch k {
	case EventEnrollmentCompleted:
		return "enrollment completed"
	case EventEnrollmentFailed:
		return "enrollment failed"
	case EventNeighborDeclaredDead:
		return "neighbor declared dead"
	case EventConnectivityLost:
		return "connectivity to neighbor lost"
	}
	return "unknown"
}

// Event is what the task publishes to subscribers.
type Event struct {
	Kind     EventKind
	Neighbor Neighbor
	Port     ipcp.PortID
	Role     Role  // enrollment events only
	Err      error // EventEnrollmentFailed only
}

// MarshalZerologObject writes the event.
func (ev Event) MarshalZerologObject(e *zerolog.Event) {
	e.Stringer("kind", ev.Kind).Str("neighbor", ev.Neighbor.Name.String()).Int32("port", ev.Port)
	if ev.Kind == EventEnrollmentCompleted || ev.Kind == EventEnrollmentFailed {
		e.Stringer("role", ev.Role)
	}
	if ev.Err != nil {
		e.AnErr("cause", ev.Err)
	}
}

// Subscribe delivers every Event published from now on to sink, in order.
// Delivery is queued: a slow sink never holds up the task. The returned function unsubscribes and closes sink.
func (t *Task) Subscribe(sink events.Sink) (cancel func()) {
	q := events.NewQueue(sink)
	if err := t.events.Add(q); err != nil {
		t.log.Warn().Err(err).Msg("failed to subscribe")
		_ = q.Close()
		return func() {}
	}
	return func() {
		_ = t.events.Remove(q)
		_ = q.Close()
	}
}

func (t *Task) publish(ev Event) {
	t.log.Debug().Object("event", ev).Msg("publishing")
	if err := t.events.Write(ev); err != nil {
		t.log.Warn().Err(err).Object("event", ev).Msg("failed to publish")
	}
}
