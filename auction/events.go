package auction

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// EventSink receives auction events. Publish is called inside the item's critical section,
// so implementations must hand the event off without waiting on I/O.
type EventSink interface {
	Publish(event Event) error
}

// MultiSink fans an event out to several sinks. Every sink is tried; errors are joined.
type MultiSink []EventSink

func (m MultiSink) Publish(event Event) error {
	var errs []error
	for _, sink := range m {
		if err := sink.Publish(event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type discardSink struct{}

func (discardSink) Publish(Event) error { return nil }

func newEvent(kind EventKind, bid *Bid, snapshot Snapshot, now time.Time) Event {
	return Event{
		EventID:    uuid.NewString(),
		Kind:       kind,
		ItemID:     snapshot.ItemID,
		Bid:        bid,
		Snapshot:   snapshot,
		OccurredAt: now,
	}
}
