// Package batch groups event-time-stamped measurements into
// half-open [start,end) windows, splitting a window when two events
// sharing the same key disagree on event time.
package batch

import "time"

// Batchable is any event that can be grouped: it has a stable key
// (what makes two readings "the same slot", e.g. a measurement path)
// and an event time used to decide which window it falls in.
type Batchable[K comparable] interface {
	Key() K
	EventTime() time.Time
}

// AddResult reports what Add did with an incoming event.
type AddResult int

const (
	// Added means the event was accepted into this batch under a key
	// that was not previously present.
	Added AddResult = iota
	// Duplicate means an event with the same key and the same event
	// time was already present; the new one was discarded.
	Duplicate
	// Split means an event with the same key but a different event
	// time was already present. The batch was split at the midpoint
	// between the two event times and a sibling Batch was produced
	// holding everything at or after that midpoint.
	Split
)

// Batch holds events falling inside [Start, End) keyed by B.Key, so
// at most one event per key is held per window.
type Batch[K comparable, B Batchable[K]] struct {
	start  time.Time
	end    time.Time
	events map[K]B
}

// New creates a batch covering [start,end) containing a single seed
// event.
func New[K comparable, B Batchable[K]](start, end time.Time, event B) *Batch[K, B] {
	events := make(map[K]B, 1)
	events[event.Key()] = event
	return &Batch[K, B]{start: start, end: end, events: events}
}

// Start returns the batch window's inclusive lower bound.
func (b *Batch[K, B]) Start() time.Time { return b.start }

// End returns the batch window's exclusive upper bound.
func (b *Batch[K, B]) End() time.Time { return b.end }

// Add inserts event into the batch. See AddResult for the three
// possible outcomes; on Split, the returned Batch is the new sibling
// and must be tracked by the caller alongside the receiver.
func (b *Batch[K, B]) Add(event B) (AddResult, *Batch[K, B]) {
	key := event.Key()
	existing, ok := b.events[key]
	if !ok {
		b.events[key] = event
		return Added, nil
	}

	if event.EventTime().Equal(existing.EventTime()) {
		return Duplicate, nil
	}

	sibling := b.split(existing.EventTime(), event)
	return Split, sibling
}

// split divides the batch at the midpoint between the two event times
// that collided on the same key. Every event at or after the midpoint
// moves to the returned sibling batch; everything before it (plus the
// new event, if it lands before the midpoint) stays in the receiver.
func (b *Batch[K, B]) split(existingTime time.Time, event B) *Batch[K, B] {
	newTime := event.EventTime()
	splitPoint := midpoint(existingTime, newTime)

	newEvents := make(map[K]B)
	newEnd := b.end

	allEvents := b.events
	b.events = make(map[K]B, len(allEvents))
	b.end = splitPoint

	for _, e := range allEvents {
		if e.EventTime().Before(splitPoint) {
			b.events[e.Key()] = e
		} else {
			newEvents[e.Key()] = e
		}
	}
	if event.EventTime().Before(splitPoint) {
		b.events[event.Key()] = event
	} else {
		newEvents[event.Key()] = event
	}

	return &Batch[K, B]{start: splitPoint, end: newEnd, events: newEvents}
}

// midpoint computes earlier + (later-earlier)/2 using Go's truncating
// integer division on the (non-negative) gap duration. For an
// odd-nanosecond gap this lands half a nanosecond toward the earlier
// timestamp rather than on the true fractional midpoint, whichever
// order t1 and t2 are given in, which keeps the split ordering stable.
func midpoint(t1, t2 time.Time) time.Time {
	if t2.Before(t1) {
		t1, t2 = t2, t1
	}
	return t1.Add(t2.Sub(t1) / 2)
}

// Events returns the events currently held by the batch, in no
// particular order.
func (b *Batch[K, B]) Events() []B {
	out := make([]B, 0, len(b.events))
	for _, e := range b.events {
		out = append(out, e)
	}
	return out
}
