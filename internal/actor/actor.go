package actor

import "context"

// Actor is an owned state machine that consumes messages from its
// mailbox and produces messages through senders it was wired with at
// build time. Run blocks until the actor's mailbox closes or it
// receives Shutdown, and returns any error that compromised its
// invariants; such an error is fatal only to that actor.
type Actor interface {
	Run(ctx context.Context) error
	// Name identifies the actor in logs and in runtime error
	// aggregation.
	Name() string
}

// Builder accumulates configuration and peer wiring for one actor,
// then yields a ready-to-run Actor. A Builder must never be reused
// after Build: ownership of everything it assembled moves to the
// returned Actor.
type Builder interface {
	Build() (Actor, error)
}

// RuntimeRequestSink is implemented by builders whose actor wants to
// receive Shutdown. The sender GetSignalSender returns is handed to
// Runtime.RegisterSignalSender before the built actor is spawned.
type RuntimeRequestSink interface {
	GetSignalSender() Sender[Shutdown]
}

// Next waits for either the next data message or a Shutdown signal,
// giving Shutdown priority so an in-flight batch of data messages
// cannot starve cancellation.
// ok is false both when Shutdown arrived and when ctx is done; the
// caller distinguishes the two via shutdown, which is true only for
// the former.
func Next[M any](ctx context.Context, mbox *Mailbox[M], sig *SignalMailbox) (msg M, shutdown bool, ok bool) {
	// Give a pending Shutdown priority over an already-queued data
	// message by checking it non-blockingly first.
	select {
	case <-sig.C():
		var zero M
		return zero, true, false
	default:
	}

	select {
	case <-sig.C():
		var zero M
		return zero, true, false
	case m, open := <-mbox.ch:
		if !open {
			var zero M
			return zero, false, false
		}
		return m, false, true
	case <-ctx.Done():
		var zero M
		return zero, false, false
	}
}
