package actor

import "context"

// Mailbox is an actor's owned input queue. Only the actor that owns a
// Mailbox ever calls Recv on it; every peer that wants to feed it
// messages is handed a Sender obtained via Sender(), never the
// Mailbox itself.
type Mailbox[M any] struct {
	ch     chan M
	closed *closedFlag
}

// NewMailbox creates a simple (single-queue, single-output) mailbox
// with the given bounded depth, 10-16 per edge being the usual range;
// callers size it per deployment.
func NewMailbox[M any](depth int) *Mailbox[M] {
	if depth <= 0 {
		depth = 16
	}
	return &Mailbox[M]{
		ch:     make(chan M, depth),
		closed: newClosedFlag(),
	}
}

// Sender returns a clonable capability to enqueue messages into this
// mailbox. Safe to call repeatedly; every call returns a sender to the
// same underlying queue.
func (b *Mailbox[M]) Sender() Sender[M] {
	return &chanSender[M]{ch: b.ch, closed: b.closed}
}

// Recv waits for the next message, or returns false once ctx is done
// (ctx.Err() tells why). Close does not wake a blocked Recv, since it
// leaves the underlying channel open.
func (b *Mailbox[M]) Recv(ctx context.Context) (M, bool) {
	var zero M
	select {
	case m, ok := <-b.ch:
		if !ok {
			return zero, false
		}
		return m, true
	case <-ctx.Done():
		return zero, false
	}
}

// Close marks the mailbox closed: further Sends return
// ErrSendOnClosed. It does not close the underlying channel, so
// readers may still drain in-flight messages.
func (b *Mailbox[M]) Close() {
	select {
	case <-b.closed.ch:
	default:
		close(b.closed.ch)
	}
}

// SignalMailbox is the runtime-request sink every actor exposes so the
// Runtime can deliver Shutdown. It is a buffered channel of capacity
// 1 with a non-blocking send, so a late Shutdown send never blocks the
// runtime's broadcast loop.
type SignalMailbox struct {
	ch chan Shutdown
}

// Shutdown is the only runtime-request message in this system. Actors
// receiving it on their signal channel should finish or abort the
// in-flight message and return from Run.
type Shutdown struct{}

// NewSignalMailbox creates a signal mailbox with room for one pending
// Shutdown (delivering it twice is harmless; actors only need to see
// it once).
func NewSignalMailbox() *SignalMailbox {
	return &SignalMailbox{ch: make(chan Shutdown, 1)}
}

// Sender returns the capability the Runtime uses to broadcast Shutdown.
func (s *SignalMailbox) Sender() Sender[Shutdown] {
	return funcSender[Shutdown]{
		send: func(_ context.Context, msg Shutdown) error {
			select {
			case s.ch <- msg:
			default:
				// Already has a pending Shutdown; nothing more to do.
			}
			return nil
		},
		clone: func() Sender[Shutdown] { return s.Sender() },
	}
}

// C returns the channel an actor's main loop selects on alongside its
// data mailbox, prioritising Shutdown.
func (s *SignalMailbox) C() <-chan Shutdown { return s.ch }
