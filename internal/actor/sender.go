// Package actor provides the message box and address primitives that
// every long-lived component in tedged is built from: typed senders,
// mailboxes, and the builder/runtime pair that wires and supervises
// them.
package actor

import "context"

// Sender is a capability to enqueue a message of type M. Senders are
// clonable (any concrete implementation is expected to be safe to copy
// or to implement Clone explicitly) and fallible on Send: once the
// receiving mailbox is gone, Send returns ErrSendOnClosed forever
// after.
type Sender[M any] interface {
	// Send enqueues a message, blocking if the underlying queue is
	// bounded and full. It returns ErrSendOnClosed if the receiver
	// has been dropped, or ctx.Err() if ctx is cancelled first.
	Send(ctx context.Context, msg M) error

	// Clone returns a sender with the same destination. Cloning is
	// cheap; every peer that registers with a builder keeps its own
	// clone so that no two peers share mutable sender state.
	Clone() Sender[M]
}

// chanSender is the concrete Sender backing a Mailbox.
type chanSender[M any] struct {
	ch     chan M
	closed *closedFlag
}

type closedFlag struct {
	ch chan struct{}
}

func newClosedFlag() *closedFlag { return &closedFlag{ch: make(chan struct{})} }

func (f *closedFlag) isClosed() bool {
	select {
	case <-f.ch:
		return true
	default:
		return false
	}
}

func (s *chanSender[M]) Send(ctx context.Context, msg M) error {
	if s.closed.isClosed() {
		return ErrSendOnClosed
	}
	select {
	case s.ch <- msg:
		return nil
	case <-s.closed.ch:
		return ErrSendOnClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *chanSender[M]) Clone() Sender[M] {
	return &chanSender[M]{ch: s.ch, closed: s.closed}
}

// DevNull is a sender that silently discards every message. It is the
// default output recipient for actors that have not been wired to a
// consumer; connecting a real sink later simply replaces it.
type DevNull[M any] struct{}

func (DevNull[M]) Send(context.Context, M) error { return nil }
func (d DevNull[M]) Clone() Sender[M]             { return d }

// funcSender adapts a plain function to the Sender interface. It is
// mainly used in tests and by DynSender's conversion wrapper.
type funcSender[M any] struct {
	send  func(context.Context, M) error
	clone func() Sender[M]
}

func (f funcSender[M]) Send(ctx context.Context, msg M) error { return f.send(ctx, msg) }
func (f funcSender[M]) Clone() Sender[M]                      { return f.clone() }

// NewDynSender wraps a Sender[N] as a Sender[M], converting every
// outgoing message with convert. This is the type-erasure mechanism
// makes a "dynamic sender of M": it lets heterogeneous
// producers fan into one consumer's mailbox without the consumer
// knowing each producer's concrete message type, while keeping the
// conversion explicit (no runtime downcasting).
func NewDynSender[N, M any](dest Sender[N], convert func(M) N) Sender[M] {
	return funcSender[M]{
		send: func(ctx context.Context, m M) error {
			return dest.Send(ctx, convert(m))
		},
		clone: func() Sender[M] {
			return NewDynSender(dest.Clone(), convert)
		},
	}
}
