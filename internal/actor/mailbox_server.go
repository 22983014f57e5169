package actor

import (
	"context"
	"fmt"
	"sync"
)

// ServerEnvelope pairs an inbound request with the id of the client
// that sent it, the "server" message box flavour:
// one request queue carrying (client-id, request) pairs.
type ServerEnvelope[Req any] struct {
	ClientID string
	Request  Req
}

// ServerMailbox is the input queue of a concurrency-limited
// request/response actor (HTTP client, JWT retriever). Unlike a plain
// Mailbox, a ServerMailbox remembers one response sender per client id
// so the actor can reply to whichever client asked, not just the last
// one wired.
type ServerMailbox[Req, Resp any] struct {
	ch     chan ServerEnvelope[Req]
	closed *closedFlag

	mu      sync.Mutex
	clients map[string]Sender[Resp]
}

// NewServerMailbox creates a server mailbox with the given bounded
// request queue depth.
func NewServerMailbox[Req, Resp any](depth int) *ServerMailbox[Req, Resp] {
	if depth <= 0 {
		depth = 16
	}
	return &ServerMailbox[Req, Resp]{
		ch:      make(chan ServerEnvelope[Req], depth),
		closed:  newClosedFlag(),
		clients: make(map[string]Sender[Resp]),
	}
}

// Connect registers clientID's response sink and returns the sender a
// client uses to submit requests tagged with that id: a request sender
// from client to server and a dedicated response sender back, both
// wired before any actor runs.
func (b *ServerMailbox[Req, Resp]) Connect(clientID string, responseSink Sender[Resp]) Sender[Req] {
	b.mu.Lock()
	b.clients[clientID] = responseSink
	b.mu.Unlock()

	return &serverSender[Req, Resp]{box: b, clientID: clientID}
}

type serverSender[Req, Resp any] struct {
	box      *ServerMailbox[Req, Resp]
	clientID string
}

func (s *serverSender[Req, Resp]) Send(ctx context.Context, req Req) error {
	if s.box.closed.isClosed() {
		return ErrSendOnClosed
	}
	select {
	case s.box.ch <- ServerEnvelope[Req]{ClientID: s.clientID, Request: req}:
		return nil
	case <-s.box.closed.ch:
		return ErrSendOnClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *serverSender[Req, Resp]) Clone() Sender[Req] {
	return &serverSender[Req, Resp]{box: s.box, clientID: s.clientID}
}

// Recv waits for the next (client-id, request) pair.
func (b *ServerMailbox[Req, Resp]) Recv(ctx context.Context) (ServerEnvelope[Req], bool) {
	var zero ServerEnvelope[Req]
	select {
	case e, open := <-b.ch:
		if !open {
			return zero, false
		}
		return e, true
	case <-ctx.Done():
		return zero, false
	}
}

// NextServer is ServerMailbox's equivalent of the free function Next:
// it waits for either the next request or a Shutdown signal, giving
// Shutdown priority.
func NextServer[Req, Resp any](ctx context.Context, box *ServerMailbox[Req, Resp], sig *SignalMailbox) (env ServerEnvelope[Req], shutdown bool, ok bool) {
	select {
	case <-sig.C():
		return env, true, false
	default:
	}

	select {
	case <-sig.C():
		return env, true, false
	case e, open := <-box.ch:
		if !open {
			return env, false, false
		}
		return e, false, true
	case <-ctx.Done():
		return env, false, false
	}
}

// Reply sends resp to the client identified by clientID, i.e. the
// dedicated response sender that client registered at Connect time.
func (b *ServerMailbox[Req, Resp]) Reply(ctx context.Context, clientID string, resp Resp) error {
	b.mu.Lock()
	sink, ok := b.clients[clientID]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("actor: reply to unknown client %q", clientID)
	}
	return sink.Send(ctx, resp)
}

// Close marks the mailbox closed: further Sends return
// ErrSendOnClosed.
func (b *ServerMailbox[Req, Resp]) Close() {
	select {
	case <-b.closed.ch:
	default:
		close(b.closed.ch)
	}
}
