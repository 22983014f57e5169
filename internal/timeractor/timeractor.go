// Package timeractor provides a set-timeout/deadline service: actors
// request a tagged timeout and receive a Timeout message back on the
// requested duration's expiry. A later request for the same tag
// replaces the pending timer (last-write-wins), matching how the
// scheduler this was adapted from lets a new run supersede a pending one.
package timeractor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/thin-edge-sandbox/tedge-gateway/internal/actor"
)

// SetTimeout requests that a Timeout carrying Tag be delivered after
// Delay. Sending a second SetTimeout with the same Tag cancels the
// first and restarts the countdown.
type SetTimeout struct {
	Tag   string
	Delay time.Duration
}

// CancelTimeout removes a pending timer by tag, if one exists.
type CancelTimeout struct {
	Tag string
}

// Timeout is delivered on the actor's output sender once Delay has
// elapsed without a cancellation or a superseding SetTimeout.
type Timeout struct {
	Tag string
}

// In is the timer actor's input message type: either a new/replacing
// timeout request or a cancellation.
type In struct {
	Set    *SetTimeout
	Cancel *CancelTimeout
}

// Builder wires the timer actor's output sender before Build.
type Builder struct {
	mbox *actor.Mailbox[In]
	sig  *actor.SignalMailbox
	out  actor.Sender[Timeout]
	log  *slog.Logger
}

// NewBuilder creates a Builder with the given inbound queue depth.
func NewBuilder(depth int, log *slog.Logger) *Builder {
	if log == nil {
		log = slog.Default()
	}
	return &Builder{
		mbox: actor.NewMailbox[In](depth),
		sig:  actor.NewSignalMailbox(),
		out:  actor.DevNull[Timeout]{},
		log:  log,
	}
}

// Sender returns the capability to enqueue SetTimeout/CancelTimeout
// requests.
func (b *Builder) Sender() actor.Sender[In] { return b.mbox.Sender() }

// ConnectSink wires the sender that receives Timeout messages.
func (b *Builder) ConnectSink(s actor.Sender[Timeout]) { b.out = s }

// GetSignalSender implements actor.RuntimeRequestSink.
func (b *Builder) GetSignalSender() actor.Sender[actor.Shutdown] { return b.sig.Sender() }

// Build yields the runnable timer actor.
func (b *Builder) Build() (actor.Actor, error) {
	return &timerActor{
		mbox:   b.mbox,
		sig:    b.sig,
		out:    b.out,
		log:    b.log,
		timers: make(map[string]*time.Timer),
	}, nil
}

type timerActor struct {
	mbox *actor.Mailbox[In]
	sig  *actor.SignalMailbox
	out  actor.Sender[Timeout]
	log  *slog.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
}

func (a *timerActor) Name() string { return "timer" }

func (a *timerActor) Run(ctx context.Context) error {
	defer a.stopAll()

	for {
		msg, shutdown, ok := actor.Next(ctx, a.mbox, a.sig)
		if shutdown || !ok {
			return nil
		}
		switch {
		case msg.Set != nil:
			a.schedule(ctx, *msg.Set)
		case msg.Cancel != nil:
			a.cancel(msg.Cancel.Tag)
		}
	}
}

func (a *timerActor) schedule(ctx context.Context, req SetTimeout) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if existing, ok := a.timers[req.Tag]; ok {
		existing.Stop()
	}

	tag := req.Tag
	a.timers[tag] = time.AfterFunc(req.Delay, func() {
		a.fire(ctx, tag)
	})
}

func (a *timerActor) fire(ctx context.Context, tag string) {
	a.mu.Lock()
	delete(a.timers, tag)
	a.mu.Unlock()

	if err := a.out.Send(ctx, Timeout{Tag: tag}); err != nil {
		a.log.Debug("timeout delivery failed", "tag", tag, "error", err)
	}
}

func (a *timerActor) cancel(tag string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if t, ok := a.timers[tag]; ok {
		t.Stop()
		delete(a.timers, tag)
	}
}

func (a *timerActor) stopAll() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for tag, t := range a.timers {
		t.Stop()
		delete(a.timers, tag)
	}
}
