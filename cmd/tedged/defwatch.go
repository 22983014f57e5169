package main

import (
	"context"
	"log/slog"

	"github.com/thin-edge-sandbox/tedge-gateway/internal/actor"
	"github.com/thin-edge-sandbox/tedge-gateway/internal/fswatch"
)

// definitionWatcher consumes file-system events under the workflow
// definitions directory. Definitions are loaded once at startup, so an
// edit on disk only takes effect after a restart; this actor makes
// that visible to the operator instead of silently ignoring the edit.
type definitionWatcher struct {
	mbox *actor.Mailbox[fswatch.Event]
	sig  *actor.SignalMailbox
	log  *slog.Logger
}

func newDefinitionWatcher(log *slog.Logger) *definitionWatcher {
	if log == nil {
		log = slog.Default()
	}
	return &definitionWatcher{
		mbox: actor.NewMailbox[fswatch.Event](8),
		sig:  actor.NewSignalMailbox(),
		log:  log,
	}
}

// Sender returns the sink the file-system watcher forwards matching
// events to.
func (w *definitionWatcher) Sender() actor.Sender[fswatch.Event] { return w.mbox.Sender() }

// GetSignalSender implements actor.RuntimeRequestSink.
func (w *definitionWatcher) GetSignalSender() actor.Sender[actor.Shutdown] { return w.sig.Sender() }

// Build implements actor.Builder. The watcher carries no wiring beyond
// its own mailbox, so the builder and the actor are the same value.
func (w *definitionWatcher) Build() (actor.Actor, error) { return w, nil }

func (w *definitionWatcher) Name() string { return "workflow-defs-watcher" }

func (w *definitionWatcher) Run(ctx context.Context) error {
	for {
		ev, shutdown, ok := actor.Next(ctx, w.mbox, w.sig)
		if shutdown || !ok {
			return nil
		}
		w.log.Info("workflow definition changed on disk; restart tedged to load it",
			"path", ev.Path, "change", ev.Kind.String())
	}
}
