// Package fswatch provides an inotify-like actor: peers register a
// path prefix and receive Created/Modified/Deleted events rooted
// under paths they asked to watch.
package fswatch

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/thin-edge-sandbox/tedge-gateway/internal/actor"
)

// EventKind enumerates the filesystem change kinds this actor reports.
type EventKind int

const (
	Created EventKind = iota
	Modified
	Deleted
)

func (k EventKind) String() string {
	switch k {
	case Created:
		return "created"
	case Modified:
		return "modified"
	case Deleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// Event is delivered to every subscriber whose prefix matches Path.
type Event struct {
	Path string
	Kind EventKind
}

// debounceWindow coalesces bursts of events on the same path (editors
// routinely emit write+chmod pairs for a single logical save) into a
// single delivered event.
const debounceWindow = 50 * time.Millisecond

type subscriber struct {
	prefix string
	sender actor.Sender[Event]
}

// Builder accumulates watch roots and subscriber registrations before
// Build.
type Builder struct {
	roots []string
	subs  []subscriber
	sig   *actor.SignalMailbox
	log   *slog.Logger
}

// NewBuilder creates a Builder.
func NewBuilder(log *slog.Logger) *Builder {
	if log == nil {
		log = slog.Default()
	}
	return &Builder{sig: actor.NewSignalMailbox(), log: log}
}

// AddRoot registers a directory to watch. Call once per top-level
// directory the gateway needs filesystem notifications under (e.g.
// the workflow definitions directory, the config directory).
func (b *Builder) AddRoot(path string) { b.roots = append(b.roots, path) }

// RegisterPeer wires a subscriber that receives every event whose
// path has the given prefix.
func (b *Builder) RegisterPeer(prefix string, sender actor.Sender[Event]) {
	b.subs = append(b.subs, subscriber{prefix: prefix, sender: sender})
}

// GetSignalSender implements actor.RuntimeRequestSink.
func (b *Builder) GetSignalSender() actor.Sender[actor.Shutdown] { return b.sig.Sender() }

// Build creates the underlying fsnotify watcher, adds every
// registered root, and returns the runnable actor.
func (b *Builder) Build() (actor.Actor, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	for _, root := range b.roots {
		if err := w.Add(root); err != nil {
			w.Close()
			return nil, err
		}
	}
	return &watchActor{
		w:    w,
		subs: b.subs,
		sig:  b.sig,
		log:  b.log,
	}, nil
}

type watchActor struct {
	w    *fsnotify.Watcher
	subs []subscriber
	sig  *actor.SignalMailbox
	log  *slog.Logger
}

func (a *watchActor) Name() string { return "fswatch" }

func (a *watchActor) Run(ctx context.Context) error {
	defer a.w.Close()

	pending := make(map[string]EventKind)
	flush := make(chan struct{}, 1)
	armed := false

	for {
		select {
		case <-a.sig.C():
			return nil
		case <-ctx.Done():
			return nil
		case ev, ok := <-a.w.Events:
			if !ok {
				return nil
			}
			kind, ok := translate(ev.Op)
			if !ok {
				continue
			}
			pending[ev.Name] = kind
			if !armed {
				armed = true
				time.AfterFunc(debounceWindow, func() {
					select {
					case flush <- struct{}{}:
					default:
					}
				})
			}
		case err, ok := <-a.w.Errors:
			if !ok {
				return nil
			}
			a.log.Warn("fswatch error", "error", err)
		case <-flush:
			armed = false
			a.deliver(ctx, pending)
			pending = make(map[string]EventKind)
		}
	}
}

func translate(op fsnotify.Op) (EventKind, bool) {
	switch {
	case op&fsnotify.Create != 0:
		return Created, true
	case op&fsnotify.Remove != 0, op&fsnotify.Rename != 0:
		return Deleted, true
	case op&fsnotify.Write != 0, op&fsnotify.Chmod != 0:
		return Modified, true
	default:
		return 0, false
	}
}

func (a *watchActor) deliver(ctx context.Context, pending map[string]EventKind) {
	for path, kind := range pending {
		ev := Event{Path: path, Kind: kind}
		for _, s := range a.subs {
			if !strings.HasPrefix(path, s.prefix) {
				continue
			}
			if err := s.sender.Send(ctx, ev); err != nil {
				a.log.Debug("fswatch delivery failed", "path", path, "error", err)
			}
		}
	}
}
