package actor

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// GraceWindow is how long the Runtime waits after the first
// SIGINT/SIGTERM before a second one escalates to a hard abort.
const GraceWindow = 5 * time.Second

// Handle is a lightweight reference to a spawned actor, returned by
// Spawn. Child actors may hold a Runtime handle (via GetHandle) to
// supervise further actors they spawn themselves.
type Handle struct {
	Name string
	done <-chan struct{}
}

// Runtime owns every spawned actor task and the signal broadcaster
// that delivers Shutdown to them. It is the single place that knows
// how to start the graph wired up by builders and to tear it down
// cleanly.
type Runtime struct {
	log *slog.Logger

	mu      sync.Mutex
	actors  []spawned
	signals []Sender[Shutdown]
}

type spawned struct {
	name string
	done chan struct{}
	err  *error
}

// NewRuntime creates a Runtime that logs through log (nil uses
// slog.Default()).
func NewRuntime(log *slog.Logger) *Runtime {
	if log == nil {
		log = slog.Default()
	}
	return &Runtime{log: log}
}

// RegisterSignalSender adds sender to the set that receives Shutdown
// when the runtime stops. Builders that implement RuntimeRequestSink
// should be registered before Spawn.
func (r *Runtime) RegisterSignalSender(s Sender[Shutdown]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signals = append(r.signals, s)
}

// Spawn hands ownership of a (built) actor to the runtime and starts
// it on its own goroutine. The returned Handle's done channel closes
// once the actor's Run method returns, regardless of outcome.
func (r *Runtime) Spawn(a Actor) Handle {
	done := make(chan struct{})
	var runErr error

	r.mu.Lock()
	r.actors = append(r.actors, spawned{name: a.Name(), done: done, err: &runErr})
	r.mu.Unlock()

	go func() {
		defer close(done)
		ctx := context.Background()
		if err := a.Run(ctx); err != nil {
			runErr = err
			r.log.Error("actor terminated with error", "actor", a.Name(), "error", err)
			return
		}
		r.log.Info("actor stopped", "actor", a.Name())
	}()

	return Handle{Name: a.Name(), done: done}
}

// GetHandle returns a handle a spawned actor can use to supervise
// further actors it creates itself.
func (r *Runtime) GetHandle() *Runtime { return r }

// RunToCompletion blocks until every spawned actor has returned,
// aggregating their errors. On the first SIGINT/SIGTERM it broadcasts
// Shutdown to every registered signal sender; a second signal within
// GraceWindow makes it return an abort error immediately instead of
// waiting further, and it also returns an error once GraceWindow
// passes with actors still running.
func (r *Runtime) RunToCompletion() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	allDone := make(chan struct{})
	go func() {
		r.mu.Lock()
		actors := append([]spawned(nil), r.actors...)
		r.mu.Unlock()
		for _, a := range actors {
			<-a.done
		}
		close(allDone)
	}()

	select {
	case <-allDone:
		return r.collectErrors()
	case <-ctx.Done():
	}

	r.broadcastShutdown()

	escalate := make(chan os.Signal, 1)
	signal.Notify(escalate, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(escalate)

	select {
	case <-allDone:
		return r.collectErrors()
	case <-escalate:
		r.log.Warn("second termination signal received, aborting without further drain")
		return errors.New("runtime: aborted on second termination signal")
	case <-time.After(GraceWindow):
		return errors.New("runtime: grace period exceeded waiting for actors to drain")
	}
}

func (r *Runtime) broadcastShutdown() {
	r.mu.Lock()
	signals := append([]Sender[Shutdown](nil), r.signals...)
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for _, s := range signals {
		_ = s.Send(ctx, Shutdown{})
	}
}

func (r *Runtime) collectErrors() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for _, a := range r.actors {
		if a.err != nil && *a.err != nil {
			errs = append(errs, *a.err)
		}
	}
	return errors.Join(errs...)
}
