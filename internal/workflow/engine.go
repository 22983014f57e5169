// Package workflow's engine.go wires the generic state machine
// described in definition.go/dispatcher.go/instance.go into an Actor:
// for each incoming command MQTT message it parses the retained
// state, dispatches the matching handler, publishes the result, and
// cleans up terminal instances. It is the single consumer of every
// `cmd/<op>/<cmd-id>` message on the bus and the single producer of
// the retained state republished after each step.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/thin-edge-sandbox/tedge-gateway/internal/actor"
	"github.com/thin-edge-sandbox/tedge-gateway/internal/entitystore"
	"github.com/thin-edge-sandbox/tedge-gateway/internal/mqttbus"
	"github.com/thin-edge-sandbox/tedge-gateway/internal/obs"
	"github.com/thin-edge-sandbox/tedge-gateway/internal/timeractor"
)

// Event is the engine's unified input: either an inbound command
// message off the bus or a state timeout firing. Both producers
// convert into this one tagged type at registration time (dynamic
// fan-in via type erasure), so the engine itself owns exactly one
// mailbox.
type Event struct {
	MQTT    *mqttbus.Message
	Timeout *timeractor.Timeout
}

// Builder accumulates the workflow engine's configuration and bus
// wiring, then yields the runnable engine actor.
type Builder struct {
	schema     entitystore.Schema
	defs       map[string]*Definition
	dispatcher *CommandDispatcher
	runner     *ScriptRunner
	logDir     string
	history    *HistoryStore

	mbox       *actor.Mailbox[Event]
	sig        *actor.SignalMailbox
	publish    actor.Sender[mqttbus.Publish]
	setTimeout actor.Sender[timeractor.In]

	log *slog.Logger
}

// NewBuilder creates a Builder. defs must contain one Definition per
// operation kind this process supports (data-driven workflows loaded
// by LoadDefinitions plus any BuiltinWorkflow/BuiltinMultiStateWorkflow
// synthesized for in-process handlers registered with dispatcher).
func NewBuilder(schema entitystore.Schema, defs map[string]*Definition, dispatcher *CommandDispatcher, runner *ScriptRunner, logDir string, history *HistoryStore, depth int, log *slog.Logger) *Builder {
	if log == nil {
		log = slog.Default()
	}
	return &Builder{
		schema:     schema,
		defs:       defs,
		dispatcher: dispatcher,
		runner:     runner,
		logDir:     logDir,
		history:    history,
		mbox:       actor.NewMailbox[Event](depth),
		sig:        actor.NewSignalMailbox(),
		publish:    actor.DevNull[mqttbus.Publish]{},
		setTimeout: actor.DevNull[timeractor.In]{},
		log:        log,
	}
}

// MQTTSender returns the dynamic sender an mqttbus.Builder's
// RegisterPeer wires this engine up with, for the command topic
// filter (e.g. "te/+/+/+/+/cmd/+/+").
func (b *Builder) MQTTSender() actor.Sender[mqttbus.Message] {
	return actor.NewDynSender(b.mbox.Sender(), func(m mqttbus.Message) Event { return Event{MQTT: &m} })
}

// TimeoutSender returns the dynamic sender a timeractor.Builder's
// ConnectSink wires this engine up with.
func (b *Builder) TimeoutSender() actor.Sender[timeractor.Timeout] {
	return actor.NewDynSender(b.mbox.Sender(), func(t timeractor.Timeout) Event { return Event{Timeout: &t} })
}

// ConnectPublish wires the sender this engine uses to (re)publish
// retained command state, normally the mqttbus.Builder's Sender().
func (b *Builder) ConnectPublish(s actor.Sender[mqttbus.Publish]) { b.publish = s }

// ConnectTimer wires the sender this engine uses to arm per-state
// timeouts, normally the timeractor.Builder's Sender().
func (b *Builder) ConnectTimer(s actor.Sender[timeractor.In]) { b.setTimeout = s }

// GetSignalSender implements actor.RuntimeRequestSink.
func (b *Builder) GetSignalSender() actor.Sender[actor.Shutdown] { return b.sig.Sender() }

// Build opens the per-operation persisted logs, replays them, and
// yields the runnable engine actor. It does not reconcile against
// retained MQTT state yet: reconciliation happens once Run starts
// receiving the retained messages the broker redelivers on
// subscribe.
func (b *Builder) Build() (actor.Actor, error) {
	if _, ok := b.publish.(actor.DevNull[mqttbus.Publish]); ok {
		return nil, actor.MissingPeer("workflow", "publish")
	}

	logs := make(map[string]*OperationLog, len(b.defs))
	pending := make(map[Key]*Instance)
	for op := range b.defs {
		l, err := OpenOperationLog(b.logDir, op)
		if err != nil {
			return nil, fmt.Errorf("workflow: open log for %s: %w", op, err)
		}
		logs[op] = l

		records, err := l.ReplayLatest()
		if err != nil {
			return nil, fmt.Errorf("workflow: replay log for %s: %w", op, err)
		}
		for cmdID, rec := range records {
			pending[Key{Operation: op, CmdID: cmdID}] = &Instance{
				Key:         Key{Operation: op, CmdID: cmdID},
				EntityTopic: rec.EntityTopic,
				State:       GenericCommandState{Status: rec.Status, Payload: rec.Payload, Reason: rec.Reason},
				Attempts:    rec.Attempts,
			}
		}
	}

	return &engineActor{
		schema:       b.schema,
		defs:         b.defs,
		dispatcher:   b.dispatcher,
		runner:       b.runner,
		logs:         logs,
		history:      b.history,
		mbox:         b.mbox,
		sig:          b.sig,
		publish:      b.publish,
		setTimeout:   b.setTimeout,
		instances:    pending,
		fingerprints: make(map[string]Key),
		started:      make(map[Key]time.Time),
		log:          b.log,
	}, nil
}

type engineActor struct {
	schema     entitystore.Schema
	defs       map[string]*Definition
	dispatcher *CommandDispatcher
	runner     *ScriptRunner
	logs       map[string]*OperationLog
	history    *HistoryStore

	mbox       *actor.Mailbox[Event]
	sig        *actor.SignalMailbox
	publish    actor.Sender[mqttbus.Publish]
	setTimeout actor.Sender[timeractor.In]

	mu           sync.Mutex
	instances    map[Key]*Instance
	fingerprints map[string]Key // operation -> the one in-flight Key for a fingerprinted op kind
	started      map[Key]time.Time

	log *slog.Logger
}

func (a *engineActor) Name() string { return "workflow-engine" }

// Run republishes every instance recovered from the persisted logs at
// startup (so a watcher that was already subscribed sees the engine
// is alive), then drives the main event loop.
func (a *engineActor) Run(ctx context.Context) error {
	for _, inst := range a.instances {
		if def, ok := a.defs[inst.Key.Operation]; ok && def.Fingerprinted {
			a.fingerprints[inst.Key.Operation] = inst.Key
		}
		a.publishState(ctx, inst)
		a.dispatchOne(ctx, inst)
	}

	for {
		ev, shutdown, ok := actor.Next(ctx, a.mbox, a.sig)
		if shutdown || !ok {
			return nil
		}
		switch {
		case ev.MQTT != nil:
			a.handleMQTT(ctx, *ev.MQTT)
		case ev.Timeout != nil:
			a.handleTimeout(ctx, *ev.Timeout)
		}
	}
}

func (a *engineActor) handleMQTT(ctx context.Context, msg mqttbus.Message) {
	topicID, channel, err := a.schema.Parse(msg.Topic)
	if err != nil || channel.Kind != entitystore.ChannelCmd {
		return
	}
	operation := channel.Type
	cmdID := channel.CmdID
	if cmdID == "" {
		// Metadata/capability-advertisement level: not an instance.
		return
	}

	def, ok := a.defs[operation]
	if !ok {
		a.log.Warn("workflow: unknown operation, dropping", "operation", operation, "cmd_id", cmdID)
		return
	}

	key := Key{Operation: operation, CmdID: cmdID}

	if len(msg.Payload) == 0 {
		// The retained clear this engine itself published after a
		// terminal state; nothing further to do.
		return
	}

	var incoming GenericCommandState
	if err := json.Unmarshal(msg.Payload, &incoming); err != nil {
		a.failInstance(ctx, key, topicID.String(), fmt.Errorf("%w: %v", ErrParseFailure, err))
		return
	}

	a.mu.Lock()
	inst, exists := a.instances[key]
	a.mu.Unlock()

	if !exists {
		if Terminal(incoming.Status) {
			// The echo of a terminal state this engine already cleaned
			// up; the retained clear follows it on the same topic.
			return
		}
		if def.Fingerprinted {
			a.mu.Lock()
			if existing, inFlight := a.fingerprints[operation]; inFlight && existing != key {
				a.mu.Unlock()
				a.rejectAlreadyInProgress(ctx, key, topicID.String())
				return
			}
			a.fingerprints[operation] = key
			a.mu.Unlock()
		}
		inst = &Instance{Key: key, EntityTopic: topicID.String(), State: incoming}
		a.mu.Lock()
		a.instances[key] = inst
		a.started[key] = time.Now()
		a.mu.Unlock()
	} else if statesEqual(inst.State, incoming) {
		if inst.Dispatched == incoming.Status {
			// Re-publishing the same retained state is a no-op: the
			// engine already dispatched from this state once.
			return
		}
		// Otherwise this is the engine's own publish looping back off
		// the broker: the entry trigger for the state, so fall through
		// and run its action.
	} else {
		inst.State = incoming
	}

	a.dispatchOne(ctx, inst)
}

func statesEqual(a, b GenericCommandState) bool {
	return a.Status == b.Status && a.Reason == b.Reason && string(a.Payload) == string(b.Payload)
}

// dispatchOne looks up the handler for inst's current status, runs
// it, persists and publishes the result, and arms the next state's
// timeout if one is declared.
func (a *engineActor) dispatchOne(ctx context.Context, inst *Instance) {
	def, ok := a.defs[inst.Key.Operation]
	if !ok {
		return
	}

	if Terminal(inst.State.Status) {
		a.cleanup(ctx, inst)
		return
	}

	st, ok := def.States[inst.State.Status]
	if !ok {
		a.failInstance(ctx, inst.Key, inst.EntityTopic, fmt.Errorf("%w: %q", ErrUnknownState, inst.State.Status))
		return
	}

	inst.Dispatched = inst.State.Status
	next, err := a.runAction(ctx, st.Action, inst.State)
	inst.Attempts++
	if err != nil {
		next = GenericCommandState{Status: StatusFailed, Reason: err.Error()}
	}

	if statesEqual(next, inst.State) {
		// The handler reported no progress: the state is waiting on
		// external input. Keep the retained state as-is and (re)arm
		// its timeout rather than republishing an identical payload.
		if timeout, declared := def.stateTimeout(inst.State.Status); declared {
			a.armTimeout(ctx, inst.Key, inst.State.Status, timeout)
		}
		return
	}

	// A state with a declared transition map only accepts the
	// outcomes it lists; "failed" is always a legal exit. The mapped
	// name becomes the published status, so every consecutive pair of
	// retained states follows an edge of the workflow graph.
	if next.Status != StatusFailed && len(st.Next) > 0 {
		target, ok := st.Next[next.Status]
		if !ok {
			next = GenericCommandState{
				Status: StatusFailed,
				Reason: fmt.Sprintf("%v: %q is not a declared outcome of %q", ErrInvalidTransition, next.Status, inst.State.Status),
			}
		} else {
			next.Status = target
		}
	}

	inst.State = next
	a.writeAhead(inst)
	a.publishState(ctx, inst)

	if Terminal(next.Status) {
		a.cleanup(ctx, inst)
		return
	}

	if timeout, declared := def.stateTimeout(next.Status); declared {
		a.armTimeout(ctx, inst.Key, next.Status, timeout)
	}
}

func (a *engineActor) runAction(ctx context.Context, action Action, current GenericCommandState) (next GenericCommandState, err error) {
	defer func() {
		if r := recover(); r != nil {
			next, err = GenericCommandState{}, fmt.Errorf("%w: panic: %v", ErrHandlerCrash, r)
		}
	}()
	switch {
	case action.Builtin != "":
		handler, ok := a.dispatcher.Lookup(action.Builtin)
		if !ok {
			return GenericCommandState{}, fmt.Errorf("%w: %q", ErrHandlerCrash, action.Builtin)
		}
		return handler(ctx, current)
	case action.Script != nil:
		if a.runner == nil {
			return GenericCommandState{}, fmt.Errorf("%w: no script runner configured", ErrHandlerCrash)
		}
		return a.runner.Run(ctx, *action.Script, current)
	default:
		return GenericCommandState{}, fmt.Errorf("%w: state has neither a builtin nor a script action", ErrHandlerCrash)
	}
}

func (a *engineActor) handleTimeout(ctx context.Context, t timeractor.Timeout) {
	key, status, ok := parseTimeoutTag(t.Tag)
	if !ok {
		return
	}
	a.mu.Lock()
	inst, exists := a.instances[key]
	a.mu.Unlock()
	if !exists || inst.State.Status != status || Terminal(inst.State.Status) {
		// Superseded by a later transition already; nothing to do.
		return
	}

	if _, ok := a.defs[key.Operation]; !ok {
		return
	}
	inst.State = GenericCommandState{Status: StatusFailed, Reason: fmt.Sprintf("%v: state %q", ErrStateTimeout, status)}
	a.writeAhead(inst)
	a.publishState(ctx, inst)
	a.cleanup(ctx, inst)
}

func timeoutTag(key Key, status string) string {
	return key.Operation + "\x1f" + key.CmdID + "\x1f" + status
}

func parseTimeoutTag(tag string) (Key, string, bool) {
	parts := strings.Split(tag, "\x1f")
	if len(parts) != 3 {
		return Key{}, "", false
	}
	return Key{Operation: parts[0], CmdID: parts[1]}, parts[2], true
}

func (a *engineActor) armTimeout(ctx context.Context, key Key, status string, timeout time.Duration) {
	if timeout <= 0 {
		// A declared zero timeout is degenerate but well-defined:
		// fail immediately instead of arming a zero-duration timer.
		a.handleTimeout(ctx, timeractor.Timeout{Tag: timeoutTag(key, status)})
		return
	}
	_ = a.setTimeout.Send(ctx, timeractor.In{Set: &timeractor.SetTimeout{
		Tag:   timeoutTag(key, status),
		Delay: timeout,
	}})
}

func (a *engineActor) writeAhead(inst *Instance) {
	l, ok := a.logs[inst.Key.Operation]
	if !ok {
		return
	}
	if err := l.WriteAhead(inst); err != nil {
		a.log.Error("workflow: write-ahead log failed", "operation", inst.Key.Operation, "cmd_id", inst.Key.CmdID, "error", err)
	}
}

func (a *engineActor) publishState(ctx context.Context, inst *Instance) {
	enc, err := json.Marshal(inst.State)
	if err != nil {
		a.log.Error("workflow: marshal state failed", "error", err)
		return
	}
	topic := a.schema.Format(entitystore.MainTopicID(), entitystore.Channel{Kind: entitystore.ChannelCmd, Type: inst.Key.Operation, CmdID: inst.Key.CmdID})
	if inst.EntityTopic != "" {
		if id, parseErr := parseEntityTopicID(inst.EntityTopic); parseErr == nil {
			topic = a.schema.Format(id, entitystore.Channel{Kind: entitystore.ChannelCmd, Type: inst.Key.Operation, CmdID: inst.Key.CmdID})
		}
	}
	if err := a.publish.Send(ctx, mqttbus.Publish{Topic: topic, Payload: enc, QoS: 1, Retain: true}); err != nil {
		a.log.Warn("workflow: publish state failed", "topic", topic, "error", err)
	}
}

// parseEntityTopicID recovers a TopicID from its String() rendering
// ("device/<did>/service/<sid>", or "device/<did>//" for a
// device-level id), the inverse of TopicID.String used when
// Instance.EntityTopic is persisted as plain text.
func parseEntityTopicID(s string) (entitystore.TopicID, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 4 || parts[0] != "device" {
		return entitystore.TopicID{}, fmt.Errorf("workflow: invalid entity topic id %q", s)
	}
	switch {
	case parts[2] == "service":
		return entitystore.TopicID{DeviceID: parts[1], ServiceID: parts[3]}, nil
	case parts[2] == "" && parts[3] == "":
		return entitystore.TopicID{DeviceID: parts[1]}, nil
	default:
		return entitystore.TopicID{}, fmt.Errorf("workflow: invalid entity topic id %q", s)
	}
}

// cleanup publishes the retained clear, records the terminal outcome
// to the history store, removes the instance from memory and from the
// persisted operation log, and releases any fingerprint hold.
func (a *engineActor) cleanup(ctx context.Context, inst *Instance) {
	topic := a.schema.Format(entitystore.MainTopicID(), entitystore.Channel{Kind: entitystore.ChannelCmd, Type: inst.Key.Operation, CmdID: inst.Key.CmdID})
	if id, err := parseEntityTopicID(inst.EntityTopic); err == nil {
		topic = a.schema.Format(id, entitystore.Channel{Kind: entitystore.ChannelCmd, Type: inst.Key.Operation, CmdID: inst.Key.CmdID})
	}
	if err := a.publish.Send(ctx, mqttbus.Publish{Topic: topic, Payload: nil, QoS: 1, Retain: true}); err != nil {
		a.log.Warn("workflow: publish clear failed", "topic", topic, "error", err)
	}

	if a.history != nil {
		started := a.started[inst.Key]
		if started.IsZero() {
			started = time.Now()
		}
		if err := a.history.Record(HistoryEntry{
			Operation:   inst.Key.Operation,
			CmdID:       inst.Key.CmdID,
			EntityTopic: inst.EntityTopic,
			Status:      inst.State.Status,
			Reason:      inst.State.Reason,
			Attempts:    inst.Attempts,
			StartedAt:   started,
			FinishedAt:  time.Now(),
		}); err != nil {
			a.log.Warn("workflow: record history failed", "error", err)
		}
	}

	obs.WorkflowOperationsTotal.WithLabelValues(inst.Key.Operation, inst.State.Status).Inc()
	if started, ok := a.started[inst.Key]; ok {
		obs.WorkflowOperationDuration.WithLabelValues(inst.Key.Operation).Observe(time.Since(started).Seconds())
	}

	a.mu.Lock()
	delete(a.instances, inst.Key)
	delete(a.started, inst.Key)
	if a.fingerprints[inst.Key.Operation] == inst.Key {
		delete(a.fingerprints, inst.Key.Operation)
	}
	a.mu.Unlock()

	if l, ok := a.logs[inst.Key.Operation]; ok {
		if err := l.Forget(inst.Key.CmdID); err != nil {
			a.log.Warn("workflow: forget log entry failed", "error", err)
		}
	}
}

func (a *engineActor) failInstance(ctx context.Context, key Key, entityTopic string, reason error) {
	inst := &Instance{Key: key, EntityTopic: entityTopic, State: GenericCommandState{Status: StatusFailed, Reason: reason.Error()}}
	a.publishState(ctx, inst)
	a.cleanup(ctx, inst)
}

func (a *engineActor) rejectAlreadyInProgress(ctx context.Context, key Key, entityTopic string) {
	inst := &Instance{Key: key, EntityTopic: entityTopic, State: GenericCommandState{Status: StatusFailed, Reason: ErrAlreadyInProgress.Error()}}
	a.publishState(ctx, inst)
	a.cleanup(ctx, inst)
}
