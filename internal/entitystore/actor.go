package entitystore

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/thin-edge-sandbox/tedge-gateway/internal/actor"
	"github.com/thin-edge-sandbox/tedge-gateway/internal/mqttbus"
	"github.com/thin-edge-sandbox/tedge-gateway/internal/obs"
)

// Registered is fanned out to every peer once an entity is newly added
// to the registry, whether by explicit registration elsewhere in the
// process or by this actor's own auto-registration rule.
type Registered struct {
	Entity *Entity
}

// Builder wires the entity store actor: it owns the persisted Store
// exclusively and is the only writer of its auto-registration and twin
// mutations, per entity.go's "not safe to share a Registry across
// actors directly" rule — peers observe new entities only through the
// Registered events this actor emits.
type Builder struct {
	schema Schema
	store  *Store
	mbox   *actor.Mailbox[mqttbus.Message]
	sig    *actor.SignalMailbox
	peers  []actor.Sender[Registered]
	log    *slog.Logger
}

// NewBuilder creates a Builder owning store, parsing topics with
// schema.
func NewBuilder(schema Schema, store *Store, depth int, log *slog.Logger) *Builder {
	if log == nil {
		log = slog.Default()
	}
	return &Builder{
		schema: schema,
		store:  store,
		mbox:   actor.NewMailbox[mqttbus.Message](depth),
		sig:    actor.NewSignalMailbox(),
		log:    log,
	}
}

// Wire registers this builder's full-bus subscription with bus: every
// inbound message is inspected for an as-yet-unknown entity topic id
// or a twin mutation.
func (b *Builder) Wire(bus *mqttbus.Builder) {
	bus.RegisterPeer(b.schema.Root+"/#", b.mbox.Sender())
}

// RegisterPeer adds a downstream consumer of Registered events (the
// cloud mapper, for instance, which reacts to a newly seen child
// device by creating its cloud-side counterpart).
func (b *Builder) RegisterPeer(sink actor.Sender[Registered]) {
	b.peers = append(b.peers, sink)
}

// GetSignalSender implements actor.RuntimeRequestSink.
func (b *Builder) GetSignalSender() actor.Sender[actor.Shutdown] { return b.sig.Sender() }

// Build yields the runnable entity store actor.
func (b *Builder) Build() (actor.Actor, error) {
	return &storeActor{
		schema: b.schema,
		store:  b.store,
		mbox:   b.mbox,
		sig:    b.sig,
		peers:  b.peers,
		log:    b.log,
	}, nil
}

type storeActor struct {
	schema Schema
	store  *Store
	mbox   *actor.Mailbox[mqttbus.Message]
	sig    *actor.SignalMailbox
	peers  []actor.Sender[Registered]
	log    *slog.Logger
}

func (a *storeActor) Name() string { return "entity-store" }

func (a *storeActor) Run(ctx context.Context) error {
	for {
		msg, shutdown, ok := actor.Next(ctx, a.mbox, a.sig)
		if shutdown || !ok {
			return nil
		}
		a.handle(ctx, msg)
	}
}

func (a *storeActor) handle(ctx context.Context, msg mqttbus.Message) {
	id, channel, err := a.schema.Parse(msg.Topic)
	if err != nil {
		return
	}

	if channel.Kind == ChannelTwin {
		a.applyTwin(id, channel.Type, msg.Payload)
		return
	}

	a.autoRegister(ctx, id)
}

func (a *storeActor) applyTwin(id TopicID, key string, payload []byte) {
	var value json.RawMessage
	if len(payload) > 0 {
		value = json.RawMessage(payload)
	}
	if err := a.store.SetTwin(id, key, value); err != nil {
		a.log.Debug("entity-store: set twin failed", "topic_id", id.String(), "key", key, "error", err)
	}
}

// autoRegister implements the auto-registration rule: a message naming a
// not-yet-known child device creates a minimal record parented off the
// main device; one naming a not-yet-known service creates a record
// parented off its device, registering an unknown child device first.
// Each new record emits Registered downstream.
func (a *storeActor) autoRegister(ctx context.Context, id TopicID) {
	reg := a.store.Registry()
	if _, ok := reg.Get(id); ok {
		return
	}
	if id.IsMainDevice() {
		return
	}

	main := MainTopicID()

	if id.ServiceID == "" {
		a.register(ctx, &Entity{
			TopicID:    id,
			Kind:       KindChildDevice,
			ExternalID: id.DeviceID,
			ParentTopic: &main,
		})
		return
	}

	device := TopicID{DeviceID: id.DeviceID}
	if !device.IsMainDevice() {
		if _, ok := reg.Get(device); !ok {
			a.register(ctx, &Entity{
				TopicID:    device,
				Kind:       KindChildDevice,
				ExternalID: device.DeviceID,
				ParentTopic: &main,
			})
		}
	}

	a.register(ctx, &Entity{
		TopicID:     id,
		Kind:        KindService,
		ExternalID:  id.DeviceID + "/" + id.ServiceID,
		ParentTopic: &device,
	})
}

func (a *storeActor) register(ctx context.Context, e *Entity) {
	if err := a.store.Register(e); err != nil {
		a.log.Debug("entity-store: auto-register failed", "topic_id", e.TopicID.String(), "error", err)
		return
	}
	obs.EntitiesRegisteredTotal.Inc()
	for _, p := range a.peers {
		if err := p.Send(ctx, Registered{Entity: e}); err != nil {
			a.log.Debug("entity-store: registered fan-out failed", "error", err)
		}
	}
}
