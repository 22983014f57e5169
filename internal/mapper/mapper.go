package mapper

import (
	"context"
	"log/slog"
	"time"

	"github.com/thin-edge-sandbox/tedge-gateway/internal/actor"
	"github.com/thin-edge-sandbox/tedge-gateway/internal/entitystore"
	"github.com/thin-edge-sandbox/tedge-gateway/internal/mqttbus"
)

// CloudPublishTopic is the local topic translated SmartREST lines are
// published to; a separate cloud connector bridges this topic to the
// real Cumulocity endpoint.
const CloudPublishTopic = "c8y/s/us"

// CloudMeasurementTopic carries translated c8y JSON measurements.
const CloudMeasurementTopic = "c8y/measurement/measurements/create"

// Builder wires the schema-to-cloud translation actor.
type Builder struct {
	schema  entitystore.Schema
	mbox    *actor.Mailbox[mqttbus.Message]
	sig     *actor.SignalMailbox
	publish actor.Sender[mqttbus.Publish]
	log     *slog.Logger
}

// NewBuilder creates a Builder translating messages on schema's root.
func NewBuilder(schema entitystore.Schema, depth int, log *slog.Logger) *Builder {
	if log == nil {
		log = slog.Default()
	}
	return &Builder{
		schema:  schema,
		mbox:    actor.NewMailbox[mqttbus.Message](depth),
		sig:     actor.NewSignalMailbox(),
		publish: actor.DevNull[mqttbus.Publish]{},
		log:     log,
	}
}

// Wire registers this mapper's measurement/event/alarm subscriptions
// with bus and obtains the sender it republishes translated lines on.
func (b *Builder) Wire(bus *mqttbus.Builder) {
	root := b.schema.Root
	bus.RegisterPeer(root+"/+/+/+/+/m/#", b.mbox.Sender())
	bus.RegisterPeer(root+"/+/+/+/+/e/#", b.mbox.Sender())
	bus.RegisterPeer(root+"/+/+/+/+/a/#", b.mbox.Sender())
	b.publish = bus.Sender()
}

// GetSignalSender implements actor.RuntimeRequestSink.
func (b *Builder) GetSignalSender() actor.Sender[actor.Shutdown] { return b.sig.Sender() }

// Build yields the runnable mapper actor.
func (b *Builder) Build() (actor.Actor, error) {
	return &mapperActor{
		schema:     b.schema,
		mbox:       b.mbox,
		sig:        b.sig,
		publish:    b.publish,
		registered: make(map[string]bool),
		log:        b.log,
	}, nil
}

type mapperActor struct {
	schema  entitystore.Schema
	mbox    *actor.Mailbox[mqttbus.Message]
	sig     *actor.SignalMailbox
	publish actor.Sender[mqttbus.Publish]

	// registered tracks, per device id, whether this mapper has already
	// sent that child device's SmartREST 101 creation line.
	registered map[string]bool

	log *slog.Logger
}

func (a *mapperActor) Name() string { return "mapper:c8y" }

func (a *mapperActor) Run(ctx context.Context) error {
	for {
		msg, shutdown, ok := actor.Next(ctx, a.mbox, a.sig)
		if shutdown || !ok {
			return nil
		}
		a.handle(ctx, msg)
	}
}

func (a *mapperActor) handle(ctx context.Context, msg mqttbus.Message) {
	id, channel, err := a.schema.Parse(msg.Topic)
	if err != nil {
		return
	}

	switch channel.Kind {
	case entitystore.ChannelAlarm:
		a.ensureRegistered(ctx, id)
		line, err := TranslateAlarm(channel.Type, msg.Payload, time.Now())
		if err != nil {
			a.log.Warn("mapper: alarm translation failed", "topic", msg.Topic, "error", err)
			return
		}
		a.publishLine(ctx, line)

	case entitystore.ChannelEvent:
		a.ensureRegistered(ctx, id)
		line, err := TranslateEvent(channel.Type, msg.Payload, time.Now())
		if err != nil {
			a.log.Warn("mapper: event translation failed", "topic", msg.Topic, "error", err)
			return
		}
		a.publishLine(ctx, line)

	case entitystore.ChannelMeasurement:
		a.ensureRegistered(ctx, id)
		body, err := TranslateMeasurement(channel.Type, msg.Payload, time.Now())
		if err != nil {
			a.log.Warn("mapper: measurement translation failed", "topic", msg.Topic, "error", err)
			return
		}
		a.publishMeasurement(ctx, body)
	}
}

// ensureRegistered auto-registers id's child device with the cloud the
// first time this mapper sees a data point for it, mirroring
// entitystore's local auto-registration rule on the
// cloud side: the child's SmartREST 101 creation line always precedes
// the data point that triggered it.
func (a *mapperActor) ensureRegistered(ctx context.Context, id entitystore.TopicID) {
	if id.DeviceID == "" || id.DeviceID == entitystore.MainDeviceID || a.registered[id.DeviceID] {
		return
	}
	a.registered[id.DeviceID] = true
	a.publishLine(ctx, TranslateChildRegistration(id.DeviceID, id.DeviceID, "thin-edge.io-child"))
}

func (a *mapperActor) publishLine(ctx context.Context, line string) {
	if err := a.publish.Send(ctx, mqttbus.Publish{Topic: CloudPublishTopic, Payload: []byte(line), QoS: 1}); err != nil {
		a.log.Warn("mapper: publish failed", "line", line, "error", err)
	}
}

func (a *mapperActor) publishMeasurement(ctx context.Context, body []byte) {
	if err := a.publish.Send(ctx, mqttbus.Publish{Topic: CloudMeasurementTopic, Payload: body, QoS: 1}); err != nil {
		a.log.Warn("mapper: publish measurement failed", "error", err)
	}
}
