// Package health implements the per-service health monitor: it wires
// a retained last-will (down) message into the MQTT transport actor,
// publishes a retained up message itself when it starts, and
// re-publishes the up message whenever a health-check request arrives
// on the service's request topic, so upstream watchdogs can probe on
// demand.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/thin-edge-sandbox/tedge-gateway/internal/actor"
	"github.com/thin-edge-sandbox/tedge-gateway/internal/mqttbus"
)

// Status is the JSON body of a health message.
type Status struct {
	Status string `json:"status"`
	PID    int    `json:"pid"`
	Time   int64  `json:"time"`
}

// Topic returns the canonical health topic for an entity topic id,
// e.g. "te/device/main/service/tedge-mapper-c8y/status/health".
func Topic(root, entityTopicID string) string {
	return fmt.Sprintf("%s/%s/status/health", root, entityTopicID)
}

// RequestTopic returns the topic upstream watchdogs publish to in
// order to ask this service to re-publish its up message on demand.
func RequestTopic(root, entityTopicID string) string {
	return fmt.Sprintf("%s/%s/cmd/health-check", root, entityTopicID)
}

// Builder wires this service's will, its publish sender and its
// on-demand re-publish subscription into an mqttbus.Builder.
type Builder struct {
	root          string
	entityTopicID string
	mbox          *actor.Mailbox[mqttbus.Message]
	sig           *actor.SignalMailbox
	publish       actor.Sender[mqttbus.Publish]
	log           *slog.Logger
}

// NewBuilder creates a health monitor Builder for entityTopicID
// (e.g. "device/main/service/tedge-mapper-c8y").
func NewBuilder(root, entityTopicID string, log *slog.Logger) *Builder {
	if log == nil {
		log = slog.Default()
	}
	return &Builder{
		root:          root,
		entityTopicID: entityTopicID,
		mbox:          actor.NewMailbox[mqttbus.Message](4),
		sig:           actor.NewSignalMailbox(),
		publish:       actor.DevNull[mqttbus.Publish]{},
		log:           log,
	}
}

// Wire registers this builder's will and request subscription with
// bus, and obtains the sender this builder uses to publish its own
// status. Call before bus.Build().
func (b *Builder) Wire(bus *mqttbus.Builder) {
	bus.SetWill(mqttbus.Publish{
		Topic:   Topic(b.root, b.entityTopicID),
		Payload: b.encode("down"),
		QoS:     1,
		Retain:  true,
	})
	bus.RegisterPeer(RequestTopic(b.root, b.entityTopicID), b.mbox.Sender())
	b.publish = bus.Sender()
}

// GetSignalSender implements actor.RuntimeRequestSink.
func (b *Builder) GetSignalSender() actor.Sender[actor.Shutdown] { return b.sig.Sender() }

func (b *Builder) encode(status string) []byte {
	s := Status{Status: status, PID: os.Getpid(), Time: time.Now().Unix()}
	enc, _ := json.Marshal(s)
	return enc
}

// Build yields the runnable health monitor actor.
func (b *Builder) Build() (actor.Actor, error) {
	return &monitorActor{
		root:          b.root,
		entityTopicID: b.entityTopicID,
		mbox:          b.mbox,
		sig:           b.sig,
		publish:       b.publish,
		log:           b.log,
	}, nil
}

type monitorActor struct {
	root          string
	entityTopicID string
	mbox          *actor.Mailbox[mqttbus.Message]
	sig           *actor.SignalMailbox
	publish       actor.Sender[mqttbus.Publish]
	log           *slog.Logger
}

func (a *monitorActor) Name() string { return "health:" + a.entityTopicID }

func (a *monitorActor) Run(ctx context.Context) error {
	if err := a.publishUp(ctx); err != nil {
		a.log.Warn("initial health publish failed", "error", err)
	}

	for {
		_, shutdown, ok := actor.Next(ctx, a.mbox, a.sig)
		if shutdown || !ok {
			return nil
		}
		if err := a.publishUp(ctx); err != nil {
			a.log.Warn("health-check republish failed", "error", err)
		}
	}
}

func (a *monitorActor) publishUp(ctx context.Context) error {
	s := Status{Status: "up", PID: os.Getpid(), Time: time.Now().Unix()}
	enc, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return a.publish.Send(ctx, mqttbus.Publish{
		Topic:   Topic(a.root, a.entityTopicID),
		Payload: enc,
		QoS:     1,
		Retain:  true,
	})
}

// ParseStatus decodes a retained health payload. An empty payload
// (the topic was cleared) is not a valid Status and returns an error.
func ParseStatus(payload []byte) (Status, error) {
	if len(strings.TrimSpace(string(payload))) == 0 {
		return Status{}, fmt.Errorf("health: empty payload")
	}
	var s Status
	if err := json.Unmarshal(payload, &s); err != nil {
		return Status{}, fmt.Errorf("health: %w", err)
	}
	return s, nil
}
