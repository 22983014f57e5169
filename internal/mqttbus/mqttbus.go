// Package mqttbus is the exclusive owner of the single local MQTT
// client connection. Every other actor reaches the broker only by
// sending Publish messages here and registering a filtered peer to
// receive fan-out.
package mqttbus

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"

	"github.com/thin-edge-sandbox/tedge-gateway/internal/actor"
	"github.com/thin-edge-sandbox/tedge-gateway/internal/obs"
)

// Publish is the unit of work this actor accepts: publish payload to
// topic at the given QoS, optionally retained.
type Publish struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// Message is delivered to every subscriber whose filter matches
// Topic, on every inbound PUBLISH from the broker.
type Message struct {
	Topic   string
	Payload []byte
	Retain  bool
}

// Config carries the broker connection parameters this actor needs.
// It intentionally mirrors gwconfig.MQTTConfig's fields rather than
// importing that package, keeping mqttbus free of a dependency on the
// config layer.
type Config struct {
	Host           string
	Port           int
	ClientIDPrefix string
	TLS            bool
	CAFile         string
	CertFile       string
	KeyFile        string
}

func (c Config) brokerURL() *url.URL {
	scheme := "mqtt"
	if c.TLS {
		scheme = "mqtts"
	}
	return &url.URL{Scheme: scheme, Host: fmt.Sprintf("%s:%d", c.Host, c.Port)}
}

// peer is a registered fan-out destination: every inbound Message
// whose Topic matches Filter (a plain prefix or MQTT-style `+`/`#`
// wildcard filter) is sent to Sink. A bounded channel backs Sink, so a
// slow peer applies real backpressure to this actor's delivery loop
// rather than silently dropping messages; the at-least-once
// fan-out invariant rules out the drop-on-full pattern.
type peer struct {
	filter string
	sink   actor.Sender[Message]
}

// Builder wires the last-will, registers subscriber peers, and
// produces the runnable transport actor.
type Builder struct {
	cfg      Config
	mbox     *actor.Mailbox[Publish]
	sig      *actor.SignalMailbox
	peers    []peer
	will     *Publish
	policy   *Policy
	log      *slog.Logger
}

// NewBuilder creates a Builder with the given inbound publish queue
// depth.
func NewBuilder(cfg Config, depth int, log *slog.Logger) *Builder {
	if log == nil {
		log = slog.Default()
	}
	return &Builder{
		cfg:    cfg,
		mbox:   actor.NewMailbox[Publish](depth),
		sig:    actor.NewSignalMailbox(),
		policy: NewPolicy(),
		log:    log,
	}
}

// Sender returns the capability to enqueue outbound publishes.
func (b *Builder) Sender() actor.Sender[Publish] { return b.mbox.Sender() }

// RegisterPeer wires a subscriber that receives every inbound Message
// matching filter (e.g. "te/device/+/service/+/m/#").
func (b *Builder) RegisterPeer(filter string, sink actor.Sender[Message]) {
	b.peers = append(b.peers, peer{filter: filter, sink: sink})
}

// SetWill configures the last-will message published by the broker if
// this client disconnects uncleanly.
func (b *Builder) SetWill(p Publish) { b.will = &p }

// GetSignalSender implements actor.RuntimeRequestSink.
func (b *Builder) GetSignalSender() actor.Sender[actor.Shutdown] { return b.sig.Sender() }

// Build yields the runnable MQTT transport actor. It does not connect;
// connection happens in Run.
func (b *Builder) Build() (actor.Actor, error) {
	if b.cfg.Host == "" {
		return nil, fmt.Errorf("mqttbus: broker host must not be empty")
	}
	return &busActor{
		cfg:    b.cfg,
		mbox:   b.mbox,
		sig:    b.sig,
		peers:  b.peers,
		will:   b.will,
		policy: b.policy,
		log:    b.log,
	}, nil
}

type busActor struct {
	cfg    Config
	mbox   *actor.Mailbox[Publish]
	sig    *actor.SignalMailbox
	peers  []peer
	will   *Publish
	policy *Policy
	log    *slog.Logger

	mu sync.Mutex
	cm *autopaho.ConnectionManager
}

func (a *busActor) Name() string { return "mqttbus" }

func (a *busActor) Run(ctx context.Context) error {
	pahoCfg := autopaho.ClientConfig{
		ServerUrls: []*url.URL{a.cfg.brokerURL()},
		KeepAlive:  30,
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			a.policy.Connected(time.Now())
			a.log.Info("mqtt connected", "host", a.cfg.Host, "port", a.cfg.Port)
			subCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			a.resubscribe(subCtx, cm)
		},
		OnConnectError: func(err error) {
			delay := a.policy.Failed(time.Now())
			obs.MQTTReconnectsTotal.Inc()
			a.log.Warn("mqtt connection error", "error", err, "retry_in", delay)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: a.cfg.ClientIDPrefix + "-" + randSuffix(),
		},
	}

	if a.will != nil {
		pahoCfg.WillMessage = &paho.WillMessage{
			Topic:   a.will.Topic,
			Payload: a.will.Payload,
			QoS:     a.will.QoS,
			Retain:  a.will.Retain,
		}
	}

	if a.cfg.TLS {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqttbus: connect: %w", err)
	}
	a.mu.Lock()
	a.cm = cm
	a.mu.Unlock()

	cm.AddOnPublishReceived(func(pr autopaho.PublishReceived) (bool, error) {
		a.deliver(ctx, Message{
			Topic:   pr.Packet.Topic,
			Payload: pr.Packet.Payload,
			Retain:  pr.Packet.Retain,
		})
		return true, nil
	})

	connCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		a.log.Warn("mqtt initial connection timed out, retrying in background", "error", err)
	}

	for {
		msg, shutdown, ok := actor.Next(ctx, a.mbox, a.sig)
		if shutdown || !ok {
			return cm.Disconnect(context.Background())
		}
		a.publish(ctx, msg)
	}
}

func (a *busActor) publish(ctx context.Context, msg Publish) {
	a.mu.Lock()
	cm := a.cm
	a.mu.Unlock()
	if cm == nil {
		return
	}
	timer := obs.NewTimer()
	defer timer.ObserveDuration(obs.MQTTPublishDuration)
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   msg.Topic,
		Payload: msg.Payload,
		QoS:     msg.QoS,
		Retain:  msg.Retain,
	}); err != nil {
		a.log.Warn("mqtt publish failed", "topic", msg.Topic, "error", err)
	}
}

func (a *busActor) resubscribe(ctx context.Context, cm *autopaho.ConnectionManager) {
	if len(a.peers) == 0 {
		return
	}
	seen := make(map[string]bool)
	opts := make([]paho.SubscribeOptions, 0, len(a.peers))
	for _, p := range a.peers {
		if seen[p.filter] {
			continue
		}
		seen[p.filter] = true
		opts = append(opts, paho.SubscribeOptions{Topic: p.filter, QoS: 1})
	}
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{Subscriptions: opts}); err != nil {
		a.log.Error("mqtt resubscribe failed", "error", err)
	}
}

// deliver fans an inbound Message out to every peer whose filter
// matches. Each send blocks the broker-received callback goroutine if
// a peer's queue is full: that is deliberate backpressure, not a bug
// — a drop-on-full fan-out would violate at-least-once delivery.
func (a *busActor) deliver(ctx context.Context, msg Message) {
	for _, p := range a.peers {
		if !filterMatches(p.filter, msg.Topic) {
			continue
		}
		if err := p.sink.Send(ctx, msg); err != nil {
			a.log.Debug("mqtt fan-out delivery failed", "topic", msg.Topic, "error", err)
		}
	}
}

// filterMatches implements MQTT topic-filter matching: "+" matches
// exactly one level, "#" (only valid as the final level) matches zero
// or more trailing levels.
func filterMatches(filter, topic string) bool {
	fParts := strings.Split(filter, "/")
	tParts := strings.Split(topic, "/")

	for i, f := range fParts {
		if f == "#" {
			return true
		}
		if i >= len(tParts) {
			return false
		}
		if f != "+" && f != tParts[i] {
			return false
		}
	}
	return len(fParts) == len(tParts)
}

// randSuffix keeps concurrent gateway instances (and fast restarts,
// which the broker would otherwise see as a client-id takeover) from
// colliding on the configured client-id prefix.
func randSuffix() string {
	return uuid.NewString()[:8]
}
