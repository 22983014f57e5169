package mapper

import (
	"context"
	"testing"

	"github.com/thin-edge-sandbox/tedge-gateway/internal/actor"
	"github.com/thin-edge-sandbox/tedge-gateway/internal/entitystore"
	"github.com/thin-edge-sandbox/tedge-gateway/internal/mqttbus"
)

type captureSender struct {
	ch chan mqttbus.Publish
}

func (c captureSender) Send(ctx context.Context, p mqttbus.Publish) error {
	c.ch <- p
	return nil
}
func (c captureSender) Clone() actor.Sender[mqttbus.Publish] { return c }

func TestMapperRegistersChildBeforeFirstMeasurement(t *testing.T) {
	schema := entitystore.NewSchema("te")
	b := NewBuilder(schema, 8, nil)
	captured := make(chan mqttbus.Publish, 4)
	b.publish = captureSender{ch: captured}

	a, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	mapperA := a.(*mapperActor)

	ctx := context.Background()
	mapperA.handle(ctx, mqttbus.Message{
		Topic:   "te/device/child01/service/main/m/temperature",
		Payload: []byte(`{"temperature":{"value":21.5}}`),
	})

	first := <-captured
	if first.Topic != CloudPublishTopic {
		t.Fatalf("first publish topic = %q, want %q", first.Topic, CloudPublishTopic)
	}
	if string(first.Payload) != "101,child01,child01,thin-edge.io-child" {
		t.Fatalf("registration line = %q", first.Payload)
	}

	second := <-captured
	if second.Topic != CloudMeasurementTopic {
		t.Fatalf("second publish topic = %q, want %q", second.Topic, CloudMeasurementTopic)
	}

	mapperA.handle(ctx, mqttbus.Message{
		Topic:   "te/device/child01/service/main/m/temperature",
		Payload: []byte(`{"temperature":{"value":22.0}}`),
	})
	third := <-captured
	if third.Topic != CloudMeasurementTopic {
		t.Fatalf("repeat message should not re-register, got topic %q", third.Topic)
	}
	select {
	case extra := <-captured:
		t.Fatalf("unexpected extra publish: %+v", extra)
	default:
	}
}

func TestMapperIgnoresMainDeviceRegistration(t *testing.T) {
	schema := entitystore.NewSchema("te")
	b := NewBuilder(schema, 8, nil)
	captured := make(chan mqttbus.Publish, 4)
	b.publish = captureSender{ch: captured}

	a, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	mapperA := a.(*mapperActor)

	mapperA.handle(context.Background(), mqttbus.Message{
		Topic:   "te/device/main///a/temperature_alarm",
		Payload: []byte(`{"severity":"critical"}`),
	})

	pub := <-captured
	if pub.Topic != CloudPublishTopic {
		t.Fatalf("topic = %q", pub.Topic)
	}
	if len(pub.Payload) == 0 || pub.Payload[0] != '3' {
		t.Fatalf("unexpected alarm line: %q", pub.Payload)
	}
	select {
	case extra := <-captured:
		t.Fatalf("main device should not trigger a registration line, got %+v", extra)
	default:
	}
}
