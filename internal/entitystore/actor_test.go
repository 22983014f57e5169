package entitystore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/thin-edge-sandbox/tedge-gateway/internal/actor"
	"github.com/thin-edge-sandbox/tedge-gateway/internal/mqttbus"
)

type captureRegistered struct {
	ch chan Registered
}

func (c captureRegistered) Send(ctx context.Context, r Registered) error {
	c.ch <- r
	return nil
}
func (c captureRegistered) Clone() actor.Sender[Registered] { return c }

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "entities.jsonl"), "main-device")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAutoRegisterChildDeviceFromMeasurementTopic(t *testing.T) {
	store := openTestStore(t)
	schema := NewSchema("te")
	b := NewBuilder(schema, store, 8, nil)
	captured := make(chan Registered, 4)
	b.RegisterPeer(captureRegistered{ch: captured})

	act, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	sa := act.(*storeActor)

	sa.handle(context.Background(), mqttbus.Message{Topic: "te/device/child01///m/temperature"})

	reg := store.Registry()
	e, ok := reg.Get(TopicID{DeviceID: "child01"})
	if !ok {
		t.Fatal("child01 not registered")
	}
	if e.Kind != KindChildDevice {
		t.Fatalf("Kind = %v, want KindChildDevice", e.Kind)
	}

	select {
	case got := <-captured:
		if got.Entity.TopicID != (TopicID{DeviceID: "child01"}) {
			t.Fatalf("unexpected registered entity %+v", got.Entity)
		}
	default:
		t.Fatal("expected a Registered event")
	}
}

func TestAutoRegisterServiceRegistersParentDeviceFirst(t *testing.T) {
	store := openTestStore(t)
	schema := NewSchema("te")
	b := NewBuilder(schema, store, 8, nil)
	captured := make(chan Registered, 4)
	b.RegisterPeer(captureRegistered{ch: captured})

	act, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	sa := act.(*storeActor)

	sa.handle(context.Background(), mqttbus.Message{Topic: "te/device/child01/service/collectd/m/temperature"})

	reg := store.Registry()
	if _, ok := reg.Get(TopicID{DeviceID: "child01"}); !ok {
		t.Fatal("parent device child01 should have been auto-registered")
	}
	svc, ok := reg.Get(TopicID{DeviceID: "child01", ServiceID: "collectd"})
	if !ok {
		t.Fatal("service not registered")
	}
	if svc.Kind != KindService {
		t.Fatalf("Kind = %v, want KindService", svc.Kind)
	}

	first := <-captured
	if first.Entity.Kind != KindChildDevice {
		t.Fatalf("first Registered event = %+v, want the parent device", first.Entity)
	}
	second := <-captured
	if second.Entity.Kind != KindService {
		t.Fatalf("second Registered event = %+v, want the service", second.Entity)
	}
}

func TestAutoRegisterIgnoresMainDevice(t *testing.T) {
	store := openTestStore(t)
	schema := NewSchema("te")
	b := NewBuilder(schema, store, 8, nil)
	act, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	sa := act.(*storeActor)

	sa.handle(context.Background(), mqttbus.Message{Topic: "te/device/main///m/temperature"})

	if got := store.Registry().All(); len(got) != 1 {
		t.Fatalf("All() = %d entities, want just the main device", len(got))
	}
}

func TestApplyTwinSetsAndClearsFragment(t *testing.T) {
	store := openTestStore(t)
	main := MainTopicID()
	if err := store.Register(&Entity{TopicID: TopicID{DeviceID: "child01"}, Kind: KindChildDevice, ExternalID: "child01", ParentTopic: &main}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	schema := NewSchema("te")
	b := NewBuilder(schema, store, 8, nil)
	act, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	sa := act.(*storeActor)

	sa.handle(context.Background(), mqttbus.Message{Topic: "te/device/child01///twin/hardware", Payload: []byte(`{"model":"rpi4"}`)})

	e, ok := store.Registry().Get(TopicID{DeviceID: "child01"})
	if !ok {
		t.Fatal("child01 missing")
	}
	if string(e.TwinFragment["hardware"]) != `{"model":"rpi4"}` {
		t.Fatalf("twin fragment = %s", e.TwinFragment["hardware"])
	}

	sa.handle(context.Background(), mqttbus.Message{Topic: "te/device/child01///twin/hardware", Payload: nil})
	if v, ok := e.TwinFragment["hardware"]; ok && v != nil {
		t.Fatalf("twin fragment should be cleared, got %s", v)
	}
}
