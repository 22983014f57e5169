package entitystore

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestNewRegistryCreatesMainDevice(t *testing.T) {
	r := NewRegistry("main-ext-id")
	main, ok := r.Get(MainTopicID())
	if !ok {
		t.Fatal("main device not present")
	}
	if main.Kind != KindMainDevice || main.ExternalID != "main-ext-id" {
		t.Fatalf("main = %+v", main)
	}
}

func TestRegisterChildRequiresExistingParent(t *testing.T) {
	r := NewRegistry("main")
	child := &Entity{
		TopicID:     TopicID{DeviceID: "child1"},
		Kind:        KindChildDevice,
		ExternalID:  "child1-ext",
		ParentTopic: &TopicID{DeviceID: "nonexistent"},
	}
	if err := r.Register(child); err == nil {
		t.Fatal("Register should reject an entity with a missing parent")
	}
}

func TestRegisterChildOfMain(t *testing.T) {
	r := NewRegistry("main")
	main := MainTopicID()
	child := &Entity{
		TopicID:     TopicID{DeviceID: "child1"},
		Kind:        KindChildDevice,
		ExternalID:  "child1-ext",
		ParentTopic: &main,
	}
	if err := r.Register(child); err != nil {
		t.Fatalf("Register: %v", err)
	}
	got, ok := r.Get(child.TopicID)
	if !ok || got.ExternalID != "child1-ext" {
		t.Fatalf("child not registered correctly: %+v", got)
	}
}

func TestRegisterRejectsDuplicateExternalID(t *testing.T) {
	r := NewRegistry("main")
	main := MainTopicID()
	a := &Entity{TopicID: TopicID{DeviceID: "a"}, Kind: KindChildDevice, ExternalID: "dup", ParentTopic: &main}
	b := &Entity{TopicID: TopicID{DeviceID: "b"}, Kind: KindChildDevice, ExternalID: "dup", ParentTopic: &main}

	if err := r.Register(a); err != nil {
		t.Fatalf("Register a: %v", err)
	}
	if err := r.Register(b); err == nil {
		t.Fatal("Register should reject a duplicate external-id")
	}
}

func TestRegisterRejectsWildcardExternalID(t *testing.T) {
	r := NewRegistry("main")
	main := MainTopicID()
	bad := &Entity{TopicID: TopicID{DeviceID: "a"}, Kind: KindChildDevice, ExternalID: "dev+1", ParentTopic: &main}
	if err := r.Register(bad); err == nil {
		t.Fatal("Register should reject an external-id with an MQTT wildcard")
	}
}

func TestMainDeviceCannotBeDeregistered(t *testing.T) {
	r := NewRegistry("main")
	if err := r.Deregister(MainTopicID()); err == nil {
		t.Fatal("Deregister should refuse to remove the main device")
	}
}

func TestSetTwinRejectsReservedKeys(t *testing.T) {
	r := NewRegistry("main")
	for _, key := range []string{"@id", "@type", "@parent", "name", "type"} {
		err := r.SetTwin(MainTopicID(), key, json.RawMessage(`"x"`))
		if err == nil {
			t.Errorf("SetTwin(%q) should have been rejected", key)
			continue
		}
		var reserved *ErrReservedKey
		if !errors.As(err, &reserved) {
			t.Errorf("SetTwin(%q) error = %T %v, want *ErrReservedKey", key, err, err)
		}
	}
}

func TestSetTwinNullValueDeletesFragment(t *testing.T) {
	r := NewRegistry("main")
	if err := r.SetTwin(MainTopicID(), "hardware", json.RawMessage(`{"model":"rpi4"}`)); err != nil {
		t.Fatalf("SetTwin: %v", err)
	}
	if err := r.SetTwin(MainTopicID(), "hardware", json.RawMessage(`null`)); err != nil {
		t.Fatalf("SetTwin null: %v", err)
	}
	main, _ := r.Get(MainTopicID())
	if _, ok := main.TwinFragment["hardware"]; ok {
		t.Fatal("null twin value should delete the fragment")
	}
}

func TestDisplayTwinFragmentsRenamesReservedKeys(t *testing.T) {
	e := &Entity{TwinFragment: map[string]json.RawMessage{
		"type": json.RawMessage(`"sensor"`),
		"name": json.RawMessage(`"Kitchen"`),
		"unit": json.RawMessage(`"celsius"`),
	}}
	display := e.DisplayTwinFragments()
	if string(display["display_type"]) != `"sensor"` {
		t.Errorf("display_type = %s", display["display_type"])
	}
	if string(display["display_name"]) != `"Kitchen"` {
		t.Errorf("display_name = %s", display["display_name"])
	}
	if string(display["unit"]) != `"celsius"` {
		t.Errorf("unit = %s", display["unit"])
	}
	if _, ok := display["type"]; ok {
		t.Error("raw \"type\" key should not survive DisplayTwinFragments")
	}
}
