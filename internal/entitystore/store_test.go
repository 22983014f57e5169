package entitystore

import (
	"encoding/json"
	"path/filepath"
	"testing"
)

func TestStoreReplayRecoversState(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "entities.jsonl")

	store, err := Open(path, "main-ext")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	main := MainTopicID()
	child := &Entity{TopicID: TopicID{DeviceID: "child1"}, Kind: KindChildDevice, ExternalID: "child1-ext", ParentTopic: &main}
	if err := store.Register(child); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := store.SetTwin(child.TopicID, "firmware", json.RawMessage(`"1.2.3"`)); err != nil {
		t.Fatalf("SetTwin: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(path, "main-ext")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	got, ok := reopened.Registry().Get(child.TopicID)
	if !ok {
		t.Fatal("child not recovered by replay")
	}
	if got.ExternalID != "child1-ext" {
		t.Errorf("ExternalID = %q, want child1-ext", got.ExternalID)
	}
	if string(got.TwinFragment["firmware"]) != `"1.2.3"` {
		t.Errorf("firmware twin fragment = %s", got.TwinFragment["firmware"])
	}
}

func TestStoreCompactPreservesCurrentState(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "entities.jsonl")

	store, err := Open(path, "main-ext")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	main := MainTopicID()
	child := &Entity{TopicID: TopicID{DeviceID: "child1"}, Kind: KindChildDevice, ExternalID: "child1-ext", ParentTopic: &main}
	if err := store.Register(child); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := store.SetTwin(child.TopicID, "firmware", json.RawMessage(`"1.0"`)); err != nil {
		t.Fatalf("SetTwin: %v", err)
	}
	if err := store.SetTwin(child.TopicID, "firmware", json.RawMessage(`"2.0"`)); err != nil {
		t.Fatalf("SetTwin: %v", err)
	}

	if err := store.Compact(); err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(path, "main-ext")
	if err != nil {
		t.Fatalf("reopen after compact: %v", err)
	}
	defer reopened.Close()

	got, ok := reopened.Registry().Get(child.TopicID)
	if !ok {
		t.Fatal("child not recovered after compaction")
	}
	if string(got.TwinFragment["firmware"]) != `"2.0"` {
		t.Errorf("firmware = %s, want latest value 2.0 after compaction", got.TwinFragment["firmware"])
	}
}

func TestOpenSeedsMainDeviceWhenNoLogExists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "entities.jsonl")

	store, err := Open(path, "edge01")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	main, ok := store.Registry().Get(MainTopicID())
	if !ok || main.ExternalID != "edge01" {
		t.Fatalf("main device = %+v, ok=%v", main, ok)
	}
}
