package entitystore

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// Kind enumerates the entity roles in the registry.
type Kind int

const (
	KindMainDevice Kind = iota
	KindChildDevice
	KindService
)

func (k Kind) String() string {
	switch k {
	case KindMainDevice:
		return "main-device"
	case KindChildDevice:
		return "child-device"
	case KindService:
		return "service"
	default:
		return "unknown"
	}
}

// reservedTwinKeys surface under different field names on the wire:
// "type" and "name" are cloud-reserved, so the entity store exposes
// them as display_type/display_name instead.
var reservedTwinKeys = map[string]string{
	"type": "display_type",
	"name": "display_name",
}

// Entity is a registered device, child device, or service.
type Entity struct {
	TopicID      TopicID
	Kind         Kind
	ExternalID   string
	ParentTopic  *TopicID
	TwinFragment map[string]json.RawMessage
}

// DisplayTwinFragments returns the entity's twin fragments with
// reserved keys renamed to their wire-surfaced equivalents.
func (e *Entity) DisplayTwinFragments() map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(e.TwinFragment))
	for k, v := range e.TwinFragment {
		if display, ok := reservedTwinKeys[k]; ok {
			out[display] = v
			continue
		}
		out[k] = v
	}
	return out
}

// ErrInvalidEntity reports a registration that would violate registry
// invariants.
type ErrInvalidEntity struct {
	Kind   Kind
	Reason string
}

func (e *ErrInvalidEntity) Error() string {
	return fmt.Sprintf("entitystore: invalid %s entity: %s", e.Kind, e.Reason)
}

// ErrReservedKey reports a twin mutation targeting a key the registry
// manages itself.
type ErrReservedKey struct {
	Key string
}

func (e *ErrReservedKey) Error() string {
	return fmt.Sprintf("entitystore: twin key %q is reserved", e.Key)
}

// reservedKeys may not be set through the twin channel: they are
// either registry-managed (@id, @type, @parent) or cloud-reserved
// (name, type), which surface as display_name/display_type instead.
var reservedKeys = map[string]bool{
	"@id":     true,
	"@type":   true,
	"@parent": true,
	"name":    true,
	"type":    true,
}

// ErrUnknownParent reports a child device or service registered
// against a parent that does not exist in the registry.
type ErrUnknownParent struct {
	Parent TopicID
}

func (e *ErrUnknownParent) Error() string {
	return fmt.Sprintf("entitystore: unknown parent %s", e.Parent)
}

func hasMQTTWildcard(s string) bool {
	return strings.ContainsAny(s, "+#")
}

// Registry holds the in-memory entity graph. It is not safe to share
// a Registry across actors directly; the entity store actor owns it
// exclusively and peers observe it only through the messages that
// actor emits.
type Registry struct {
	mu         sync.RWMutex
	entities   map[TopicID]*Entity
	externalID map[string]TopicID
}

// NewRegistry creates a Registry with the main device already
// present: the main device always exists and is created at startup.
func NewRegistry(mainExternalID string) *Registry {
	r := &Registry{
		entities:   make(map[TopicID]*Entity),
		externalID: make(map[string]TopicID),
	}
	main := MainTopicID()
	r.entities[main] = &Entity{
		TopicID:      main,
		Kind:         KindMainDevice,
		ExternalID:   mainExternalID,
		TwinFragment: make(map[string]json.RawMessage),
	}
	r.externalID[mainExternalID] = main
	return r
}

// Register validates and inserts a new child device or service. The
// main device cannot be re-registered; use NewRegistry once at
// startup instead.
func (r *Registry) Register(e *Entity) error {
	if e.Kind == KindMainDevice {
		return &ErrInvalidEntity{Kind: e.Kind, Reason: "main device is unique and created at startup"}
	}
	if hasMQTTWildcard(e.ExternalID) {
		return &ErrInvalidEntity{Kind: e.Kind, Reason: "external-id must not contain MQTT wildcards"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entities[e.TopicID]; exists {
		return &ErrInvalidEntity{Kind: e.Kind, Reason: fmt.Sprintf("topic id %s already registered", e.TopicID)}
	}
	if existing, exists := r.externalID[e.ExternalID]; exists && existing != e.TopicID {
		return &ErrInvalidEntity{Kind: e.Kind, Reason: fmt.Sprintf("external-id %q already used by %s", e.ExternalID, existing)}
	}
	if e.ParentTopic == nil {
		return &ErrInvalidEntity{Kind: e.Kind, Reason: "missing parent topic id"}
	}
	if _, ok := r.entities[*e.ParentTopic]; !ok {
		return &ErrUnknownParent{Parent: *e.ParentTopic}
	}

	if e.TwinFragment == nil {
		e.TwinFragment = make(map[string]json.RawMessage)
	}
	r.entities[e.TopicID] = e
	r.externalID[e.ExternalID] = e.TopicID
	return nil
}

// Get returns the entity registered under id, if any.
func (r *Registry) Get(id TopicID) (*Entity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entities[id]
	return e, ok
}

// SetTwin sets a twin fragment on an existing entity. A nil or JSON
// null value deletes the fragment.
func (r *Registry) SetTwin(id TopicID, key string, value json.RawMessage) error {
	if reservedKeys[key] {
		return &ErrReservedKey{Key: key}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entities[id]
	if !ok {
		return &ErrUnknownParent{Parent: id}
	}
	if value == nil || string(value) == "null" {
		delete(e.TwinFragment, key)
		return nil
	}
	e.TwinFragment[key] = value
	return nil
}

// Deregister removes an entity. The main device cannot be deregistered.
func (r *Registry) Deregister(id TopicID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entities[id]
	if !ok {
		return nil
	}
	if e.Kind == KindMainDevice {
		return &ErrInvalidEntity{Kind: e.Kind, Reason: "main device cannot be deregistered"}
	}
	delete(r.entities, id)
	delete(r.externalID, e.ExternalID)
	return nil
}

// All returns a snapshot of every registered entity.
func (r *Registry) All() []*Entity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Entity, 0, len(r.entities))
	for _, e := range r.entities {
		out = append(out, e)
	}
	return out
}
