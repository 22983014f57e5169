// Package entitystore implements the canonical MQTT topic schema and
// the registry of devices/services it addresses.
package entitystore

import (
	"fmt"
	"strings"
)

// DefaultRoot is the default root topic prefix.
const DefaultRoot = "te"

// MainDeviceID is the device segment naming the gateway device itself
// on the bus: the main device's entity topic id is "device/main//".
const MainDeviceID = "main"

// MainTopicID returns the main device's entity topic id.
func MainTopicID() TopicID { return TopicID{DeviceID: MainDeviceID} }

// TopicID is the entity-topic-id routing key: device/<device-id>/service/<service-id>.
// Either segment may be empty.
type TopicID struct {
	DeviceID  string
	ServiceID string
}

// String renders the canonical display form of the topic id. The
// literal "service" segment appears only when a service id is present;
// a device-level id keeps both trailing slots empty (device/main//),
// matching the wire form.
func (t TopicID) String() string {
	if t.ServiceID == "" {
		return fmt.Sprintf("device/%s//", t.DeviceID)
	}
	return fmt.Sprintf("device/%s/service/%s", t.DeviceID, t.ServiceID)
}

// IsMainDevice reports whether t addresses the main device itself.
func (t TopicID) IsMainDevice() bool {
	return t.DeviceID == MainDeviceID && t.ServiceID == ""
}

// Channel is the suffix following the entity id on the bus.
type Channel struct {
	Kind ChannelKind
	// Type is the measurement/event/alarm type, the twin fragment
	// key, the operation kind, or empty for health/unrecognized
	// channels.
	Type string
	// CmdID is set only for ChannelCmd instances (empty denotes the
	// metadata/capability-advertisement level).
	CmdID string
}

// ChannelKind enumerates the channel variants carried on the bus.
type ChannelKind int

const (
	ChannelUnknown ChannelKind = iota
	ChannelMeasurement
	ChannelEvent
	ChannelAlarm
	ChannelTwin
	ChannelHealth
	ChannelCmd
)

// Retained reports whether messages on this channel kind are
// published retained.
func (k ChannelKind) Retained() bool {
	switch k {
	case ChannelAlarm, ChannelTwin, ChannelHealth, ChannelCmd:
		return true
	default:
		return false
	}
}

// String renders the channel back to its wire suffix form.
func (c Channel) String() string {
	switch c.Kind {
	case ChannelMeasurement:
		return "m/" + c.Type
	case ChannelEvent:
		return "e/" + c.Type
	case ChannelAlarm:
		return "a/" + c.Type
	case ChannelTwin:
		return "twin/" + c.Type
	case ChannelHealth:
		return "status/health"
	case ChannelCmd:
		if c.CmdID == "" {
			return "cmd/" + c.Type
		}
		return "cmd/" + c.Type + "/" + c.CmdID
	default:
		return c.Type
	}
}

// ParseChannel parses a channel suffix (the topic segments following
// service/<sid>/).
func ParseChannel(segments []string) (Channel, error) {
	if len(segments) == 0 {
		return Channel{}, fmt.Errorf("entitystore: empty channel")
	}
	switch segments[0] {
	case "m":
		return Channel{Kind: ChannelMeasurement, Type: strings.Join(segments[1:], "/")}, nil
	case "e":
		return Channel{Kind: ChannelEvent, Type: strings.Join(segments[1:], "/")}, nil
	case "a":
		return Channel{Kind: ChannelAlarm, Type: strings.Join(segments[1:], "/")}, nil
	case "twin":
		return Channel{Kind: ChannelTwin, Type: strings.Join(segments[1:], "/")}, nil
	case "status":
		if len(segments) == 2 && segments[1] == "health" {
			return Channel{Kind: ChannelHealth}, nil
		}
		return Channel{}, fmt.Errorf("entitystore: invalid status channel %q", strings.Join(segments, "/"))
	case "cmd":
		switch len(segments) {
		case 2:
			return Channel{Kind: ChannelCmd, Type: segments[1]}, nil
		case 3:
			return Channel{Kind: ChannelCmd, Type: segments[1], CmdID: segments[2]}, nil
		default:
			return Channel{}, fmt.Errorf("entitystore: invalid cmd channel %q", strings.Join(segments, "/"))
		}
	default:
		return Channel{}, fmt.Errorf("entitystore: unrecognized channel %q", strings.Join(segments, "/"))
	}
}

// Schema parses and formats the bijection between (TopicID, Channel)
// pairs and wire topics rooted at Root.
type Schema struct {
	Root string
}

// NewSchema creates a Schema for the given root prefix. An empty root
// defaults to DefaultRoot.
func NewSchema(root string) Schema {
	if root == "" {
		root = DefaultRoot
	}
	return Schema{Root: root}
}

// Parse splits a full wire topic into its entity topic id and channel.
func (s Schema) Parse(topic string) (TopicID, Channel, error) {
	parts := strings.Split(topic, "/")
	if len(parts) < 6 {
		return TopicID{}, Channel{}, fmt.Errorf("entitystore: invalid topic %q", topic)
	}
	if parts[0] != s.Root {
		return TopicID{}, Channel{}, fmt.Errorf("entitystore: topic %q has root %q, want %q", topic, parts[0], s.Root)
	}
	if parts[1] != "device" {
		return TopicID{}, Channel{}, fmt.Errorf("entitystore: invalid topic %q", topic)
	}

	var id TopicID
	switch {
	case parts[3] == "service":
		id = TopicID{DeviceID: parts[2], ServiceID: parts[4]}
	case parts[3] == "" && parts[4] == "":
		id = TopicID{DeviceID: parts[2]}
	default:
		return TopicID{}, Channel{}, fmt.Errorf("entitystore: invalid topic %q", topic)
	}
	channel, err := ParseChannel(parts[5:])
	if err != nil {
		return TopicID{}, Channel{}, err
	}
	return id, channel, nil
}

// Format joins an entity topic id and channel back into a wire topic.
func (s Schema) Format(id TopicID, channel Channel) string {
	return fmt.Sprintf("%s/%s/%s", s.Root, id.String(), channel.String())
}
