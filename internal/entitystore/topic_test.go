package entitystore

import "testing"

func TestSchemaParseFormatRoundTrip(t *testing.T) {
	s := NewSchema("te")
	topic := "te/device/main/service/sensor0/m/temperature"

	id, ch, err := s.Parse(topic)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if id.DeviceID != "main" || id.ServiceID != "sensor0" {
		t.Fatalf("id = %+v, want {main sensor0}", id)
	}
	if ch.Kind != ChannelMeasurement || ch.Type != "temperature" {
		t.Fatalf("channel = %+v, want measurement/temperature", ch)
	}

	got := s.Format(id, ch)
	if got != topic {
		t.Fatalf("Format round-trip = %q, want %q", got, topic)
	}
}

func TestSchemaParseDeviceLevelTopic(t *testing.T) {
	s := NewSchema("te")
	topic := "te/device/main///m/temperature"

	id, ch, err := s.Parse(topic)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if id.DeviceID != "main" || id.ServiceID != "" {
		t.Fatalf("id = %+v, want {main \"\"}", id)
	}
	if id.String() != "device/main//" {
		t.Fatalf("id.String() = %q, want device/main//", id.String())
	}
	if ch.Kind != ChannelMeasurement || ch.Type != "temperature" {
		t.Fatalf("channel = %+v, want m/temperature", ch)
	}
	if got := s.Format(id, ch); got != topic {
		t.Fatalf("Format round-trip = %q, want %q", got, topic)
	}
}

func TestSchemaParseAcceptsServiceSegmentWithEmptyID(t *testing.T) {
	s := NewSchema("te")

	// Lenient on input: an explicit "service" segment with an empty id
	// parses to the same id as the canonical device-level form, which
	// is what Format then renders.
	id, ch, err := s.Parse("te/device/main/service//m/temperature")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if id != (TopicID{DeviceID: "main"}) {
		t.Fatalf("id = %+v, want {main \"\"}", id)
	}
	if got := s.Format(id, ch); got != "te/device/main///m/temperature" {
		t.Fatalf("Format = %q, want the canonical device-level form", got)
	}
}

func TestSchemaRejectsMalformedEntitySegments(t *testing.T) {
	s := NewSchema("te")
	if _, _, err := s.Parse("te/device/main/services/foo/m/temperature"); err == nil {
		t.Fatal("Parse should reject a misspelled service segment")
	}
	if _, _, err := s.Parse("te/gadget/main/service/foo/m/temperature"); err == nil {
		t.Fatal("Parse should reject a topic without the device segment")
	}
}

func TestSchemaParseRejectsWrongRoot(t *testing.T) {
	s := NewSchema("te")
	if _, _, err := s.Parse("other/device/main/service//m/temperature"); err == nil {
		t.Fatal("Parse should reject a topic with a different root")
	}
}

func TestParseCmdChannelWithAndWithoutID(t *testing.T) {
	s := NewSchema("te")

	_, ch, err := s.Parse("te/device/main/service//cmd/restart")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if ch.Kind != ChannelCmd || ch.Type != "restart" || ch.CmdID != "" {
		t.Fatalf("channel = %+v, want cmd/restart metadata level", ch)
	}

	_, ch2, err := s.Parse("te/device/main/service//cmd/restart/abc123")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if ch2.Kind != ChannelCmd || ch2.Type != "restart" || ch2.CmdID != "abc123" {
		t.Fatalf("channel = %+v, want cmd/restart/abc123", ch2)
	}
}

func TestParseHealthChannel(t *testing.T) {
	s := NewSchema("te")
	_, ch, err := s.Parse("te/device/main/service/foo/status/health")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if ch.Kind != ChannelHealth {
		t.Fatalf("channel kind = %v, want ChannelHealth", ch.Kind)
	}
	if !ch.Kind.Retained() {
		t.Fatal("health channel should be retained")
	}
}

func TestChannelKindRetained(t *testing.T) {
	if (Channel{Kind: ChannelMeasurement}).Kind.Retained() {
		t.Fatal("measurement channel should not be retained")
	}
	if !(Channel{Kind: ChannelAlarm}).Kind.Retained() {
		t.Fatal("alarm channel should be retained")
	}
}
