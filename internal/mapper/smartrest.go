// Package mapper translates schema messages carried on the local
// `te/...` bus into Cumulocity SmartREST text lines and c8y JSON
// measurement payloads.
package mapper

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/thin-edge-sandbox/tedge-gateway/internal/jsonwriter"
)

// alarmSeverityCodes maps alarm severities to Cumulocity SmartREST
// alarm template codes.
var alarmSeverityCodes = map[string]int{
	"critical": 301,
	"major":    302,
	"minor":    303,
	"warning":  304,
}

// createEventCode is the SmartREST "create event" template id.
const createEventCode = 400

// AlarmPayload is the JSON body published on an `a/<type>` channel. An
// empty bus payload clears the alarm instead of unmarshalling into
// this type.
type AlarmPayload struct {
	Severity string `json:"severity"`
	Text     string `json:"text,omitempty"`
	Time     string `json:"time,omitempty"`
}

// EventPayload is the JSON body published on an `e/<type>` channel.
type EventPayload struct {
	Text string `json:"text,omitempty"`
	Time string `json:"time,omitempty"`
}

// ErrUnsupportedSeverity reports an alarm payload naming a severity
// this mapper does not recognize.
type ErrUnsupportedSeverity struct {
	Severity string
}

func (e *ErrUnsupportedSeverity) Error() string {
	return fmt.Sprintf("mapper: unsupported alarm severity %q", e.Severity)
}

func quote(s string) string { return "\"" + s + "\"" }

// TranslateAlarmClear renders the SmartREST "306,<type>" line for an
// alarm whose retained topic was published with an empty payload.
func TranslateAlarmClear(alarmType string) string {
	return fmt.Sprintf("306,%s", alarmType)
}

// TranslateAlarm renders a raise/update SmartREST alarm line from the
// JSON payload published on an `a/<type>` channel. A nil or empty
// payload renders the clear line instead, since clearing a retained
// alarm topic publishes an empty payload.
func TranslateAlarm(alarmType string, payload []byte, now time.Time) (string, error) {
	if len(payload) == 0 {
		return TranslateAlarmClear(alarmType), nil
	}
	var p AlarmPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return "", fmt.Errorf("mapper: invalid alarm payload: %w", err)
	}
	code, ok := alarmSeverityCodes[p.Severity]
	if !ok {
		return "", &ErrUnsupportedSeverity{Severity: p.Severity}
	}
	ts := p.Time
	if ts == "" {
		ts = now.UTC().Format(time.RFC3339)
	}
	return fmt.Sprintf("%d,%s,%s,%s", code, alarmType, quote(p.Text), ts), nil
}

// TranslateEvent renders a SmartREST "400,..." create-event line from
// the JSON payload published on an `e/<type>` channel. A missing
// message falls back to the event type itself.
func TranslateEvent(eventType string, payload []byte, now time.Time) (string, error) {
	var p EventPayload
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &p); err != nil {
			return "", fmt.Errorf("mapper: invalid event payload: %w", err)
		}
	}
	text := p.Text
	if text == "" {
		text = eventType
	}
	ts := p.Time
	if ts == "" {
		ts = now.UTC().Format(time.RFC3339)
	}
	return fmt.Sprintf("%d,%s,%s,%s", createEventCode, eventType, quote(text), ts), nil
}

// TranslateChildRegistration renders the SmartREST "101,..." line that
// creates a Cumulocity child device before any of its data is
// forwarded for the first time.
func TranslateChildRegistration(externalID, name, deviceType string) string {
	return fmt.Sprintf("101,%s,%s,%s", externalID, name, deviceType)
}

// TranslateMeasurement renders a c8y JSON measurement from the
// fragment/series envelope published on an `m/<type>` channel. The
// top-level "time" field, if present, is pulled out to the envelope's
// own time; everything else is treated as a fragment of
// series->numeric-value pairs. The output is streamed with jsonwriter
// rather than marshalled from an output map.
func TranslateMeasurement(measurementType string, payload []byte, now time.Time) ([]byte, error) {
	var env map[string]json.RawMessage
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("mapper: invalid measurement payload: %w", err)
	}

	ts := now.UTC().Format(time.RFC3339)
	if raw, ok := env["time"]; ok {
		var t string
		if err := json.Unmarshal(raw, &t); err == nil && t != "" {
			ts = t
		}
		delete(env, "time")
	}

	fragments := make([]string, 0, len(env))
	for name := range env {
		fragments = append(fragments, name)
	}
	sort.Strings(fragments)

	w := jsonwriter.New()
	w.WriteOpenObj()
	if err := w.WriteKey("type"); err != nil {
		return nil, err
	}
	if err := w.WriteStr(measurementType); err != nil {
		return nil, err
	}
	w.WriteSeparator()
	if err := w.WriteKey("time"); err != nil {
		return nil, err
	}
	if err := w.WriteStr(ts); err != nil {
		return nil, err
	}

	for _, name := range fragments {
		var series map[string]float64
		if err := json.Unmarshal(env[name], &series); err != nil {
			return nil, fmt.Errorf("mapper: fragment %q: %w", name, err)
		}
		seriesNames := make([]string, 0, len(series))
		for s := range series {
			seriesNames = append(seriesNames, s)
		}
		sort.Strings(seriesNames)

		w.WriteSeparator()
		if err := w.WriteKey(name); err != nil {
			return nil, err
		}
		w.WriteOpenObj()
		for i, s := range seriesNames {
			if i > 0 {
				w.WriteSeparator()
			}
			if err := w.WriteKey(s); err != nil {
				return nil, err
			}
			w.WriteOpenObj()
			if err := w.WriteKey("value"); err != nil {
				return nil, err
			}
			if err := w.WriteFloat64(series[s]); err != nil {
				return nil, fmt.Errorf("mapper: fragment %q series %q: %w", name, s, err)
			}
			w.WriteCloseObj()
		}
		w.WriteCloseObj()
	}
	w.WriteCloseObj()
	return w.Bytes(), nil
}
