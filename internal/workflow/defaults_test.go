package workflow

import (
	"testing"
	"time"
)

func TestDefaultDefinitionsShipTheStandardOperations(t *testing.T) {
	defs, err := DefaultDefinitions()
	if err != nil {
		t.Fatalf("DefaultDefinitions: %v", err)
	}

	for _, op := range []string{"config-snapshot", "config-update", "log-upload", "firmware-update"} {
		if defs[op] == nil {
			t.Errorf("default definition for %q missing", op)
		}
	}

	fw := defs["firmware-update"]
	if fw == nil || !fw.Fingerprinted {
		t.Fatalf("firmware-update = %+v, want fingerprinted", fw)
	}
	if _, ok := fw.States[SoftwareUpdateStateDownloading]; !ok {
		t.Fatalf("firmware-update states = %v, want a downloading state", fw.States)
	}
}

// Every default definition must start at init, declare a transition
// map on every state, and only name transition targets that resolve
// to a defined state or a terminal status.
func TestDefaultDefinitionsFormClosedGraphs(t *testing.T) {
	defs, err := DefaultDefinitions()
	if err != nil {
		t.Fatalf("DefaultDefinitions: %v", err)
	}

	for op, def := range defs {
		if _, ok := def.States[StatusInit]; !ok {
			t.Errorf("%s: no init state", op)
		}
		for status, st := range def.States {
			if st.Action.Script == nil || len(st.Action.Script.Argv) == 0 {
				t.Errorf("%s/%s: no script argv", op, status)
			}
			if st.Action.Script != nil && st.Action.Script.TimeoutSec > 0 && st.Action.Script.Timeout != time.Duration(st.Action.Script.TimeoutSec)*time.Second {
				t.Errorf("%s/%s: script timeout not converted", op, status)
			}
			if len(st.Next) == 0 {
				t.Errorf("%s/%s: no transition map declared", op, status)
			}
			for outcome, target := range st.Next {
				if _, ok := def.States[target]; !ok && !Terminal(target) {
					t.Errorf("%s/%s: outcome %q targets unknown state %q", op, status, outcome, target)
				}
			}
		}
	}
}
