package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func testRunner() *ScriptRunner {
	return NewScriptRunner(NewLauncher("", ""))
}

func TestScriptRunnerParsesStateJSONFromStdout(t *testing.T) {
	state, err := testRunner().Run(context.Background(), ScriptSpec{
		Argv: []string{"sh", "-c", `echo '{"status":"executing","reason":"step one"}'`},
	}, GenericCommandState{Status: StatusInit})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if state.Status != StatusExecuting || state.Reason != "step one" {
		t.Fatalf("state = %+v", state)
	}
}

func TestScriptRunnerTreatsPlainLineAsStatusName(t *testing.T) {
	state, err := testRunner().Run(context.Background(), ScriptSpec{
		Argv: []string{"sh", "-c", "echo successful"},
	}, GenericCommandState{Status: StatusExecuting})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if state.Status != StatusSuccessful {
		t.Fatalf("Status = %q, want successful", state.Status)
	}
}

func TestScriptRunnerEmptyOutputMeansSuccess(t *testing.T) {
	state, err := testRunner().Run(context.Background(), ScriptSpec{Argv: []string{"true"}}, GenericCommandState{Status: StatusExecuting})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if state.Status != StatusSuccessful {
		t.Fatalf("Status = %q, want successful", state.Status)
	}
}

func TestScriptRunnerPipesCurrentStateOnStdin(t *testing.T) {
	current := GenericCommandState{Status: StatusInit, Payload: json.RawMessage(`{"target":"/etc/mosquitto.conf"}`)}
	state, err := testRunner().Run(context.Background(), ScriptSpec{Argv: []string{"cat"}}, current)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if state.Status != StatusInit || string(state.Payload) != string(current.Payload) {
		t.Fatalf("state = %+v, want the stdin JSON echoed back", state)
	}
}

func TestScriptRunnerSurfacesStderrOnNonZeroExit(t *testing.T) {
	_, err := testRunner().Run(context.Background(), ScriptSpec{
		Argv: []string{"sh", "-c", "echo disk full >&2; exit 1"},
	}, GenericCommandState{Status: StatusExecuting})
	if !errors.Is(err, ErrHandlerCrash) {
		t.Fatalf("err = %v, want ErrHandlerCrash", err)
	}
	if !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("err = %v, want the script's stderr in the message", err)
	}
}

func TestScriptRunnerKillsProcessGroupOnTimeout(t *testing.T) {
	start := time.Now()
	_, err := testRunner().Run(context.Background(), ScriptSpec{
		Argv:    []string{"sh", "-c", "sleep 30"},
		Timeout: 100 * time.Millisecond,
	}, GenericCommandState{Status: StatusExecuting})
	if !errors.Is(err, ErrScriptTimeout) {
		t.Fatalf("err = %v, want ErrScriptTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("Run took %v; the process group was not killed promptly", elapsed)
	}
}

func TestScriptRunnerRejectsEmptyArgv(t *testing.T) {
	if _, err := testRunner().Run(context.Background(), ScriptSpec{}, GenericCommandState{}); err == nil {
		t.Fatal("expected an error for an empty argv")
	}
}

func TestLauncherWrapsArgvInSudoForConfiguredUser(t *testing.T) {
	cmd := NewLauncher("tedge", "tedge").command(context.Background(), []string{"/usr/bin/firmware-apply", "--commit"})
	want := []string{"sudo", "-u", "tedge", "-g", "tedge", "/usr/bin/firmware-apply", "--commit"}
	if len(cmd.Args) != len(want) {
		t.Fatalf("Args = %v, want %v", cmd.Args, want)
	}
	for i := range want {
		if cmd.Args[i] != want[i] {
			t.Fatalf("Args = %v, want %v", cmd.Args, want)
		}
	}
}

func TestLauncherRunsDirectlyWithoutUser(t *testing.T) {
	cmd := NewLauncher("", "").command(context.Background(), []string{"true"})
	if len(cmd.Args) != 1 || cmd.Args[0] != "true" {
		t.Fatalf("Args = %v, want [true]", cmd.Args)
	}
}

func TestParseScriptOutput(t *testing.T) {
	tests := []struct {
		name    string
		out     string
		want    string
		wantErr bool
	}{
		{name: "state json", out: `{"status":"scheduled"}`, want: StatusScheduled},
		{name: "empty", out: "", want: StatusSuccessful},
		{name: "whitespace only", out: "  \n", want: StatusSuccessful},
		{name: "plain status", out: "failed\n", want: StatusFailed},
		{name: "first line wins", out: "executing\nnoise after\n", want: StatusExecuting},
		{name: "bare exit code", out: "0\n", wantErr: true},
		{name: "json without status falls back to line", out: `{"reason":"x"}`, want: `{"reason":"x"}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			state, err := parseScriptOutput([]byte(tc.out))
			if tc.wantErr {
				if err == nil {
					t.Fatalf("parseScriptOutput(%q) succeeded with %+v", tc.out, state)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseScriptOutput(%q): %v", tc.out, err)
			}
			if state.Status != tc.want {
				t.Fatalf("Status = %q, want %q", state.Status, tc.want)
			}
		})
	}
}
