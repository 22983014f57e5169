// Package workflow implements the command/operation workflow engine:
// a generic state machine, driven by data rather than per-operation
// Go code, that walks a command instance through a sequence of named
// states until it reaches a terminal one. A small set of builtin
// operations runs in-process; every other operation kind is a
// data-driven definition executed by the same engine.
package workflow

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Action names the handler a State dispatches to. Exactly one of
// Builtin or Script is set.
type Action struct {
	// Builtin names an operation handler registered with a
	// CommandDispatcher (e.g. "restart", "software-update").
	Builtin string `yaml:"builtin,omitempty"`
	// Script is run as a subprocess via the configured launcher.
	Script *ScriptSpec `yaml:"script,omitempty"`
}

// ScriptSpec is the argv and timeout for a ScriptAction step.
type ScriptSpec struct {
	Argv       []string      `yaml:"argv"`
	TimeoutSec int           `yaml:"timeout_sec,omitempty"`
	Timeout    time.Duration `yaml:"-"`
}

// State is one node of a workflow graph: an action to run, and the
// name of the next state to transition to keyed by the action's
// outcome status.
type State struct {
	Action Action `yaml:"action"`
	// Next maps an outcome status (e.g. "successful" or an
	// intermediate status the action reports) to the name of the
	// following state. When Next is non-empty the engine rejects any
	// outcome not listed here, failing the instance with an
	// invalid-transition reason; "failed" is always accepted. A state
	// with no Next entries accepts any outcome unchecked, for
	// handler-driven workflows whose progression lives in Go code.
	Next map[string]string `yaml:"next,omitempty"`
	// TimeoutSec, if declared, arms a deadline for this state; on
	// expiry the instance transitions to "failed" with a timeout
	// reason. A declared zero fails the state immediately on entry,
	// degenerate but well-defined; an absent field arms nothing.
	TimeoutSec *int `yaml:"timeout_sec,omitempty"`
}

// Terminal reports whether status names one of the two fixed
// terminal states every workflow shares.
func Terminal(status string) bool {
	return status == StatusSuccessful || status == StatusFailed
}

const (
	StatusInit       = "init"
	StatusScheduled  = "scheduled"
	StatusExecuting  = "executing"
	StatusSuccessful = "successful"
	StatusFailed     = "failed"
)

// Definition is the full graph for one operation kind.
type Definition struct {
	Operation string `yaml:"operation"`
	// Fingerprinted marks this operation kind as at-most-one-concurrent:
	// a second instance is refused while an earlier one is in flight.
	// The hold is per operation kind; the entities the instances target
	// are not compared.
	Fingerprinted bool             `yaml:"fingerprinted,omitempty"`
	States        map[string]State `yaml:"states"`
}

// stateTimeout returns the declared timeout for a state. declared is
// false when the state exists but no timeout_sec field was given.
func (d Definition) stateTimeout(status string) (timeout time.Duration, declared bool) {
	st, ok := d.States[status]
	if !ok || st.TimeoutSec == nil {
		return 0, false
	}
	return time.Duration(*st.TimeoutSec) * time.Second, true
}

// timeoutSec renders a duration as a declared per-state timeout,
// leaving non-positive durations undeclared.
func timeoutSec(d time.Duration) *int {
	if d <= 0 {
		return nil
	}
	s := int(d / time.Second)
	return &s
}

// LoadDefinitions reads every *.yaml/*.yml file in dir as a workflow
// Definition, keyed by its Operation field. Operation workflows live
// as data files beside the rest of the configuration rather than as
// one compiled Go type per operation.
func LoadDefinitions(dir string) (map[string]*Definition, error) {
	defs := make(map[string]*Definition)

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return defs, nil
		}
		return nil, fmt.Errorf("workflow: read %s: %w", dir, err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !(strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml")) {
			continue
		}
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("workflow: read %s: %w", path, err)
		}
		def, err := parseDefinition(data)
		if err != nil {
			return nil, fmt.Errorf("workflow: %s: %w", path, err)
		}
		defs[def.Operation] = def
	}
	return defs, nil
}

// parseDefinition decodes one YAML workflow definition, converting
// per-script timeouts to durations.
func parseDefinition(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, err
	}
	if def.Operation == "" {
		return nil, fmt.Errorf("missing operation field")
	}
	for status, st := range def.States {
		if st.Action.Script != nil && st.Action.Script.TimeoutSec > 0 {
			st.Action.Script.Timeout = time.Duration(st.Action.Script.TimeoutSec) * time.Second
			def.States[status] = st
		}
	}
	return &def, nil
}

// BuiltinWorkflow synthesizes the trivial two-state graph used for
// operations handled entirely by an in-process builtin: init runs the
// handler once and moves straight to successful (or failed, which
// every state accepts), with no data-driven states to configure.
func BuiltinWorkflow(operation string, fingerprinted bool, timeout time.Duration) *Definition {
	return &Definition{
		Operation:     operation,
		Fingerprinted: fingerprinted,
		States: map[string]State{
			StatusInit: {
				Action:     Action{Builtin: operation},
				TimeoutSec: timeoutSec(timeout),
				Next:       map[string]string{StatusSuccessful: StatusSuccessful},
			},
		},
	}
}
