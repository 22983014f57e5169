package workflow

import "encoding/json"

// GenericCommandState is the wire and in-memory representation of one
// command instance: a status string plus a free-form JSON payload the
// handler reads and rewrites.
type GenericCommandState struct {
	Status  string          `json:"status"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Reason  string          `json:"reason,omitempty"`
}

// Key identifies one workflow instance.
type Key struct {
	Operation string
	CmdID     string
}

// Instance tracks one in-flight command alongside the bookkeeping the
// engine needs: retry/attempt counts and the entity it targets (used
// to address its command topic).
type Instance struct {
	Key        Key
	EntityTopic string
	State      GenericCommandState
	// Dispatched is the status the engine most recently ran an action
	// for. A retained message equal to the current state is the entry
	// trigger for that state the first time it arrives and a no-op
	// re-publication every time after.
	Dispatched string
	Attempts   int
}

func (i *Instance) terminal() bool { return Terminal(i.State.Status) }
