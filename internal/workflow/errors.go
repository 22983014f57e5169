package workflow

import "errors"

// The engine classifies every dispatch failure into one of these,
// rather than propagating raw handler errors to callers.
var (
	// ErrUnknownOperation means no Definition is registered for the
	// incoming command's operation name. The engine logs and drops
	// the message rather than failing it, since there is no workflow
	// to fail it within.
	ErrUnknownOperation = errors.New("workflow: unknown operation")

	// ErrParseFailure means the retained command payload could not be
	// decoded as a GenericCommandState.
	ErrParseFailure = errors.New("workflow: parse failure")

	// ErrHandlerCrash covers a builtin handler panic or a script that
	// exited non-zero without emitting a structured next state.
	ErrHandlerCrash = errors.New("workflow: handler crash")

	// ErrScriptTimeout means a script action's process group was
	// killed after exceeding its configured timeout.
	ErrScriptTimeout = errors.New("workflow: script timeout")

	// ErrStateTimeout means a state's declared deadline elapsed before
	// any transition left it.
	ErrStateTimeout = errors.New("workflow: state timeout")

	// ErrInvalidTransition means a handler or script reported an
	// outcome the current state's transition map does not allow.
	ErrInvalidTransition = errors.New("workflow: invalid transition")

	// ErrAlreadyInProgress is returned for a second instance of a
	// fingerprinted operation kind while an earlier one is in flight.
	ErrAlreadyInProgress = errors.New("workflow: already-in-progress")

	// ErrUnknownState means a Definition has no entry for the
	// instance's current state name.
	ErrUnknownState = errors.New("workflow: unknown state")
)
