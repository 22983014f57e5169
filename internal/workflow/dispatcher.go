package workflow

import "context"

// BuiltinHandler runs one step of a builtin operation and returns the
// resulting state. Handlers receive the instance's current state and
// are expected to be idempotent with respect to Attempts, since a
// restart can redeliver the same state.
type BuiltinHandler func(ctx context.Context, current GenericCommandState) (GenericCommandState, error)

// CommandDispatcher is the registry of in-process operation handlers:
// each handler owns one operation name and the engine looks it up by
// name rather than switching on operation in the engine itself.
type CommandDispatcher struct {
	handlers map[string]BuiltinHandler
}

// NewCommandDispatcher creates an empty registry.
func NewCommandDispatcher() *CommandDispatcher {
	return &CommandDispatcher{handlers: make(map[string]BuiltinHandler)}
}

// Register adds a handler for operation. A later call for the same
// name replaces the earlier handler.
func (d *CommandDispatcher) Register(operation string, handler BuiltinHandler) {
	d.handlers[operation] = handler
}

// Lookup returns the handler registered for operation, if any.
func (d *CommandDispatcher) Lookup(operation string) (BuiltinHandler, bool) {
	h, ok := d.handlers[operation]
	return h, ok
}

// Capabilities lists every operation name with a registered handler,
// in no particular order.
func (d *CommandDispatcher) Capabilities() []string {
	out := make([]string, 0, len(d.handlers))
	for name := range d.handlers {
		out = append(out, name)
	}
	return out
}
