package workflow

import (
	"embed"
	"fmt"
	"path"
)

// defaultsFS carries the operation workflows compiled into the
// gateway: config-snapshot, config-update, log-upload, and
// firmware-update. Each is a plain data-driven definition executed by
// the generic engine; a file with the same operation name under the
// configured workflow directory replaces the compiled-in one.
//
//go:embed defaults/*.yaml
var defaultsFS embed.FS

// DefaultDefinitions parses the compiled-in operation workflows.
func DefaultDefinitions() (map[string]*Definition, error) {
	entries, err := defaultsFS.ReadDir("defaults")
	if err != nil {
		return nil, fmt.Errorf("workflow: read embedded defaults: %w", err)
	}

	defs := make(map[string]*Definition, len(entries))
	for _, entry := range entries {
		name := path.Join("defaults", entry.Name())
		data, err := defaultsFS.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("workflow: read %s: %w", name, err)
		}
		def, err := parseDefinition(data)
		if err != nil {
			return nil, fmt.Errorf("workflow: %s: %w", name, err)
		}
		defs[def.Operation] = def
	}
	return defs, nil
}
