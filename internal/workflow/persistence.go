package workflow

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// logRecord is one write-ahead line: the state one command instance
// has just moved to, recorded after the handler that produced it
// returns and before the engine publishes it, so a crash between the
// two still lets replay recover that status.
type logRecord struct {
	CmdID       string          `json:"cmd_id"`
	EntityTopic string          `json:"entity_topic"`
	Status      string          `json:"status"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Reason      string          `json:"reason,omitempty"`
	Attempts    int             `json:"attempts"`
}

// OperationLog is the append-only JSON-lines log for one operation
// kind, one file per kind.
type OperationLog struct {
	path string
	f    *os.File
}

// OpenOperationLog opens (creating if absent) the log file for
// operation under dir.
func OpenOperationLog(dir, operation string) (*OperationLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("workflow: mkdir %s: %w", dir, err)
	}
	path := filepath.Join(dir, operation+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("workflow: open %s: %w", path, err)
	}
	return &OperationLog{path: path, f: f}, nil
}

// WriteAhead appends the state a command instance has just moved to.
// The engine calls it after the handler returns and before publishing
// that state, so a crash between the two still lets replay recover it.
func (l *OperationLog) WriteAhead(inst *Instance) error {
	rec := logRecord{
		CmdID:       inst.Key.CmdID,
		EntityTopic: inst.EntityTopic,
		Status:      inst.State.Status,
		Payload:     inst.State.Payload,
		Reason:      inst.State.Reason,
		Attempts:    inst.Attempts,
	}
	enc, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if _, err := l.f.Write(append(enc, '\n')); err != nil {
		return fmt.Errorf("workflow: append %s: %w", l.path, err)
	}
	return nil
}

// Forget removes every record for cmdID by rewriting the log without
// them, called once an instance reaches a terminal state and its
// cleanup has published the retained-message clear.
func (l *OperationLog) Forget(cmdID string) error {
	records, err := l.replayAll()
	if err != nil {
		return err
	}
	delete(records, cmdID)
	return l.rewrite(records)
}

// ReplayLatest reads every record in the log and returns the
// latest-written state per cmd-id, for reconciliation against
// retained MQTT state at startup.
func (l *OperationLog) ReplayLatest() (map[string]logRecord, error) {
	return l.replayAll()
}

func (l *OperationLog) replayAll() (map[string]logRecord, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]logRecord{}, nil
		}
		return nil, err
	}
	defer f.Close()

	out := make(map[string]logRecord)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec logRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("workflow: invalid record in %s: %w", l.path, err)
		}
		out[rec.CmdID] = rec
	}
	return out, scanner.Err()
}

func (l *OperationLog) rewrite(records map[string]logRecord) error {
	tmpPath := l.path + ".compact"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	for _, rec := range records {
		enc, err := json.Marshal(rec)
		if err != nil {
			tmp.Close()
			return err
		}
		if _, err := tmp.Write(append(enc, '\n')); err != nil {
			tmp.Close()
			return err
		}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := l.f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, l.path); err != nil {
		return fmt.Errorf("workflow: rename compacted log: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	l.f = f
	return nil
}

// Close closes the underlying log file.
func (l *OperationLog) Close() error { return l.f.Close() }
