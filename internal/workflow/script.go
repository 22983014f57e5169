package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// Launcher builds the command line that actually runs a script
// action's argv, wrapping it in a sudo-style invocation so the
// subprocess drops privileges to a configured user/group.
type Launcher struct {
	User  string
	Group string
}

// NewLauncher builds a Launcher for user/group. An empty user means
// scripts run as the calling process's own user.
func NewLauncher(user, group string) Launcher {
	return Launcher{User: user, Group: group}
}

func (l Launcher) command(ctx context.Context, argv []string) *exec.Cmd {
	if l.User == "" {
		return exec.CommandContext(ctx, argv[0], argv[1:]...)
	}
	sudoArgv := []string{"-u", l.User}
	if l.Group != "" {
		sudoArgv = append(sudoArgv, "-g", l.Group)
	}
	sudoArgv = append(sudoArgv, argv...)
	return exec.CommandContext(ctx, "sudo", sudoArgv...)
}

// ScriptRunner executes ScriptAction steps as subprocesses, piping the
// current state as JSON on stdin and parsing stdout as either a
// GenericCommandState or a plain status line. A bare numeric exit code
// on stdout is not mapped to a status; it fails with ErrHandlerCrash.
type ScriptRunner struct {
	Launcher Launcher
}

// NewScriptRunner creates a ScriptRunner using launcher to build each
// subprocess command line.
func NewScriptRunner(launcher Launcher) *ScriptRunner {
	return &ScriptRunner{Launcher: launcher}
}

// Run executes spec's argv with current piped in as JSON on stdin,
// killing the whole process group if timeout elapses first.
// Successful stdout is parsed as a GenericCommandState; a non-JSON
// line is treated as a plain status name, matching the shell-plugin
// stdout convention.
func (r *ScriptRunner) Run(ctx context.Context, spec ScriptSpec, current GenericCommandState) (GenericCommandState, error) {
	if len(spec.Argv) == 0 {
		return GenericCommandState{}, fmt.Errorf("workflow: empty script argv")
	}

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = time.Hour
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := r.Launcher.command(runCtx, spec.Argv)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := json.Marshal(current)
	if err != nil {
		return GenericCommandState{}, fmt.Errorf("workflow: marshal state for script: %w", err)
	}
	cmd.Stdin = bytes.NewReader(stdin)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	killed := make(chan struct{})
	go func() {
		<-runCtx.Done()
		if cmd.Process != nil {
			syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
		close(killed)
	}()

	runErr := cmd.Run()

	select {
	case <-killed:
		if runCtx.Err() == context.DeadlineExceeded {
			return GenericCommandState{}, fmt.Errorf("%w: %s", ErrScriptTimeout, strings.Join(spec.Argv, " "))
		}
	default:
	}

	if runErr != nil {
		return GenericCommandState{}, fmt.Errorf("%w: %s: %v: %s", ErrHandlerCrash, strings.Join(spec.Argv, " "), runErr, stderr.String())
	}

	return parseScriptOutput(stdout.Bytes())
}

func parseScriptOutput(out []byte) (GenericCommandState, error) {
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) == 0 {
		return GenericCommandState{Status: StatusSuccessful}, nil
	}

	var state GenericCommandState
	if err := json.Unmarshal(trimmed, &state); err == nil && state.Status != "" {
		return state, nil
	}

	// Plain status line convention: the whole first line names the
	// resulting status.
	line := strings.TrimSpace(strings.SplitN(string(trimmed), "\n", 2)[0])
	if _, err := strconv.Atoi(line); err == nil {
		return GenericCommandState{}, fmt.Errorf("%w: script printed a bare exit code %q with no status line", ErrHandlerCrash, line)
	}
	return GenericCommandState{Status: line}, nil
}
