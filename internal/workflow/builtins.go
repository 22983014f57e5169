package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/thin-edge-sandbox/tedge-gateway/internal/transfer"
)

func downloadRequestFor(payload SoftwareUpdatePayload) transfer.DownloadRequest {
	return transfer.DownloadRequest{
		URL:        payload.URL,
		TargetPath: payload.InstallPath,
	}
}

// BuiltinMultiStateWorkflow synthesizes a Definition for a builtin
// operation that walks more than one internal status before reaching
// a terminal state (restart, software-update). statuses must be in
// execution order: each state's transition map admits exactly the
// status after it, the last one admitting successful, so the handler
// cannot skip ahead or wander off the declared graph. Each state
// shares the same Action, since CommandDispatcher keys handlers by
// operation name rather than by state name; the handler itself
// switches on GenericCommandState.Status to decide what to do next.
func BuiltinMultiStateWorkflow(operation string, statuses []string, fingerprinted bool, timeout time.Duration) *Definition {
	states := make(map[string]State, len(statuses))
	for i, status := range statuses {
		following := StatusSuccessful
		if i+1 < len(statuses) {
			following = statuses[i+1]
		}
		states[status] = State{
			Action:     Action{Builtin: operation},
			TimeoutSec: timeoutSec(timeout),
			Next:       map[string]string{following: following},
		}
	}
	return &Definition{
		Operation:     operation,
		Fingerprinted: fingerprinted,
		States:        states,
	}
}

// Restart statuses: init arms the action, executing runs it.
const (
	RestartStateExecuting = "executing"
)

// RestartHandler drives the two-state restart workflow: init requests
// the reboot script, executing observes its outcome. Real restart
// scripts do not return from the process they restart, so in
// practice a device never reaches "executing" for its own restart;
// this handler still reports the intermediate status so a remote
// reconnecting after the reboot sees a coherent last-known state.
func RestartHandler(runner *ScriptRunner, argv []string, timeout time.Duration) BuiltinHandler {
	return func(ctx context.Context, current GenericCommandState) (GenericCommandState, error) {
		switch current.Status {
		case StatusInit:
			return GenericCommandState{Status: RestartStateExecuting, Payload: current.Payload}, nil
		case RestartStateExecuting:
			if runner == nil {
				return GenericCommandState{Status: StatusFailed, Reason: "restart: no script runner configured"}, nil
			}
			_, err := runner.Run(ctx, ScriptSpec{Argv: argv, Timeout: timeout}, current)
			if err != nil {
				return GenericCommandState{Status: StatusFailed, Reason: err.Error()}, nil
			}
			return GenericCommandState{Status: StatusSuccessful}, nil
		default:
			return current, fmt.Errorf("%w: restart: unexpected status %q", ErrHandlerCrash, current.Status)
		}
	}
}

// Software-update statuses: init schedules, downloading fetches the
// module artifact named in the payload, executing runs the install
// script against the downloaded file.
const (
	SoftwareUpdateStateDownloading = "downloading"
	SoftwareUpdateStateExecuting   = "executing"
)

// SoftwareUpdatePayload is the operation-specific payload carried on
// the command topic for a software-update instance.
type SoftwareUpdatePayload struct {
	Module      string `json:"module"`
	Version     string `json:"version"`
	URL         string `json:"url"`
	InstallPath string `json:"install_path"`
}

// SoftwareUpdateHandler drives a three-state software-update
// workflow, downloading the named module via cc.Downloader (the
// resumable downloader, called directly rather than through its actor
// wrapper) and then installing it via runner using the shell-plugin
// argv convention.
func SoftwareUpdateHandler(cc *Context, runner *ScriptRunner, installArgv func(path string) []string, timeout time.Duration) BuiltinHandler {
	return func(ctx context.Context, current GenericCommandState) (GenericCommandState, error) {
		var payload SoftwareUpdatePayload
		if len(current.Payload) > 0 {
			if err := json.Unmarshal(current.Payload, &payload); err != nil {
				return GenericCommandState{Status: StatusFailed, Reason: "invalid software-update payload: " + err.Error()}, nil
			}
		}

		switch current.Status {
		case StatusInit:
			return GenericCommandState{Status: SoftwareUpdateStateDownloading, Payload: current.Payload}, nil

		case SoftwareUpdateStateDownloading:
			if cc == nil || cc.Downloader == nil {
				return GenericCommandState{Status: StatusFailed, Reason: "software-update: no downloader configured"}, nil
			}
			if payload.URL == "" || payload.InstallPath == "" {
				return GenericCommandState{Status: StatusFailed, Reason: "software-update: payload missing url/install_path"}, nil
			}
			if _, err := cc.Downloader.Download(ctx, downloadRequestFor(payload)); err != nil {
				return GenericCommandState{Status: StatusFailed, Reason: "download failed: " + err.Error()}, nil
			}
			return GenericCommandState{Status: SoftwareUpdateStateExecuting, Payload: current.Payload}, nil

		case SoftwareUpdateStateExecuting:
			if runner == nil {
				return GenericCommandState{Status: StatusFailed, Reason: "software-update: no script runner configured"}, nil
			}
			_, err := runner.Run(ctx, ScriptSpec{Argv: installArgv(payload.InstallPath), Timeout: timeout}, current)
			if err != nil {
				return GenericCommandState{Status: StatusFailed, Reason: err.Error()}, nil
			}
			return GenericCommandState{Status: StatusSuccessful}, nil

		default:
			return current, fmt.Errorf("%w: software-update: unexpected status %q", ErrHandlerCrash, current.Status)
		}
	}
}
