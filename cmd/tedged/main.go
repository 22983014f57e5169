// Package main is the entry point for the tedged gateway daemon.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/thin-edge-sandbox/tedge-gateway/internal/actor"
	"github.com/thin-edge-sandbox/tedge-gateway/internal/buildinfo"
	"github.com/thin-edge-sandbox/tedge-gateway/internal/entitystore"
	"github.com/thin-edge-sandbox/tedge-gateway/internal/filelock"
	"github.com/thin-edge-sandbox/tedge-gateway/internal/fswatch"
	"github.com/thin-edge-sandbox/tedge-gateway/internal/gwconfig"
	"github.com/thin-edge-sandbox/tedge-gateway/internal/health"
	"github.com/thin-edge-sandbox/tedge-gateway/internal/mapper"
	"github.com/thin-edge-sandbox/tedge-gateway/internal/mqttbus"
	"github.com/thin-edge-sandbox/tedge-gateway/internal/obs"
	"github.com/thin-edge-sandbox/tedge-gateway/internal/timeractor"
	"github.com/thin-edge-sandbox/tedge-gateway/internal/workflow"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	if flag.NArg() > 0 {
		switch flag.Arg(0) {
		case "serve":
			runServe(logger, *configPath)
		case "version":
			fmt.Println(buildinfo.String())
			for k, v := range buildinfo.Info() {
				fmt.Printf("  %-12s %s\n", k+":", v)
			}
		default:
			fmt.Fprintf(os.Stderr, "unknown command: %s\n", flag.Arg(0))
			os.Exit(1)
		}
		return
	}

	runServe(logger, *configPath)
}

func runServe(logger *slog.Logger, configPath string) {
	cfgPath, err := gwconfig.FindConfig(configPath)
	if err != nil {
		logger.Error("config", "error", err)
		os.Exit(1)
	}

	cfg, err := gwconfig.Load(cfgPath)
	if err != nil {
		logger.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	if cfg.LogLevel != "" {
		logger, err = obs.NewLogger(cfg.LogLevel)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logging: %v\n", err)
			os.Exit(1)
		}
	}
	logger.Info("starting tedged", "version", buildinfo.String(), "config", cfgPath)

	// Singleton-instance enforcement before anything touches the state
	// directory or the broker.
	lock, err := filelock.New(filepath.Join(cfg.Dirs.RunDir, "lock"), "tedged.lock", logger)
	if err != nil {
		logger.Error("another tedged instance appears to be running", "error", err)
		os.Exit(1)
	}
	defer lock.Unlock()

	if err := os.MkdirAll(cfg.Dirs.StateDir, 0o755); err != nil {
		logger.Error("failed to create state directory", "dir", cfg.Dirs.StateDir, "error", err)
		os.Exit(1)
	}

	schema := entitystore.NewSchema(cfg.MQTT.RootPrefix)

	store, err := entitystore.Open(filepath.Join(cfg.Dirs.StateDir, "entities.jsonl"), cfg.DeviceID)
	if err != nil {
		logger.Error("failed to open entity store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	history, err := workflow.OpenHistoryStore(filepath.Join(cfg.Dirs.StateDir, "history.db"))
	if err != nil {
		logger.Error("failed to open operation history", "error", err)
		os.Exit(1)
	}
	defer history.Close()

	// Builders. All wiring happens here, before any Build or Spawn.
	busB := mqttbus.NewBuilder(mqttbus.Config{
		Host:           cfg.MQTT.Host,
		Port:           cfg.MQTT.Port,
		ClientIDPrefix: cfg.MQTT.ClientIDPrefix,
		TLS:            cfg.MQTT.TLS,
		CAFile:         cfg.MQTT.CAFile,
		CertFile:       cfg.MQTT.CertFile,
		KeyFile:        cfg.MQTT.KeyFile,
	}, cfg.Queues.MQTTFanoutDepth, logger)

	healthB := health.NewBuilder(schema.Root, "device/"+entitystore.MainDeviceID+"/service/tedged", logger)
	healthB.Wire(busB)

	storeB := entitystore.NewBuilder(schema, store, cfg.Queues.MQTTFanoutDepth, logger)
	storeB.Wire(busB)

	timerB := timeractor.NewBuilder(cfg.Queues.WorkflowDepth, logger)

	wfB, err := workflowBuilder(cfg, schema, history, logger)
	if err != nil {
		logger.Error("failed to assemble workflow engine", "error", err)
		os.Exit(1)
	}
	busB.RegisterPeer(schema.Root+"/+/+/+/+/cmd/+/+", wfB.MQTTSender())
	wfB.ConnectPublish(busB.Sender())
	wfB.ConnectTimer(timerB.Sender())
	timerB.ConnectSink(wfB.TimeoutSender())

	watchB := fswatch.NewBuilder(logger)
	watchB.AddRoot(cfg.Dirs.WorkflowDir)
	defWatch := newDefinitionWatcher(logger)
	watchB.RegisterPeer(cfg.Dirs.WorkflowDir, defWatch.Sender())

	builders := []actor.Builder{storeB, timerB, wfB, watchB, defWatch, healthB}

	if cfg.Cloud.Enabled {
		mapperB := mapper.NewBuilder(schema, cfg.Queues.MQTTFanoutDepth, logger)
		mapperB.Wire(busB)
		builders = append(builders, mapperB)
	}

	// The bus builder goes last: every peer above must have registered
	// its filters before the transport actor snapshots them.
	builders = append(builders, busB)

	rt := actor.NewRuntime(logger)
	for _, b := range builders {
		if sink, ok := b.(actor.RuntimeRequestSink); ok {
			rt.RegisterSignalSender(sink.GetSignalSender())
		}
		act, err := b.Build()
		if err != nil {
			logger.Error("wiring error", "error", err)
			os.Exit(1)
		}
		rt.Spawn(act)
	}

	if cfg.MetricsOn {
		go func() {
			logger.Info("metrics listening", "addr", cfg.MetricsAddr)
			srv := &http.Server{Addr: cfg.MetricsAddr, Handler: obs.MetricsHandler(), ReadHeaderTimeout: 5 * time.Second}
			if err := srv.ListenAndServe(); err != nil {
				logger.Warn("metrics server stopped", "error", err)
			}
		}()
	}

	if err := rt.RunToCompletion(); err != nil {
		logger.Error("tedged stopped with errors", "error", err)
		os.Exit(1)
	}
	logger.Info("tedged stopped")
}

// workflowBuilder assembles the operation set: the compiled-in default
// definitions (config-snapshot, config-update, log-upload,
// firmware-update), overridden by any data-driven file in the workflow
// directory, plus the in-process builtin handlers and their
// synthesized definitions.
func workflowBuilder(cfg *gwconfig.Config, schema entitystore.Schema, history *workflow.HistoryStore, logger *slog.Logger) (*workflow.Builder, error) {
	defs, err := workflow.DefaultDefinitions()
	if err != nil {
		return nil, err
	}
	loaded, err := workflow.LoadDefinitions(cfg.Dirs.WorkflowDir)
	if err != nil {
		return nil, err
	}
	for op, def := range loaded {
		defs[op] = def
	}

	launcher := workflow.NewLauncher(cfg.Workflow.LauncherUser, cfg.Workflow.LauncherGroup)
	runner := workflow.NewScriptRunner(launcher)
	wfCtx := workflow.NewContext(&http.Client{Timeout: 30 * time.Second})
	timeout := time.Duration(cfg.Workflow.DefaultTimeoutSec) * time.Second

	dispatcher := workflow.NewCommandDispatcher()
	dispatcher.Register("restart", workflow.RestartHandler(runner, []string{"systemctl", "reboot"}, timeout))
	dispatcher.Register("software-update", workflow.SoftwareUpdateHandler(wfCtx, runner, func(path string) []string {
		return []string{filepath.Join(cfg.Dirs.ConfigDir, "sm-plugins", "default"), "install", path}
	}, timeout))

	if _, ok := defs["restart"]; !ok {
		defs["restart"] = workflow.BuiltinMultiStateWorkflow("restart",
			[]string{workflow.StatusInit, workflow.RestartStateExecuting}, true, timeout)
	}
	if _, ok := defs["software-update"]; !ok {
		defs["software-update"] = workflow.BuiltinMultiStateWorkflow("software-update",
			[]string{workflow.StatusInit, workflow.SoftwareUpdateStateDownloading, workflow.SoftwareUpdateStateExecuting}, true, timeout)
	}

	for op := range defs {
		logger.Info("operation workflow loaded", "operation", op)
	}

	return workflow.NewBuilder(schema, defs, dispatcher, runner,
		filepath.Join(cfg.Dirs.StateDir, "workflows"), history, cfg.Queues.WorkflowDepth, logger), nil
}
