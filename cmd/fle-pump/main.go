// Package main is the fle-pump demo harness: a cobra CLI that drives
// internal/opcontext end to end against a local-provider-backed key store,
// the way a real host binding (a driver's libmongocrypt-style glue layer)
// would, without ever opening a socket (spec §1's core non-goal; this
// harness's own simulated remote-provider path is likewise inert — see
// drive.go).
package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/axonops/fle-core/internal/config"
	"github.com/axonops/fle-core/internal/telemetry"
)

var (
	version = "dev"
	commit  = "unknown"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:   "fle-pump",
		Short: "Drive the fle-core field-level-encryption context state machine",
		Long:  "fle-pump is a demonstration harness that pumps encrypt/decrypt operations against a local-provider-backed key store.",
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to fle-pump.yaml")

	rootCmd.AddCommand(
		newVersionCmd(),
		newEncryptExplicitCmd(),
		newDecryptCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("fle-pump %s (commit %s)\n", version, commit)
			return nil
		},
	}
}

// harness bundles the pieces every subcommand needs: config, logger, and an
// optional telemetry sink. Each subcommand builds the local provider from
// the configured master-key file itself. Mirrors the teacher's main.go, which builds
// its logger/config/storage trio once at the top of main before dispatching.
type harness struct {
	cfg    *config.Config
	logger *slog.Logger
	sink   *telemetry.Sink
}

func newHarness() (*harness, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	level := slog.LevelInfo
	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	var sink *telemetry.Sink
	if cfg.Telemetry.Enabled {
		sink = telemetry.New()
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", sink.Handler())
			if err := http.ListenAndServe(cfg.Telemetry.Listen, mux); err != nil { //nolint:gosec // demo harness, not a production listener
				logger.Error("telemetry listener stopped", slog.String("error", err.Error()))
			}
		}()
		logger.Info("telemetry enabled", slog.String("listen", cfg.Telemetry.Listen))
	}

	return &harness{cfg: cfg, logger: logger, sink: sink}, nil
}

// watchMasterKey logs rotation events for the local-provider master-key
// file, mirroring the teacher's fsnotify-driven config hot-reload
// (internal config watcher pattern); the harness re-reads the file on the
// next invocation rather than hot-swapping a running provider, since each
// fle-pump command is a single one-shot operation.
func watchMasterKey(path string, logger *slog.Logger) (*fsnotify.Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("fsnotify: %w", err)
	}
	if err := w.Add(path); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("fsnotify: watch %s: %w", path, err)
	}
	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Rename) != 0 {
					logger.Warn("master key file changed; restart fle-pump to pick up the rotation", slog.String("path", path))
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Error("master key watch error", slog.String("error", err.Error()))
			}
		}
	}()
	return w, nil
}
