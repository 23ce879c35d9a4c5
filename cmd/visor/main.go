// Package main provides the visor binary entry point.
// Visor runs dependency-aware check graphs with predicate gating, routing
// hooks, and scheduled workflow execution.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/visor-run/visor/config"
	"github.com/visor-run/visor/engine"
	"github.com/visor-run/visor/graph"
	"github.com/visor-run/visor/metrics"
	"github.com/visor-run/visor/review"
	"github.com/visor-run/visor/schedule"
)

const (
	Version = "0.1.0"
	appName = "visor"
)

// Exit codes.
const (
	exitOK       = 0
	exitFailed   = 1
	exitConfig   = 2
	exitInternal = 3
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(exitInternal)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCodeFor(err))
	}
}

func exitCodeFor(err error) int {
	switch {
	case errors.Is(err, config.ErrInvalidConfig),
		errors.Is(err, graph.ErrCycle),
		errors.Is(err, graph.ErrUnknownDependency):
		return exitConfig
	case errors.Is(err, errRunFailed):
		return exitFailed
	case errors.Is(err, graph.ErrInternal):
		return exitInternal
	default:
		return exitFailed
	}
}

// errRunFailed signals a completed run with failing checks.
var errRunFailed = errors.New("run had failing checks")

type globalFlags struct {
	configPath string
	logLevel   string
}

func rootCmd() *cobra.Command {
	flags := &globalFlags{}

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Dependency-aware check execution engine",
		Long: `Visor executes configured checks as a dependency graph: independent
checks run in parallel waves, predicates gate execution, and routing hooks
retry, reschedule, or trigger follow-up work. Schedules fire workflows on
cron expressions through an HA daemon.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", ".visor.yaml", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(runCmd(flags))
	cmd.AddCommand(daemonCmd(flags))
	cmd.AddCommand(scheduleCmd(flags))
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s\n", appName, Version)
		},
	})
	return cmd
}

func newLogger(level string) *slog.Logger {
	lvl := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return logger
}

func runCmd(flags *globalFlags) *cobra.Command {
	var (
		checks   []string
		tags     []string
		event    string
		timeout  time.Duration
		inputs   []string
		jsonOut  bool
		mockFile string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute the configured checks once",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(flags.logLevel)
			cfg, err := config.NewLoader(logger).LoadFile(flags.configPath)
			if err != nil {
				return err
			}

			runner, emitter, err := buildRunner(cfg, logger, nil)
			if err != nil {
				return err
			}
			defer emitter.Close()

			opts := engine.Options{
				Config:   cfg,
				Checks:   checks,
				Tags:     tags,
				Inputs:   parseInputs(inputs),
				Deadline: timeout,
			}
			if event != "" {
				opts.Event = &review.PRInfo{Event: review.Event(event)}
			}
			if mockFile != "" {
				mock, err := loadMocks(mockFile)
				if err != nil {
					return err
				}
				opts.MockForStep = mock
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			summary, err := runner.Run(ctx, opts)
			if err != nil {
				return err
			}
			if jsonOut {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				if err := enc.Encode(summary); err != nil {
					return err
				}
			} else {
				printSummary(summary)
			}
			if summary.HasCritical() || summary.Stats.FailureCount > 0 {
				return errRunFailed
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&checks, "check", nil, "Run only these checks (plus their dependencies)")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "Run only checks carrying one of these tags")
	cmd.Flags().StringVar(&event, "event", "", "Trigger event (manual, pr_opened, pr_updated, ...)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Overall run deadline (0 = none)")
	cmd.Flags().StringArrayVar(&inputs, "input", nil, "Run input as key=value, repeatable")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print the run summary as JSON")
	cmd.Flags().StringVar(&mockFile, "mock", "", "JSON file mapping check ids to mocked outputs")
	return cmd
}

func daemonCmd(flags *globalFlags) *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the schedule daemon",
		Long: `The daemon polls the schedule store and fires due workflows. Replicas
sharing one store coordinate through a leased lock so each schedule fires
exactly once per tick. The config file is watched and reloaded on change.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(flags.logLevel)
			cfg, err := config.NewLoader(logger).LoadFile(flags.configPath)
			if err != nil {
				return err
			}

			reg := prometheus.NewRegistry()
			m := metrics.New(reg)
			runner, emitter, err := buildRunner(cfg, logger, m)
			if err != nil {
				return err
			}
			defer emitter.Close()

			store, err := schedule.Open(cfg.Schedule)
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			if err := store.Initialize(ctx); err != nil {
				return err
			}
			defer func() {
				if err := store.Shutdown(context.Background()); err != nil {
					logger.Warn("shutdown schedule store", "error", err)
				}
			}()

			if metricsAddr != "" {
				go serveMetrics(ctx, metricsAddr, reg, logger)
			}

			daemon := schedule.NewDaemon(store, runner, cfg, logger, m)
			stopWatch, err := watchConfig(flags.configPath, logger, func(next *config.Config) {
				*cfg = *next
			})
			if err != nil {
				logger.Warn("config watch unavailable", "error", err)
			} else {
				defer stopWatch()
			}

			err = daemon.Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	return cmd
}

// watchConfig reloads the config file on change. Invalid edits are logged
// and skipped; the daemon keeps the last good config.
func watchConfig(path string, logger *slog.Logger, apply func(*config.Config)) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(path); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				next, err := config.NewLoader(logger).LoadFile(path)
				if err != nil {
					logger.Warn("config reload failed, keeping previous", "error", err)
					continue
				}
				apply(next)
				logger.Info("config reloaded", "path", path)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("config watcher", "error", err)
			}
		}
	}()
	return func() { _ = watcher.Close() }, nil
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	logger.Info("metrics listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics server", "error", err)
	}
}

func buildRunner(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*engine.Runner, *engine.Emitter, error) {
	emitter := engine.NewEmitter(logger)
	if cfg.Events.NATSURL != "" {
		if err := emitter.ConnectNATS(cfg.Events.NATSURL, cfg.Events.Subject); err != nil {
			logger.Warn("event stream unavailable", "error", err)
		}
	}
	if cfg.Telemetry.File != "" {
		if err := emitter.OpenTelemetryFile(cfg.Telemetry.File); err != nil {
			logger.Warn("telemetry file unavailable", "error", err)
		}
	}
	runner := engine.New(engine.Deps{Logger: logger, Metrics: m, Emitter: emitter})
	return runner, emitter, nil
}

func parseInputs(pairs []string) map[string]any {
	if len(pairs) == 0 {
		return nil
	}
	out := map[string]any{}
	for _, p := range pairs {
		if k, v, ok := strings.Cut(p, "="); ok {
			out[k] = v
		}
	}
	return out
}

// loadMocks reads a JSON object mapping check ids to summaries used instead
// of provider execution. Intended for config dry-runs and tests.
func loadMocks(path string) (func(string) (*review.Summary, bool), error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read mock file: %w", err)
	}
	var fixtures map[string]*review.Summary
	if err := json.Unmarshal(data, &fixtures); err != nil {
		return nil, fmt.Errorf("parse mock file: %w", err)
	}
	return func(id string) (*review.Summary, bool) {
		sum, ok := fixtures[id]
		return sum, ok
	}, nil
}

func printSummary(summary *engine.RunSummary) {
	for _, cr := range summary.Checks {
		fmt.Printf("%-10s %s (%d run(s), %dms)\n", cr.Status, cr.ID, cr.Runs, cr.DurationMs)
		for _, iss := range cr.Issues {
			fmt.Printf("  [%s] %s: %s\n", iss.Severity, iss.RuleID, iss.Message)
		}
	}
	fmt.Printf("\n%d succeeded, %d failed, %d issue(s) in %dms\n",
		summary.Stats.SuccessCount, summary.Stats.FailureCount, len(summary.Issues), summary.Stats.DurationMs)
}
