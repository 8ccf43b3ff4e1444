// Package main provides the semflow binary entry point.
// Semflow runs hierarchical workflows whose states are task DAGs, with a
// coordinator and a pool of workers communicating over NATS JetStream.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/c360studio/semflow/config"
	"github.com/c360studio/semflow/storage"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "semflow"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// globals are the persistent flags every command shares.
type globals struct {
	configPath string
	logLevel   string
}

func rootCmd() *cobra.Command {
	g := &globals{}

	cmd := &cobra.Command{
		Use:   "semflow",
		Short: "Distributed workflow engine",
		Long: `Semflow runs hierarchical workflows. Each state is a DAG of tasks executed
in dependency phases by a pool of workers; a coordinator advances runs and
follows the first transition whose condition holds.

All processes communicate via NATS JetStream and share a relational run store.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(
		coordinatorCmd(g),
		workerCmd(g),
		runCmd(g),
		statusCmd(g),
		runsCmd(g),
		cancelCmd(g),
		workflowsCmd(g),
		dbCmd(g),
		devCmd(g),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (build: %s)\n", appName, Version, BuildTime)
			},
		},
	)

	return cmd
}

// setup configures logging, loads configuration and builds the app.
func (g *globals) setup() (*App, error) {
	logger := newLogger(os.Stderr, g.logLevel)
	slog.SetDefault(logger)

	cfg, err := config.NewLoader(logger).Load(g.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return newApp(cfg, logger)
}

func newLogger(w io.Writer, logLevel string) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// serve runs the given loops plus the metrics endpoint until the first one
// fails or a shutdown signal arrives.
func (a *App) serve(ctx context.Context, loops ...runner) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, r := range loops {
		g.Go(func() error {
			name := r.Meta().Name
			if err := r.Run(gctx); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			return nil
		})
	}
	if a.cfg.Metrics.Addr != "" {
		g.Go(func() error {
			return a.metrics.Serve(gctx, a.cfg.Metrics.Addr, a.logger)
		})
	}
	err := g.Wait()
	if err == nil {
		a.logger.Info("Shutdown complete")
	}
	return err
}

func coordinatorCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "coordinator",
		Short: "Run the coordinator that advances workflow runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := g.setup()
			if err != nil {
				return err
			}
			defer app.Close()

			ctx, cancel := signalContext()
			defer cancel()

			if err := app.openStore(ctx); err != nil {
				return err
			}
			if err := app.openBus(ctx); err != nil {
				return err
			}
			coord, err := app.newCoordinator(ctx)
			if err != nil {
				return err
			}
			app.logger.Info("Semflow coordinator ready", "version", Version)
			return app.serve(ctx, coord)
		},
	}
}

func workerCmd(g *globals) *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a worker that executes assigned tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := g.setup()
			if err != nil {
				return err
			}
			defer app.Close()

			if !cmd.Flags().Changed("num-workers") {
				n = app.cfg.Worker.NumWorkers
			}

			ctx, cancel := signalContext()
			defer cancel()

			if err := app.openStore(ctx); err != nil {
				return err
			}
			if err := app.openBus(ctx); err != nil {
				return err
			}
			worker, err := app.newWorker(ctx, n)
			if err != nil {
				return err
			}
			app.logger.Info("Semflow worker ready",
				"version", Version,
				"capabilities", app.registry.Keys())
			return app.serve(ctx, worker)
		},
	}
	cmd.Flags().IntVarP(&n, "num-workers", "n", 2, "Number of worker slots (-1 for one per CPU)")
	return cmd
}

type launchFlags struct {
	input     string
	inputFile string
	wait      bool
	timeout   time.Duration
}

func (f *launchFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.input, "input", "i", "", "Run input as a JSON object")
	cmd.Flags().StringVar(&f.inputFile, "input-file", "", "Read run input from a JSON file")
}

func (f *launchFlags) parse() (map[string]any, error) {
	data := []byte(f.input)
	if f.inputFile != "" {
		if f.input != "" {
			return nil, fmt.Errorf("--input and --input-file are mutually exclusive")
		}
		var err error
		if data, err = os.ReadFile(f.inputFile); err != nil {
			return nil, fmt.Errorf("read input file: %w", err)
		}
	}
	return parseInput(data)
}

func parseInput(data []byte) (map[string]any, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return map[string]any{}, nil
	}
	var input map[string]any
	if err := json.Unmarshal(data, &input); err != nil {
		return nil, fmt.Errorf("input must be a JSON object: %w", err)
	}
	if input == nil {
		input = map[string]any{}
	}
	return input, nil
}

func runCmd(g *globals) *cobra.Command {
	f := &launchFlags{}
	cmd := &cobra.Command{
		Use:   "run <workflow>[:version]",
		Short: "Start a workflow run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input, err := f.parse()
			if err != nil {
				return err
			}
			app, err := g.setup()
			if err != nil {
				return err
			}
			defer app.Close()

			wf, err := app.catalog.Lookup(args[0])
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			if err := app.openStore(ctx); err != nil {
				return err
			}
			if err := app.openBus(ctx); err != nil {
				return err
			}

			run, err := app.launcher().Launch(ctx, wf, input)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), run.ID)

			if !f.wait {
				return nil
			}
			return waitForRun(ctx, app, cmd.OutOrStdout(), run.ID, f.timeout)
		},
	}
	f.register(cmd)
	cmd.Flags().BoolVarP(&f.wait, "wait", "w", false, "Wait for the run to finish and print its report")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 10*time.Minute, "Maximum time to wait with --wait")
	return cmd
}

// waitForRun polls the store until the run is terminal.
func waitForRun(ctx context.Context, app *App, w io.Writer, id uuid.UUID, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	l := app.launcher()
	for {
		run, err := l.Get(ctx, id)
		if err != nil {
			return err
		}
		if run.Status.IsTerminal() {
			report, err := l.Detail(ctx, id)
			if err != nil {
				return err
			}
			if err := printJSON(w, report); err != nil {
				return err
			}
			if run.Status != storage.StatusCompleted {
				return fmt.Errorf("run %s %s", id, run.Status)
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for run %s: %w", id, ctx.Err())
		case <-ticker.C:
		}
	}
}

func statusCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show the status of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid run id: %w", err)
			}
			app, err := g.setup()
			if err != nil {
				return err
			}
			defer app.Close()

			ctx := context.Background()
			if err := app.openStore(ctx); err != nil {
				return err
			}
			report, err := app.launcher().Detail(ctx, id)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), report)
		},
	}
}

func runsCmd(g *globals) *cobra.Command {
	var filter storage.RunFilter
	var status string
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := g.setup()
			if err != nil {
				return err
			}
			defer app.Close()

			ctx := context.Background()
			if err := app.openStore(ctx); err != nil {
				return err
			}
			filter.Status = storage.Status(status)
			list, err := app.launcher().List(ctx, filter)
			if err != nil {
				return err
			}
			return printRuns(cmd.OutOrStdout(), list)
		},
	}
	cmd.Flags().StringVar(&filter.WorkflowName, "workflow", "", "Only runs of this workflow")
	cmd.Flags().StringVar(&status, "status", "", "Only runs with this status")
	cmd.Flags().IntVar(&filter.Limit, "limit", 20, "Maximum number of runs")
	return cmd
}

func printRuns(w io.Writer, list []storage.WorkflowRun) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tWORKFLOW\tSTATUS\tCREATED\tFAILED TASK")
	for _, r := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.WorkflowID, r.Status, r.CreatedAt.Format(time.RFC3339), r.FailedTask)
	}
	return tw.Flush()
}

func cancelCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid run id: %w", err)
			}
			app, err := g.setup()
			if err != nil {
				return err
			}
			defer app.Close()

			ctx := context.Background()
			if err := app.openStore(ctx); err != nil {
				return err
			}
			run, err := app.launcher().Cancel(ctx, id)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "run %s %s\n", run.ID, run.Status)
			return nil
		},
	}
}

func workflowsCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "workflows",
		Short: "List the workflows this configuration can launch",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := g.setup()
			if err != nil {
				return err
			}
			defer app.Close()
			for _, id := range app.catalog.IDs() {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}
}

func dbCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Manage the run database",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Create or update the run tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := g.setup()
			if err != nil {
				return err
			}
			defer app.Close()

			ctx := context.Background()
			if err := app.openStore(ctx); err != nil {
				return err
			}
			if err := app.store.Migrate(ctx); err != nil {
				return err
			}
			app.logger.Info("Database migrated",
				"driver", app.cfg.Database.Driver)
			return nil
		},
	})
	return cmd
}

func devCmd(g *globals) *cobra.Command {
	var (
		n        int
		workflow string
		f        = &launchFlags{}
	)
	cmd := &cobra.Command{
		Use:   "dev",
		Short: "Run an embedded NATS server, the coordinator and a worker in one process",
		RunE: func(cmd *cobra.Command, args []string) error {
			input, err := f.parse()
			if err != nil {
				return err
			}
			app, err := g.setup()
			if err != nil {
				return err
			}
			defer app.Close()

			if !cmd.Flags().Changed("num-workers") {
				n = app.cfg.Worker.NumWorkers
			}

			ctx, cancel := signalContext()
			defer cancel()

			if err := app.openStore(ctx); err != nil {
				return err
			}
			if err := app.store.Migrate(ctx); err != nil {
				return err
			}
			if err := app.openEmbeddedBus(ctx); err != nil {
				return err
			}

			coord, err := app.newCoordinator(ctx)
			if err != nil {
				return err
			}
			worker, err := app.newWorker(ctx, n)
			if err != nil {
				return err
			}

			if workflow != "" {
				wf, err := app.catalog.Lookup(workflow)
				if err != nil {
					return err
				}
				run, err := app.launcher().Launch(ctx, wf, input)
				if err != nil {
					return err
				}
				app.logger.Info("Run started", "run_id", run.ID, "workflow", run.WorkflowID)
			}

			app.logger.Info("Semflow dev ready", "version", Version)
			err = app.serve(ctx, coord, worker)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().IntVarP(&n, "num-workers", "n", 2, "Number of worker slots (-1 for one per CPU)")
	cmd.Flags().StringVar(&workflow, "run", "", "Launch this workflow once everything is up")
	f.register(cmd)
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
