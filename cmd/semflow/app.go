package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/c360studio/semstreams/component"
	"github.com/c360studio/semstreams/natsclient"
	"github.com/c360studio/semstreams/payloadregistry"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/semflow/bus"
	"github.com/c360studio/semflow/capability"
	"github.com/c360studio/semflow/capability/builtin"
	"github.com/c360studio/semflow/config"
	"github.com/c360studio/semflow/metrics"
	taskdispatcher "github.com/c360studio/semflow/processor/task-dispatcher"
	workflowcoordinator "github.com/c360studio/semflow/processor/workflow-coordinator"
	"github.com/c360studio/semflow/runs"
	"github.com/c360studio/semflow/storage"
	"github.com/c360studio/semflow/workflow"
)

// App holds the collaborators shared by every command.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	// NATS
	natsClient *natsclient.Client
	embedded   *bus.Embedded
	bus        *bus.Bus

	store    *storage.Store
	registry *capability.Registry
	payloads *payloadregistry.Registry
	catalog  *workflow.Catalog
	metrics  *metrics.Metrics
}

// newApp loads workflows and capabilities. Connections are opened by the
// open* methods so each command pays only for what it uses.
func newApp(cfg *config.Config, logger *slog.Logger) (*App, error) {
	registry := capability.NewRegistry()
	if err := builtin.Register(registry); err != nil {
		return nil, fmt.Errorf("register builtin capabilities: %w", err)
	}
	catalog, err := loadCatalog(cfg.Workflows.Dir, registry)
	if err != nil {
		return nil, err
	}
	payloads := payloadregistry.New()
	if err := bus.RegisterPayloads(payloads); err != nil {
		return nil, fmt.Errorf("register bus payloads: %w", err)
	}
	return &App{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		payloads: payloads,
		catalog:  catalog,
		metrics:  metrics.New(),
	}, nil
}

// openStore connects to the run database.
func (a *App) openStore(ctx context.Context) error {
	store, err := storage.Open(ctx, storage.Config{
		Driver:       a.cfg.Database.Driver,
		DSN:          a.cfg.Database.DSN,
		MaxOpenConns: a.cfg.Database.MaxOpenConns,
		MaxIdleConns: a.cfg.Database.MaxIdleConns,
		ConnMaxLife:  a.cfg.Database.ConnMaxLifetime,
	}, a.logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	a.store = store
	return nil
}

// openBus connects to NATS and ensures the streams exist.
func (a *App) openBus(ctx context.Context) error {
	client, err := connectToNATS(ctx, a.cfg.NATS.URL, a.logger)
	if err != nil {
		return err
	}
	a.natsClient = client

	js, err := client.JetStream()
	if err != nil {
		return fmt.Errorf("get JetStream: %w", err)
	}
	return a.bindBus(ctx, js)
}

// openEmbeddedBus starts an in-process NATS server for single-process use.
func (a *App) openEmbeddedBus(ctx context.Context) error {
	embedded, err := bus.StartEmbedded(bus.EmbeddedOptions{StoreDir: a.cfg.NATS.StoreDir})
	if err != nil {
		return err
	}
	a.embedded = embedded
	a.logger.Info("Embedded NATS started", "url", embedded.URL())
	return a.bindBus(ctx, embedded.JS)
}

func (a *App) bindBus(ctx context.Context, js jetstream.JetStream) error {
	b, err := bus.New(ctx, js, a.busConfig(), a.logger)
	if err != nil {
		return fmt.Errorf("create bus: %w", err)
	}
	a.bus = b
	return nil
}

func (a *App) busConfig() bus.Config {
	return bus.Config{
		Storage:      a.cfg.NATS.Storage,
		Replicas:     a.cfg.NATS.Replicas,
		OutputMaxAge: a.cfg.NATS.OutputMaxAge,
		AckWait:      a.cfg.NATS.AckWait,
		MaxDeliver:   a.cfg.NATS.MaxDeliver,
	}
}

func (a *App) launcher() *runs.Launcher {
	return runs.NewLauncher(a.store, a.bus, a.registry,
		runs.WithMetrics(a.metrics),
		runs.WithLogger(a.logger))
}

// Close releases connections in reverse order of opening.
func (a *App) Close() {
	if a.natsClient != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.natsClient.Close(ctx)
	}
	if a.embedded != nil {
		a.embedded.Shutdown()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
}

// runner is implemented by the coordinator and worker components.
type runner interface {
	component.Discoverable
	Initialize() error
	Run(ctx context.Context) error
}

// factories collects component registrations so the binary can build the
// coordinator and worker from their registered factories.
type factories map[string]component.RegistrationConfig

// RegisterWithConfig implements the registration interface of both processors.
func (f factories) RegisterWithConfig(cfg component.RegistrationConfig) error {
	if _, exists := f[cfg.Name]; exists {
		return fmt.Errorf("component %s already registered", cfg.Name)
	}
	f[cfg.Name] = cfg
	return nil
}

func (f factories) create(name string, rawConfig any, fw component.Dependencies) (runner, error) {
	reg, ok := f[name]
	if !ok {
		return nil, fmt.Errorf("component %s not registered", name)
	}
	data, err := json.Marshal(rawConfig)
	if err != nil {
		return nil, fmt.Errorf("marshal %s config: %w", name, err)
	}
	c, err := reg.Factory(data, fw)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", name, err)
	}
	r, ok := c.(runner)
	if !ok {
		return nil, fmt.Errorf("component %s cannot run standalone", name)
	}
	if err := r.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize %s: %w", name, err)
	}
	return r, nil
}

// newCoordinator builds the coordinator bound to the completions queue.
func (a *App) newCoordinator(ctx context.Context) (runner, error) {
	completions, err := a.bus.Completions(ctx)
	if err != nil {
		return nil, err
	}
	f := factories{}
	if err := workflowcoordinator.Register(f, workflowcoordinator.Deps{
		Store:       a.store,
		Bus:         a.bus,
		Completions: completions,
		Metrics:     a.metrics,
		Logger:      a.logger.With("component", "workflow-coordinator"),
	}); err != nil {
		return nil, err
	}
	return f.create("workflow-coordinator", workflowcoordinator.Config{
		TickInterval: a.cfg.Coordinator.TickInterval.String(),
		FetchTimeout: a.cfg.Coordinator.FetchTimeout.String(),
	}, a.frameworkDeps())
}

// newWorker builds a worker with n slots bound to the assignments queue.
func (a *App) newWorker(ctx context.Context, n int) (runner, error) {
	assignments, err := a.bus.Assignments(ctx)
	if err != nil {
		return nil, err
	}
	f := factories{}
	if err := taskdispatcher.Register(f, taskdispatcher.Deps{
		Store:       a.store,
		Bus:         a.bus,
		Assignments: assignments,
		Registry:    a.registry,
		Metrics:     a.metrics,
		Logger:      a.logger.With("component", "task-dispatcher"),
	}); err != nil {
		return nil, err
	}
	cfg := taskdispatcher.Config{
		NumWorkers:       n,
		TickInterval:     a.cfg.Worker.TickInterval.String(),
		FetchTimeout:     a.cfg.Worker.FetchTimeout.String(),
		ExecutionTimeout: a.cfg.Worker.ExecutionTimeout.String(),
	}
	if a.cfg.Worker.ReclaimAfter > 0 {
		cfg.ReclaimAfter = a.cfg.Worker.ReclaimAfter.String()
	}
	return f.create("task-dispatcher", cfg, a.frameworkDeps())
}

// frameworkDeps are the shared dependencies handed to component factories.
func (a *App) frameworkDeps() component.Dependencies {
	return component.Dependencies{
		NATSClient:      a.natsClient,
		Logger:          a.logger,
		PayloadRegistry: a.payloads,
	}
}

func connectToNATS(ctx context.Context, url string, logger *slog.Logger) (*natsclient.Client, error) {
	logger.Info("Connecting to NATS", "url", url)

	client, err := natsclient.NewClient(url,
		natsclient.WithName("semflow"),
		natsclient.WithMaxReconnects(-1),
		natsclient.WithReconnectWait(time.Second),
		natsclient.WithHealthInterval(30*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	if err := client.Connect(ctx); err != nil {
		return nil, wrapNATSError(err, url)
	}

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := client.WaitForConnection(connCtx); err != nil {
		return nil, wrapNATSError(err, url)
	}

	logger.Info("Connected to NATS", "url", url)
	return client, nil
}

// wrapNATSError provides helpful guidance when NATS connection fails.
func wrapNATSError(err error, url string) error {
	errStr := err.Error()

	// Check for common connection errors
	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "no servers available") ||
		strings.Contains(errStr, "timeout") {
		return fmt.Errorf(`NATS connection failed: %w

NATS is not running at %s.

To start NATS:
  docker compose up -d nats

Or set SEMFLOW_NATS_URL to point to your NATS server, or use "semflow dev"
for a single process with an embedded server.`, err, url)
	}

	return fmt.Errorf("NATS connection failed: %w", err)
}
