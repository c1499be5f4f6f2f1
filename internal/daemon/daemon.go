package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/harun/procd/internal/config"
	"github.com/harun/procd/internal/logger"
	"github.com/harun/procd/internal/observability"
	"github.com/harun/procd/internal/tracing"
	"github.com/harun/procd/pkg/agent"
	"github.com/harun/procd/pkg/agents/examples"
	"github.com/harun/procd/pkg/commandqueue"
	"github.com/harun/procd/pkg/engine"
	"github.com/harun/procd/pkg/event"
	"github.com/harun/procd/pkg/gateway"
	"github.com/harun/procd/pkg/hooks"
	"github.com/harun/procd/pkg/manifest"
	"github.com/harun/procd/pkg/retention"
	"github.com/harun/procd/pkg/store"
	"github.com/rs/zerolog"
)

// Version is the runtime version manifests are checked against.
const Version = "0.1.0"

const shutdownTimeout = 10 * time.Second

// Daemon represents the procd daemon service
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	// Core modules
	queue    *commandqueue.CommandQueue
	registry *agent.Registry
	scripts  *hooks.Manager
	store    *store.Store
	hub      *event.Hub
	engine   *engine.Engine
	created  *examples.ProcessSet

	// Services
	gatewayServer *gateway.Server
	sweeper       *retention.Sweeper
	manifests     *manifest.Loader
	watcher       *manifest.Watcher

	// Internal
	eventLoop *EventLoop
	lifecycle *LifecycleManager

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// Status is a snapshot of the daemon run state.
type Status struct {
	Running   bool
	Uptime    time.Duration
	StartTime time.Time
}

// New creates a new daemon instance
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	ctx, cancel := context.WithCancel(context.Background())

	observability.EnsureRegistered()

	d := &Daemon{
		config: cfg,
		logger: log,
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.Tracing.Enabled {
		if err := tracing.InitOpenTelemetry(cfg.Tracing.ServiceName, cfg.Tracing.SampleRatio); err != nil {
			log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
		} else {
			d.tracingEnabled = true
			log.Info().Float64("sample_ratio", cfg.Tracing.SampleRatio).Msg("Tracing initialized")
		}
	}

	// Initialize core modules in dependency order
	if err := d.initializeCoreModules(); err != nil {
		d.abort()
		return nil, fmt.Errorf("failed to initialize core modules: %w", err)
	}

	// Initialize services
	if err := d.initializeServices(); err != nil {
		d.abort()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	d.eventLoop = NewEventLoop(d, maintenanceInterval)
	d.lifecycle = NewLifecycleManager(d)

	return d, nil
}

// abort releases what a failed New already acquired.
func (d *Daemon) abort() {
	d.cancel()
	if d.queue != nil {
		_ = d.queue.Close()
	}
	if d.store != nil {
		_ = d.store.Close()
	}
	if d.tracingEnabled {
		_ = tracing.ShutdownOpenTelemetry(context.Background())
		d.tracingEnabled = false
	}
}

// initializeCoreModules initializes all core modules
func (d *Daemon) initializeCoreModules() error {
	if err := os.MkdirAll(d.config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	d.queue = commandqueue.New(commandqueue.WithLogger(d.logger.Component("commandqueue")))
	d.logger.Info().Msg("Command queue initialized")

	auditPath := d.config.Logging.AuditFile
	if auditPath == "" {
		auditPath = filepath.Join(d.config.DataDir, "audit.log")
	}
	if err := observability.InitAuditLogger(auditPath); err != nil {
		d.logger.Warn().Err(err).Msg("Failed to initialize audit logger, using default stderr")
	} else {
		d.logger.Info().Str("path", auditPath).Msg("Audit logger initialized")
	}
	observability.RecordConfigAudit(d.ctx, "config:load", "daemon", map[string]interface{}{
		"store":       d.config.Store.Driver,
		"busy_policy": d.config.Engine.BusyPolicy,
		"hooks":       d.config.Hooks.Enabled,
		"retention":   d.config.Retention.Enabled,
	})

	d.registry = agent.NewRegistry()
	if d.config.Engine.Examples {
		d.created = examples.NewProcessSet()
		if err := examples.Register(d.registry, d.created); err != nil {
			return fmt.Errorf("failed to register example agents: %w", err)
		}
		d.logger.Info().Strs("agents", d.registry.Agents()).Msg("Example agents registered")
	}

	scripts, err := newHookManager(d.config.Hooks, d.logger.GetZerolog())
	if err != nil {
		return fmt.Errorf("failed to create hook manager: %w", err)
	}
	d.scripts = scripts
	d.logger.Info().
		Int("create_hooks", scripts.Count(hooks.EventProcessCreate)).
		Int("delete_hooks", scripts.Count(hooks.EventProcessDelete)).
		Msg("Hook manager initialized")

	backend, err := d.openBackend()
	if err != nil {
		return err
	}
	d.store = store.New(store.Options{
		Backend: backend,
		Hooks:   hooks.NewRunner(d.registry, d.scripts, d.logger.GetZerolog()),
		Logger:  d.logger.GetZerolog(),
	})
	d.logger.Info().Str("backend", backend.Name()).Msg("Process store initialized")

	d.hub = event.NewHub()
	eng, err := engine.New(engine.Config{
		Registry:     d.registry,
		Store:        d.store,
		Hub:          d.hub,
		Queue:        d.queue,
		BusyPolicy:   engine.BusyPolicy(d.config.Engine.BusyPolicy),
		StreamBuffer: d.config.Engine.StreamBuffer,
		Logger:       d.logger.GetZerolog(),
	})
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}
	d.engine = eng
	d.logger.Info().Str("busy_policy", string(eng.BusyPolicy())).Msg("Engine initialized")

	d.manifests = manifest.NewLoader(d.registry, d.scripts, d.logger.GetZerolog(), manifest.WithRuntimeVersion(Version))
	if dir := d.config.Manifests.Dir; dir != "" {
		count, err := d.manifests.LoadDir(dir)
		if err != nil {
			d.logger.Warn().Err(err).Str("dir", dir).Msg("Some agent manifests failed to load")
		}
		d.logger.Info().Int("count", count).Str("dir", dir).Msg("Agent manifests loaded")
	}

	return nil
}

func (d *Daemon) openBackend() (store.Backend, error) {
	switch strings.ToLower(d.config.Store.Driver) {
	case "", "memory":
		return store.NewMemoryBackend(), nil
	case "sqlite":
		path := d.config.Store.Path
		if path == "" {
			path = filepath.Join(d.config.DataDir, "procd.db")
		}
		backend, err := store.OpenSQLite(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		return backend, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", d.config.Store.Driver)
	}
}

// initializeServices initializes all services
func (d *Daemon) initializeServices() error {
	gatewayServer, err := gateway.NewServer(gateway.Config{
		Host:         d.config.Server.Host,
		Port:         d.config.Server.Port,
		SharedSecret: d.config.Server.SharedSecret,
		Engine:       d.engine,
		Logger:       d.logger.GetZerolog(),
	})
	if err != nil {
		return fmt.Errorf("failed to create gateway server: %w", err)
	}
	d.gatewayServer = gatewayServer
	d.logger.Info().Int("port", d.config.Server.Port).Msg("Gateway server initialized")

	if d.config.Retention.Enabled {
		ttl, err := d.config.Retention.TTLDuration()
		if err != nil {
			return fmt.Errorf("invalid retention ttl: %w", err)
		}
		sweeper, err := retention.New(retention.Config{
			Schedule: d.config.Retention.Schedule,
			TTL:      ttl,
			Store:    d.store,
			Deleter:  d.engine,
			Queue:    d.queue,
			Logger:   d.logger.GetZerolog(),
		})
		if err != nil {
			return fmt.Errorf("failed to create retention sweeper: %w", err)
		}
		d.sweeper = sweeper
		d.logger.Info().Str("schedule", d.config.Retention.Schedule).Dur("ttl", ttl).Msg("Retention sweeper initialized")
	}

	if d.config.Manifests.Watch && d.config.Manifests.Dir != "" {
		watcher, err := manifest.NewWatcher(manifest.WatcherConfig{
			Dir:    d.config.Manifests.Dir,
			Loader: d.manifests,
			Logger: d.logger.GetZerolog(),
		})
		if err != nil {
			return fmt.Errorf("failed to create manifest watcher: %w", err)
		}
		d.watcher = watcher
	}

	return nil
}

// Start brings up the lifecycle manager, the gateway and the background
// services. It fails if the daemon already runs.
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return errors.New("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	log := d.runLogger()
	log.Info().Msg("Starting procd daemon")

	if err := d.lifecycle.Start(); err != nil {
		d.setStopped()
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}
	if err := d.gatewayServer.Start(); err != nil {
		_ = d.lifecycle.Stop()
		d.setStopped()
		return fmt.Errorf("failed to start gateway server: %w", err)
	}
	log.Info().Str("addr", d.gatewayServer.Addr()).Msg("Gateway server started")

	if d.sweeper != nil {
		d.sweeper.Start()
	}
	if d.watcher != nil {
		// Manifests already loaded stay usable without hot reload.
		if err := d.watcher.Start(); err != nil {
			log.Warn().Err(err).Msg("Failed to start manifest watcher")
		}
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.eventLoop.Run(d.ctx)
	}()

	log.Info().Msg("Daemon started")
	return nil
}

func (d *Daemon) setStopped() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
}

// runLogger tags start and stop logs with one trace id.
func (d *Daemon) runLogger() zerolog.Logger {
	return d.logger.GetZerolog().With().Str("trace_id", tracing.NewTraceID()).Logger()
}

type stopStep struct {
	name string
	stop func(ctx context.Context) error
}

// stopSteps lists what Stop tears down, in the reverse order of Start.
// Steps for services that were never configured are left out.
func (d *Daemon) stopSteps() []stopStep {
	var steps []stopStep
	if d.watcher != nil {
		steps = append(steps, stopStep{"manifest watcher", func(context.Context) error { return d.watcher.Stop() }})
	}
	if d.sweeper != nil {
		steps = append(steps, stopStep{"retention sweeper", d.sweeper.Stop})
	}
	steps = append(steps,
		stopStep{"gateway server", d.gatewayServer.Stop},
		stopStep{"engine", d.engine.Shutdown},
		stopStep{"command queue", func(context.Context) error { return d.queue.Close() }},
		stopStep{"background loops", d.stopLoops},
		stopStep{"lifecycle manager", func(context.Context) error { return d.lifecycle.Stop() }},
		stopStep{"process store", func(context.Context) error { return d.store.Close() }},
	)
	if d.tracingEnabled {
		steps = append(steps, stopStep{"tracing", func(ctx context.Context) error {
			d.tracingEnabled = false
			return tracing.ShutdownOpenTelemetry(ctx)
		}})
	}
	return append(steps, stopStep{"audit logger", func(context.Context) error {
		return observability.GetAuditLogger().Close()
	}})
}

// stopLoops cancels the daemon context and waits for its goroutines.
func (d *Daemon) stopLoops(ctx context.Context) error {
	d.cancel()
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timeout waiting for goroutines to stop: %w", ctx.Err())
	}
}

// Stop shuts the daemon down within shutdownTimeout. Every step runs even
// when an earlier one fails; the failures are joined.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return errors.New("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	log := d.runLogger()
	log.Info().Msg("Stopping procd daemon")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	for _, step := range d.stopSteps() {
		if err := step.stop(ctx); err != nil {
			log.Error().Err(err).Str("step", step.name).Msg("Shutdown step failed")
			errs = append(errs, fmt.Errorf("%s: %w", step.name, err))
		}
	}

	log.Info().Msg("Daemon stopped")
	return errors.Join(errs...)
}

// Status reports whether the daemon runs and for how long.
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.running {
		return Status{}
	}
	return Status{Running: true, StartTime: d.startTime, Uptime: time.Since(d.startTime)}
}

// Wait blocks until SIGINT or SIGTERM and then stops the daemon.
func (d *Daemon) Wait() {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signals)

	sig := <-signals
	d.logger.Info().Str("signal", sig.String()).Msg("Received signal")
	if err := d.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop daemon")
	}
}

// GetQueue returns the command queue.
func (d *Daemon) GetQueue() *commandqueue.CommandQueue { return d.queue }

// GetEngine returns the process engine.
func (d *Daemon) GetEngine() *engine.Engine { return d.engine }

// GetStore returns the process store.
func (d *Daemon) GetStore() *store.Store { return d.store }

// GetRegistry returns the agent registry.
func (d *Daemon) GetRegistry() *agent.Registry { return d.registry }

// GetGatewayServer returns the gateway server.
func (d *Daemon) GetGatewayServer() *gateway.Server { return d.gatewayServer }

// GetManifestLoader returns the manifest loader.
func (d *Daemon) GetManifestLoader() *manifest.Loader { return d.manifests }
