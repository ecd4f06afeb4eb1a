// Package engines provides a pre-configured engine: a Redis store, a
// Rocket carrying the standard plugins, an optional RabbitMQ event relay,
// a handler registry and the process runtime, wired from one
// configuration.
//
// Example usage:
//
//	engine, err := engines.NewRocketEngine(engines.DefaultOptions())
//	if err != nil {
//		return err
//	}
//	engine.Register("email", emailHandler)
//	engine.Run(ctx)
package engines

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/BranchIntl/rocket"
	"github.com/BranchIntl/rocket/config"
	"github.com/BranchIntl/rocket/core"
	"github.com/BranchIntl/rocket/events/rabbitmq"
	"github.com/BranchIntl/rocket/plugins/aggregate"
	"github.com/BranchIntl/rocket/plugins/history"
	"github.com/BranchIntl/rocket/plugins/monitor"
	"github.com/BranchIntl/rocket/plugins/unique"
	"github.com/BranchIntl/rocket/registry"
	"github.com/BranchIntl/rocket/store"
)

// Options holds configuration for the engine
type Options struct {
	// Config is the broker configuration, the defaults when nil
	Config *config.Config
	// RedisURI overrides Config.Redis.URI when set
	RedisURI string
	Logger   *slog.Logger
	// Plugins are registered after the standard ones
	Plugins []rocket.Plugin
	// SkipStandardPlugins leaves out the aggregate, history, monitor and
	// unique plugins
	SkipStandardPlugins bool
	EngineOptions       []core.EngineOption
}

// DefaultOptions returns default options for the engine
func DefaultOptions() Options {
	return Options{
		Config:        config.Default(),
		EngineOptions: []core.EngineOption{},
	}
}

// StandardPlugins returns fresh instances of the plugins every broker
// process should carry, so that index sets, history, monitoring and
// deduplication stay current whichever process mutates a job
func StandardPlugins() []rocket.Plugin {
	return []rocket.Plugin{aggregate.New(), history.New(), monitor.New(), unique.New()}
}

// RocketEngine provides a pre-configured engine
type RocketEngine struct {
	engine   *core.Engine
	rocket   *rocket.Rocket
	store    *store.Store
	relay    *rabbitmq.Relay
	registry *registry.Registry
	logger   *slog.Logger

	mu        sync.Mutex
	connected bool
}

// NewRocketEngine creates the components. Nothing is dialed until
// Connect or Start.
func NewRocketEngine(options Options) (*RocketEngine, error) {
	cfg := options.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if options.RedisURI != "" {
		cfg.Redis.URI = options.RedisURI
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	storeOptions := cfg.StoreOptions()
	storeOptions.Logger = logger
	s := store.New(storeOptions)

	r, err := rocket.New(s, cfg, rocket.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	var plugins []rocket.Plugin
	if !options.SkipStandardPlugins {
		plugins = StandardPlugins()
	}
	plugins = append(plugins, options.Plugins...)

	e := &RocketEngine{
		rocket:   r,
		store:    s,
		registry: registry.NewRegistry(),
		logger:   logger,
	}
	if cfg.Events.AMQP.Enabled {
		e.relay = rabbitmq.NewRelay(rabbitmq.OptionsFromConfig(cfg.Events.AMQP), logger)
		plugins = append(plugins, e.relay)
	}

	for _, p := range plugins {
		if err := r.RegisterPlugin(p); err != nil {
			return nil, fmt.Errorf("failed to register plugin %s: %w", p.Name(), err)
		}
	}

	engineOptions := append([]core.EngineOption{core.WithLogger(logger)}, options.EngineOptions...)
	e.engine = core.NewEngine(r, e.registry, engineOptions...)
	if e.relay != nil {
		e.engine.AddComponent(rabbitmq.Name, e.relay)
	}
	return e, nil
}

// Connect dials the store and, when enabled, the event relay. It is a
// no-op once connected.
func (e *RocketEngine) Connect(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.connected {
		return nil
	}
	if err := e.store.Connect(ctx); err != nil {
		return err
	}
	if e.relay != nil {
		if err := e.relay.Connect(ctx); err != nil {
			e.store.Close()
			return err
		}
	}
	e.connected = true
	return nil
}

// Close releases the relay and the store connections
func (e *RocketEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var firstErr error
	if e.relay != nil {
		if err := e.relay.Close(); err != nil {
			firstErr = err
		}
	}
	if err := e.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	e.connected = false
	return firstErr
}

// Register adds a handler for a job type
func (e *RocketEngine) Register(jobType string, handler core.HandlerFunc) error {
	return e.registry.Register(jobType, handler)
}

// Run connects, starts the engine and blocks until shutdown
func (e *RocketEngine) Run(ctx context.Context) error {
	if err := e.Connect(ctx); err != nil {
		return err
	}
	return e.engine.Run(ctx)
}

// Start connects and begins processing jobs
func (e *RocketEngine) Start(ctx context.Context) error {
	if err := e.Connect(ctx); err != nil {
		return err
	}
	return e.engine.Start(ctx)
}

// Stop gracefully shuts down the engine. Connections stay open until
// Close.
func (e *RocketEngine) Stop() error {
	return e.engine.Stop()
}

// MustRun starts the engine and panics on error
func (e *RocketEngine) MustRun(ctx context.Context) {
	if err := e.Run(ctx); err != nil {
		panic(fmt.Sprintf("RocketEngine.Run failed: %v", err))
	}
}

// MustStart begins processing and panics on error
func (e *RocketEngine) MustStart(ctx context.Context) {
	if err := e.Start(ctx); err != nil {
		panic(fmt.Sprintf("RocketEngine.Start failed: %v", err))
	}
}

// Health returns the engine health status
func (e *RocketEngine) Health(ctx context.Context) core.HealthStatus {
	return e.engine.Health(ctx)
}

// Component accessors

// Rocket returns the broker
func (e *RocketEngine) Rocket() *rocket.Rocket {
	return e.rocket
}

// Engine returns the process runtime
func (e *RocketEngine) Engine() *core.Engine {
	return e.engine
}

// Registry returns the handler registry
func (e *RocketEngine) Registry() *registry.Registry {
	return e.registry
}

// Relay returns the event relay, nil unless enabled
func (e *RocketEngine) Relay() *rabbitmq.Relay {
	return e.relay
}
