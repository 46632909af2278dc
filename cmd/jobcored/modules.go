// The Module wrappers below adapt already-constructed components (bus,
// registry, event store, runners, HTTP surface) to mono.Module's plain
// Name/Start/Stop lifecycle, mirroring the teacher's worker.Module and
// api.Module shape. Every cross-module wire-up (registry, bus, runner
// handles) happens by ordinary constructor injection in main(), before
// any module is registered: this codebase never needs mono's
// NATS-backed ServiceContainer pub/sub, since modules/bus already
// covers in-process cross-module events. DependentModule is
// deliberately not implemented for that reason.
package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/shalfeiok/mlbench-jobcore/internal/corelog"
	"github.com/shalfeiok/mlbench-jobcore/modules/bus"
	"github.com/shalfeiok/mlbench-jobcore/modules/eventstore"
	"github.com/shalfeiok/mlbench-jobcore/modules/httpapi"
	"github.com/shalfeiok/mlbench-jobcore/modules/procrunner"
	"github.com/shalfeiok/mlbench-jobcore/modules/registry"
	"github.com/shalfeiok/mlbench-jobcore/modules/threadrunner"

	"github.com/gofiber/fiber/v2"
)

// registryModule owns the registry and its durable journal. Its Start
// replays prior history before subscribing the store to live events, so
// replay can never race a freshly-submitted job's events (spec.md §4.5,
// §9 "Append-only journal + replay").
type registryModule struct {
	reg   *registry.Registry
	store *eventstore.Store
	bus   *bus.Bus
	log   zerolog.Logger
}

func newRegistryModule(reg *registry.Registry, store *eventstore.Store, b *bus.Bus) *registryModule {
	return &registryModule{reg: reg, store: store, bus: b, log: corelog.Component("cmd/registry")}
}

func (m *registryModule) Name() string { return "registry" }

func (m *registryModule) Start(_ context.Context) error {
	events, err := m.store.Load()
	if err != nil {
		return fmt.Errorf("registry module: load journal: %w", err)
	}
	applied := m.reg.Replay(events)
	m.log.Info().Int("events_read", len(events)).Int("events_applied", applied).Msg("replayed journal")

	// SubscribeAll runs after replay so replayed history can never be
	// mistaken for freshly-published events needing persistence.
	m.store.SubscribeAll(m.bus)
	return nil
}

func (m *registryModule) Stop(_ context.Context) error {
	return m.store.Close()
}

// threadRunnerModule wraps threadrunner.Runner's lifecycle.
type threadRunnerModule struct {
	runner *threadrunner.Runner
}

func newThreadRunnerModule(r *threadrunner.Runner) *threadRunnerModule {
	return &threadRunnerModule{runner: r}
}

func (m *threadRunnerModule) Name() string { return "threadrunner" }

func (m *threadRunnerModule) Start(_ context.Context) error {
	return m.runner.Start()
}

func (m *threadRunnerModule) Stop(ctx context.Context) error {
	return m.runner.Stop(ctx)
}

// procRunnerModule wraps procrunner.Supervisor's lifecycle.
type procRunnerModule struct {
	supervisor *procrunner.Supervisor
}

func newProcRunnerModule(s *procrunner.Supervisor) *procRunnerModule {
	return &procRunnerModule{supervisor: s}
}

func (m *procRunnerModule) Name() string { return "procrunner" }

func (m *procRunnerModule) Start(_ context.Context) error {
	return m.supervisor.Start()
}

func (m *procRunnerModule) Stop(ctx context.Context) error {
	return m.supervisor.Stop(ctx)
}

// httpAPIModule serves the read-only job status surface over Fiber.
type httpAPIModule struct {
	app  *fiber.App
	port int
	log  zerolog.Logger
}

func newHTTPAPIModule(reg *registry.Registry, port int) *httpAPIModule {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error":   "internal_error",
				"message": "an unexpected error occurred",
			})
		},
	})
	httpapi.NewHandler(reg).RegisterRoutes(app)

	return &httpAPIModule{app: app, port: port, log: corelog.Component("cmd/httpapi")}
}

func (m *httpAPIModule) Name() string { return "httpapi" }

func (m *httpAPIModule) Start(_ context.Context) error {
	addr := fmt.Sprintf(":%d", m.port)
	go func() {
		if err := m.app.Listen(addr); err != nil {
			m.log.Warn().Err(err).Msg("http server stopped")
		}
	}()
	m.log.Info().Str("addr", addr).Msg("http status surface listening")
	return nil
}

func (m *httpAPIModule) Stop(_ context.Context) error {
	return m.app.Shutdown()
}
