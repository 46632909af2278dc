// Command jobcored is the composition root: it wires the bus,
// registry, durable journal, both runners, and the read-only HTTP
// surface, then runs until a signal asks it to shut down. Structure
// mirrors background-jobs-demo/main.go: construct shared state first,
// register mono modules in dependency order, start, wait for a signal,
// shut down gracefully with named operations.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/go-monolith/mono"

	"github.com/shalfeiok/mlbench-jobcore/internal/corelog"
	"github.com/shalfeiok/mlbench-jobcore/modules/bus"
	"github.com/shalfeiok/mlbench-jobcore/modules/eventstore"
	"github.com/shalfeiok/mlbench-jobcore/modules/manifest"
	"github.com/shalfeiok/mlbench-jobcore/modules/procrunner"
	"github.com/shalfeiok/mlbench-jobcore/modules/registry"
	"github.com/shalfeiok/mlbench-jobcore/modules/threadrunner"

	// modules/jobs exposes TrainModel/RegisterModelExport, which need a
	// concrete Trainer/Exporter backend (the actual ML libraries, out of
	// scope here) before they can be wired; a real deployment calls
	// jobs.RegisterModelExport(realExporter) here, before app.Start.
)

func main() {
	// Must be the first statement: if this process was re-exec'd as a
	// job child, RunChildIfRequested diverts it into child mode and
	// never returns.
	procrunner.RunChildIfRequested()

	log.Println("starting jobcore...")

	projectRoot, err := os.Getwd()
	if err != nil {
		log.Fatalf("resolve project root: %v", err)
	}
	stateDir := os.Getenv("JOBCORE_STATE_DIR")
	if stateDir == "" {
		stateDir = manifest.StateDir(projectRoot)
	}

	apiPort := 8080
	if v := os.Getenv("JOBCORE_API_PORT"); v != "" {
		fmt.Sscanf(v, "%d", &apiPort)
	}

	b := bus.New()

	// The registry subscribes to b from inside its own constructor, so
	// this call alone satisfies the "registry subscribes before any
	// runner is constructed" wiring invariant (spec.md §4.4) regardless
	// of mono's module Start ordering.
	reg := registry.New(registry.DefaultConfig(), b)

	store, err := eventstore.Open(eventstore.DefaultConfig(filepath.Join(stateDir, "events.jsonl")))
	if err != nil {
		log.Fatalf("open event journal: %v", err)
	}

	manifestWriter := manifest.New(stateDir)

	threadCfg := threadrunner.DefaultConfig()
	threadCfg.Manifest = manifestWriter
	threadRunner := threadrunner.New(threadCfg, b)

	procCfg := procrunner.DefaultConfig()
	procCfg.Manifest = manifestWriter
	procSupervisor := procrunner.New(procCfg, b)

	app, err := mono.NewMonoApplication()
	if err != nil {
		log.Fatalf("create application: %v", err)
	}

	app.Register(newRegistryModule(reg, store, b))
	app.Register(newThreadRunnerModule(threadRunner))
	app.Register(newProcRunnerModule(procSupervisor))
	app.Register(newHTTPAPIModule(reg, apiPort))

	ctx := context.Background()
	if err := app.Start(ctx); err != nil {
		log.Fatalf("start application: %v", err)
	}

	corelog.Base.Info().
		Str("state_dir", stateDir).
		Int("api_port", apiPort).
		Msg("jobcore started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Println("received shutdown signal, shutting down gracefully...")

	shutdownTimeout := 30 * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	shutdownChan := gfshutdown.GracefulShutdown(shutdownCtx, shutdownTimeout, map[string]gfshutdown.Operation{
		"application": func(ctx context.Context) error {
			return app.Stop(ctx)
		},
	})

	if exitCode := <-shutdownChan; exitCode != 0 {
		log.Printf("shutdown completed with exit code: %d", exitCode)
		os.Exit(exitCode)
	}
	log.Println("shutdown completed successfully")
}
