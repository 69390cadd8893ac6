package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/stagecraft/stagecraft/pkg/config"
	"github.com/stagecraft/stagecraft/pkg/engine"
	"github.com/stagecraft/stagecraft/pkg/providers"
	"github.com/stagecraft/stagecraft/pkg/providers/cloudflare"
	"github.com/stagecraft/stagecraft/pkg/providers/compose"
	"github.com/stagecraft/stagecraft/pkg/providers/hcloud"
	"github.com/stagecraft/stagecraft/pkg/providers/local"
	"github.com/stagecraft/stagecraft/pkg/stores"
	"github.com/stagecraft/stagecraft/pkg/telemetry"
	sshtransport "github.com/stagecraft/stagecraft/pkg/transports/ssh"
)

// app holds the wired collaborators for one command invocation. The
// state store lock is held from newApp until Close.
type app struct {
	project  *config.Project
	settings *config.Settings
	store    *stores.FileStore
	log      *telemetry.Logger
	tracer   *telemetry.Tracer
	metrics  *telemetry.Metrics
	runner   *sshtransport.Runner
	stages   *engine.StageOrchestrator
}

// newApp loads configuration, acquires the state store, and wires the
// engine with the built-in providers.
func newApp(version string) (*app, error) {
	settings, err := config.LoadSettings()
	if err != nil {
		return nil, err
	}

	telCfg := telemetry.DefaultConfig(version)
	telCfg.Logging.Level = settings.LogLevel
	if verbose {
		telCfg.Logging.Level = "debug"
	}
	telCfg.Logging.Format = settings.LogFormat
	if jsonOutput {
		telCfg.Logging.Format = "json"
	}
	telCfg.Tracing.Exporter = settings.TraceExporter

	log, err := telemetry.NewLogger(telCfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to set up logging: %w", err)
	}
	tracer, err := telemetry.NewTracer(telCfg.Tracing, telCfg.ServiceName, telCfg.ServiceVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to set up tracing: %w", err)
	}
	metrics := telemetry.NewMetrics(telCfg.Metrics)

	project, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	stateDir := settings.StateDir
	if stateDir == "" {
		stateDir = filepath.Join(filepath.Dir(configPath), ".stagecraft")
	}
	store, err := stores.Open(stateDir)
	if err != nil {
		var locked *stores.LockedError
		if errors.As(err, &locked) {
			return nil, engine.NewError(engine.KindStateStoreLocked,
				fmt.Sprintf("state store is locked by pid %d on %s",
					locked.Holder.PID, locked.Holder.Hostname), err)
		}
		return nil, err
	}

	registry := providers.NewRegistry()
	registry.RegisterServer(local.NewProvider())
	registry.RegisterServer(hcloud.NewProvider(
		hcloud.NewClient(os.Getenv("HCLOUD_TOKEN"), log)))
	registry.RegisterDNS(cloudflare.NewProvider(
		os.Getenv("CLOUDFLARE_API_TOKEN"), log))

	poll := engine.PollPolicy{
		Initial:    settings.PollInitial,
		Multiplier: settings.PollMultiplier,
		Ceiling:    settings.PollCeiling,
		Deadline:   settings.ProvisionTimeout,
	}
	infra := engine.NewInfraOrchestrator(registry, store, poll, settings.MaxParallel, log, metrics)

	runner := sshtransport.NewRunner(os.Getenv("STAGECRAFT_SSH_KEY"), log)
	containers := compose.NewRuntime(project, store, runner, filepath.Dir(configPath), log)

	stages := engine.NewStageOrchestrator(
		project, infra, containers, runner, store, settings, log, tracer)

	return &app{
		project:  project,
		settings: settings,
		store:    store,
		log:      log,
		tracer:   tracer,
		metrics:  metrics,
		runner:   runner,
		stages:   stages,
	}, nil
}

// Close releases the state store lock and flushes telemetry.
func (a *app) Close(ctx context.Context) {
	a.runner.Close()
	if err := a.store.Close(); err != nil {
		a.log.WithError(err).Warn("failed to close state store")
	}
	if err := a.tracer.Shutdown(ctx); err != nil {
		a.log.WithError(err).Warn("failed to shut down tracer")
	}
}

// reportResult prints the converge outcomes and returns an error when
// any resource failed.
func (a *app) reportResult(result *engine.ConvergeResult) error {
	for _, out := range result.Outcomes {
		log := a.log.WithRunID(result.RunID).
			WithField("resource", out.ResourceKey).
			WithField("operation", out.Operation)
		if out.Err != nil {
			log.WithError(out.Err).Error("resource failed")
			continue
		}
		log.Debug("resource converged")
	}

	if err := result.Err(); err != nil {
		return err
	}
	fmt.Printf("converged %d resources\n", len(result.Outcomes))
	return nil
}
