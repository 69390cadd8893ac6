package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"go.opentelemetry.io/otel/attribute"

	"github.com/stagecraft/stagecraft/pkg/config"
	"github.com/stagecraft/stagecraft/pkg/stores"
	"github.com/stagecraft/stagecraft/pkg/telemetry"
)

// DownOptions controls how far a teardown goes and whether the caller
// already confirmed a destructive one.
type DownOptions struct {
	// Depth selects the teardown depth.
	Depth TeardownDepth

	// Confirmed acknowledges a destroy-depth teardown. Without it the
	// destroy gate refuses with a confirmation-required error.
	Confirmed bool
}

// StageOrchestrator sequences the layers of a stage: servers, remote
// reachability, containers, then DNS. It owns the teardown gate and the
// status report; the per-server mechanics live in InfraOrchestrator.
type StageOrchestrator struct {
	project    *config.Project
	infra      *InfraOrchestrator
	containers ContainerRuntime
	probe      ReachabilityProbe
	store      stores.Store
	settings   *config.Settings
	log        *telemetry.Logger
	tracer     *telemetry.Tracer
}

// NewStageOrchestrator wires a stage orchestrator from its collaborators.
func NewStageOrchestrator(
	project *config.Project,
	infra *InfraOrchestrator,
	containers ContainerRuntime,
	probe ReachabilityProbe,
	store stores.Store,
	settings *config.Settings,
	log *telemetry.Logger,
	tracer *telemetry.Tracer,
) *StageOrchestrator {
	return &StageOrchestrator{
		project:    project,
		infra:      infra,
		containers: containers,
		probe:      probe,
		store:      store,
		settings:   settings,
		log:        log,
		tracer:     tracer,
	}
}

func (s *StageOrchestrator) stage(name string) (*config.Stage, error) {
	stage, err := s.project.Stage(name)
	if err != nil {
		return nil, NewError(KindInvalidSpec, "stage is not defined in the project", err)
	}
	return stage, nil
}

// Up converges a stage to its fully running shape. Remote stages go
// through four phases in order: servers running, servers reachable,
// containers up, DNS converged. A failure in one phase stops the later
// phases but leaves earlier progress in place; re-running resumes from
// current state. Local stages only converge containers.
func (s *StageOrchestrator) Up(ctx context.Context, stageName string) (*ConvergeResult, error) {
	stage, err := s.stage(stageName)
	if err != nil {
		return nil, err
	}

	ctx, span := s.tracer.StartStageSpan(ctx, "stage.up", stageName)
	defer span.End()

	log := s.log.WithStage(stageName)
	result := NewConvergeResult()

	if stage.IsLocal() {
		log.Info("bringing up local stage containers")
		result.Append(s.containersUp(ctx, stage))
		telemetry.RecordError(span, result.Err())
		return result, nil
	}

	log.Info("converging stage servers")
	servers, err := s.infra.EnsureRunning(ctx, stage)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	result.Merge(servers)
	if result.Err() != nil {
		log.Warn("server convergence failed; skipping containers and dns")
		telemetry.RecordError(span, result.Err())
		return result, nil
	}

	log.Info("waiting for servers to accept connections")
	s.waitReachable(ctx, stage, result)
	if result.Err() != nil {
		log.Warn("servers not reachable; skipping containers and dns")
		telemetry.RecordError(span, result.Err())
		return result, nil
	}

	log.Info("bringing up stage containers")
	out := s.containersUp(ctx, stage)
	result.Append(out)
	if out.Err != nil {
		telemetry.RecordError(span, out.Err)
		return result, nil
	}

	log.Info("converging stage dns")
	dns, err := s.infra.ConvergeDNS(ctx, stage)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	result.Merge(dns)
	telemetry.RecordError(span, result.Err())
	return result, nil
}

// Down tears a stage down to the requested depth. Containers come down
// first at every depth; suspend then powers servers off, destroy removes
// servers, their DNS records, and their state entries. Destroy requires
// explicit confirmation.
func (s *StageOrchestrator) Down(ctx context.Context, stageName string, opts DownOptions) (*ConvergeResult, error) {
	stage, err := s.stage(stageName)
	if err != nil {
		return nil, err
	}
	if err := opts.Depth.Validate(); err != nil {
		return nil, NewError(KindInvalidSpec, "invalid teardown depth", err)
	}
	if opts.Depth == DepthDestroy && !opts.Confirmed {
		return nil, NewError(KindConfirmationRequired,
			fmt.Sprintf("destroying stage %q removes its servers and dns records; re-run with confirmation", stageName), nil)
	}

	ctx, span := s.tracer.StartStageSpan(ctx, "stage.down", stageName,
		attribute.String("teardown.depth", string(opts.Depth)))
	defer span.End()

	log := s.log.WithStage(stageName).WithField("depth", string(opts.Depth))
	result := NewConvergeResult()

	log.Info("stopping stage containers")
	result.Append(s.containersDown(ctx, stage))

	if stage.IsLocal() || opts.Depth == DepthStopOnly {
		telemetry.RecordError(span, result.Err())
		return result, nil
	}

	switch opts.Depth {
	case DepthSuspend:
		log.Info("suspending stage servers")
		servers, err := s.infra.PowerOff(ctx, stage)
		if err != nil {
			telemetry.RecordError(span, err)
			return nil, err
		}
		result.Merge(servers)
	case DepthDestroy:
		log.Info("destroying stage servers")
		servers, err := s.infra.Destroy(ctx, stage)
		if err != nil {
			telemetry.RecordError(span, err)
			return nil, err
		}
		result.Merge(servers)
	}

	telemetry.RecordError(span, result.Err())
	return result, nil
}

// Status reports the live state of a stage's servers together with the
// DNS records the state store remembers converging. It never mutates.
func (s *StageOrchestrator) Status(ctx context.Context, stageName string) (*StageStatus, error) {
	stage, err := s.stage(stageName)
	if err != nil {
		return nil, err
	}

	status := &StageStatus{Stage: stageName, Local: stage.IsLocal()}
	if stage.IsLocal() {
		return status, nil
	}
	if err := s.infra.validateStage(stage); err != nil {
		return nil, err
	}

	for i := range stage.Servers {
		srv := &stage.Servers[i]
		report := ServerReport{Name: srv.Name}

		provider, err := s.infra.providers.Server(srv.Provider)
		if err != nil {
			return nil, err
		}
		key := stores.Key(srv.Provider, "server", srv.Name)
		entry, err := s.store.Get(key)
		if errors.Is(err, stores.ErrNotFound) {
			report.Status = ServerState{Status: StatusNotFound}
			status.Servers = append(status.Servers, report)
			continue
		}
		if err != nil {
			return nil, err
		}

		state, err := provider.State(ctx, Identity(entry.Identity))
		if err != nil {
			return nil, s.infra.classify(err, key, "read_status")
		}
		report.Status = state

		for rkey, rec := range entry.Records {
			rtype, name, ok := stores.SplitRecordKey(rkey)
			if !ok {
				continue
			}
			report.Records = append(report.Records, DNSRecord{
				ID:      rec.ID,
				Name:    name,
				Type:    RecordType(rtype),
				Value:   rec.Value,
				Proxied: rec.Proxied,
				TTL:     rec.TTL,
			})
		}
		status.Servers = append(status.Servers, report)
	}
	return status, nil
}

// Plan is the dry run of Up: the pending server and DNS actions for a
// stage, with no provider mutations.
func (s *StageOrchestrator) Plan(ctx context.Context, stageName string) ([]PlannedAction, error) {
	stage, err := s.stage(stageName)
	if err != nil {
		return nil, err
	}
	if stage.IsLocal() {
		return nil, nil
	}
	return s.infra.Plan(ctx, stage)
}

func (s *StageOrchestrator) containersUp(ctx context.Context, stage *config.Stage) Outcome {
	return s.containerOutcome(stage, "containers_up",
		s.containers.Up(ctx, stage.Name, stage.Services))
}

func (s *StageOrchestrator) containersDown(ctx context.Context, stage *config.Stage) Outcome {
	return s.containerOutcome(stage, "containers_down",
		s.containers.Down(ctx, stage.Name, stage.Services))
}

func (s *StageOrchestrator) containerOutcome(stage *config.Stage, op string, err error) Outcome {
	out := Outcome{ResourceKey: "containers:" + stage.Name, Operation: op}
	if err != nil {
		out.Err = NewError(KindContainerLayer, "container runtime failed", err).
			WithResource(out.ResourceKey).WithOperation(op)
	}
	return out
}

// waitReachable polls every server until its address accepts a remote
// session, appending one outcome per server.
func (s *StageOrchestrator) waitReachable(ctx context.Context, stage *config.Stage, result *ConvergeResult) {
	policy := s.infra.poll.WithDeadline(s.settings.ReachableTimeout)

	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := range stage.Servers {
		srv := &stage.Servers[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			out := s.waitServerReachable(ctx, policy, srv)
			mu.Lock()
			result.Append(out)
			mu.Unlock()
		}()
	}
	wg.Wait()
}

func (s *StageOrchestrator) waitServerReachable(ctx context.Context, policy PollPolicy, srv *config.ServerResource) Outcome {
	key := stores.Key(srv.Provider, "server", srv.Name)
	out := Outcome{ResourceKey: key, Operation: "wait_reachable"}

	entry, err := s.store.Get(key)
	if err != nil {
		out.Err = NewError(KindUnreachableTimeout, "server has no recorded address", err).
			WithResource(key).WithOperation(out.Operation)
		return out
	}
	host := entry.Addresses.IPv4
	if host == "" {
		host = entry.Addresses.IPv6
	}
	if host == "" {
		out.Err = NewError(KindUnreachableTimeout, "server has no recorded address", nil).
			WithResource(key).WithOperation(out.Operation)
		return out
	}
	addr := net.JoinHostPort(host, strconv.Itoa(srv.Port))

	err = PollUntil(ctx, policy, func(ctx context.Context) (bool, error) {
		return s.probe.Reachable(ctx, srv, addr), nil
	})
	if errors.Is(err, ErrWaitDeadline) {
		err = NewError(KindUnreachableTimeout,
			fmt.Sprintf("server %s did not become reachable within %s", addr, policy.Deadline), nil).
			WithResource(key).WithOperation(out.Operation)
	}
	out.Err = err
	return out
}
