package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/stagecraft/stagecraft/pkg/config"
	"github.com/stagecraft/stagecraft/pkg/stores"
	"github.com/stagecraft/stagecraft/pkg/telemetry"
)

// InfraOrchestrator drives provider and DNS implementations to realize
// the desired server and DNS state for a stage. Servers in a stage
// converge in parallel; operations on a single identity are serialized.
type InfraOrchestrator struct {
	providers   ProviderLookup
	store       stores.Store
	poll        PollPolicy
	maxParallel int
	locks       *keyMutex
	log         *telemetry.Logger
	metrics     *telemetry.Metrics
}

// NewInfraOrchestrator creates an infra orchestrator. The store handle
// must already hold the project lock.
func NewInfraOrchestrator(
	providers ProviderLookup,
	store stores.Store,
	poll PollPolicy,
	maxParallel int,
	log *telemetry.Logger,
	metrics *telemetry.Metrics,
) *InfraOrchestrator {
	if maxParallel <= 0 {
		maxParallel = 4
	}
	return &InfraOrchestrator{
		providers:   providers,
		store:       store,
		poll:        poll,
		maxParallel: maxParallel,
		locks:       newKeyMutex(),
		log:         log,
		metrics:     metrics,
	}
}

// validateStage resolves every provider identifier the stage references.
// Unknown identifiers abort the whole operation before anything is
// attempted.
func (o *InfraOrchestrator) validateStage(stage *config.Stage) error {
	for i := range stage.Servers {
		srv := &stage.Servers[i]
		if _, err := o.providers.Server(srv.Provider); err != nil {
			return NewError(KindInvalidSpec,
				fmt.Sprintf("unknown server provider %q", srv.Provider), err).
				WithResource(stores.Key(srv.Provider, "server", srv.Name))
		}
		if srv.DNS != nil {
			if _, err := o.providers.DNS(srv.DNS.Provider); err != nil {
				return NewError(KindInvalidSpec,
					fmt.Sprintf("unknown dns provider %q", srv.DNS.Provider), err).
					WithResource(stores.Key(srv.Provider, "server", srv.Name))
			}
		}
	}
	return nil
}

// forEachServer runs fn for every server in the stage with bounded
// parallelism, collecting outcomes without short-circuiting.
func (o *InfraOrchestrator) forEachServer(
	ctx context.Context,
	stage *config.Stage,
	result *ConvergeResult,
	fn func(ctx context.Context, srv *config.ServerResource) []Outcome,
) {
	workers := o.maxParallel
	if len(stage.Servers) < workers {
		workers = len(stage.Servers)
	}

	work := make(chan *config.ServerResource, len(stage.Servers))
	for i := range stage.Servers {
		work <- &stage.Servers[i]
	}
	close(work)

	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for srv := range work {
				outcomes := fn(ctx, srv)
				mu.Lock()
				for _, out := range outcomes {
					result.Append(out)
				}
				mu.Unlock()

				select {
				case <-ctx.Done():
					return
				default:
				}
			}
		}()
	}
	wg.Wait()
}

// EnsureRunning is the single idempotent entry point that brings every
// server in the stage to Running. Absent servers are created, stopped
// servers powered on, running servers left alone.
func (o *InfraOrchestrator) EnsureRunning(ctx context.Context, stage *config.Stage) (*ConvergeResult, error) {
	if err := o.validateStage(stage); err != nil {
		return nil, err
	}

	result := NewConvergeResult()
	o.forEachServer(ctx, stage, result, func(ctx context.Context, srv *config.ServerResource) []Outcome {
		return []Outcome{o.ensureServer(ctx, srv)}
	})
	return result, nil
}

// ensureServer converges one server to Running and records its identity
// and addresses in the state store.
func (o *InfraOrchestrator) ensureServer(ctx context.Context, srv *config.ServerResource) Outcome {
	key := stores.Key(srv.Provider, "server", srv.Name)
	unlock := o.locks.Lock(key)
	defer unlock()

	log := o.log.WithServer(srv.Name)
	provider, err := o.providers.Server(srv.Provider)
	if err != nil {
		return Outcome{ResourceKey: key, Operation: "create", Err: err}
	}

	id, state, err := o.currentState(ctx, provider, key)
	if err != nil {
		return Outcome{ResourceKey: key, Operation: "read_status", Err: err}
	}

	op := "noop"
	if id == "" || state.Status == StatusNotFound {
		op = "create"
		log.Info("creating server")
		id, err = o.timedCreate(ctx, provider, srv)
		if err != nil {
			return Outcome{ResourceKey: key, Operation: op, Err: o.classify(err, key, op)}
		}
		if err := o.store.Put(&stores.StateEntry{Key: key, Identity: string(id)}); err != nil {
			return Outcome{ResourceKey: key, Operation: op, Err: err}
		}
	} else if state.Status == StatusStopped {
		op = "power_on"
		log.Info("powering on server")
		if err := provider.PowerOn(ctx, id); err != nil {
			return Outcome{ResourceKey: key, Operation: op, Err: o.classify(err, key, op)}
		}
	}

	final, err := o.waitForRunning(ctx, provider, id)
	if err != nil {
		return Outcome{ResourceKey: key, Operation: op, Err: o.classify(err, key, op)}
	}

	entry, getErr := o.store.Get(key)
	if getErr != nil {
		entry = &stores.StateEntry{Key: key, Identity: string(id)}
	}
	entry.Identity = string(id)
	entry.Addresses = stores.Addresses{IPv4: final.IPv4, IPv6: final.IPv6}
	if err := o.store.Put(entry); err != nil {
		return Outcome{ResourceKey: key, Operation: op, Err: err}
	}

	log.WithField("status", string(final.Status)).Debug("server converged")
	return Outcome{ResourceKey: key, Operation: op}
}

// currentState resolves the stored identity, if any, and queries the
// provider for its live state.
func (o *InfraOrchestrator) currentState(ctx context.Context, provider ServerProvider, key string) (Identity, ServerState, error) {
	entry, err := o.store.Get(key)
	if errors.Is(err, stores.ErrNotFound) {
		return "", ServerState{Status: StatusNotFound}, nil
	}
	if err != nil {
		return "", ServerState{}, err
	}

	id := Identity(entry.Identity)
	state, err := o.timedState(ctx, provider, id)
	if err != nil {
		return id, ServerState{}, o.classify(err, key, "read_status")
	}
	return id, state, nil
}

// waitForRunning polls the provider until the server reports Running.
// A stopping server is allowed to settle and is powered back on.
func (o *InfraOrchestrator) waitForRunning(ctx context.Context, provider ServerProvider, id Identity) (ServerState, error) {
	var last ServerState
	err := PollUntil(ctx, o.poll, func(ctx context.Context) (bool, error) {
		state, err := o.timedState(ctx, provider, id)
		if err != nil {
			return false, err
		}
		last = state
		switch state.Status {
		case StatusRunning:
			return true, nil
		case StatusStopped:
			if err := provider.PowerOn(ctx, id); err != nil {
				return false, err
			}
			return false, nil
		case StatusStarting, StatusStopping:
			return false, nil
		case StatusNotFound:
			return false, NewError(KindProviderUnavailable, "server disappeared while waiting", nil)
		default:
			return false, nil
		}
	})
	if errors.Is(err, ErrWaitDeadline) {
		return last, NewError(KindProvisionTimeout,
			fmt.Sprintf("server did not reach running within %s", o.poll.Deadline), nil)
	}
	return last, err
}

// ConvergeDNS converges the primary address records and CNAME aliases
// for every server in the stage. It requires the servers to have been
// converged first: the addresses come from the state store. Per-record
// failures do not abort the remaining records.
func (o *InfraOrchestrator) ConvergeDNS(ctx context.Context, stage *config.Stage) (*ConvergeResult, error) {
	if err := o.validateStage(stage); err != nil {
		return nil, err
	}

	result := NewConvergeResult()
	o.forEachServer(ctx, stage, result, func(ctx context.Context, srv *config.ServerResource) []Outcome {
		if srv.DNS == nil {
			return nil
		}
		return o.convergeServerDNS(ctx, srv)
	})
	return result, nil
}

// convergeServerDNS converges one server's records in order: primary
// address records first, aliases after. The alias ordering dependency is
// structural, a CNAME target must exist before the alias.
func (o *InfraOrchestrator) convergeServerDNS(ctx context.Context, srv *config.ServerResource) []Outcome {
	spec := srv.DNS
	serverKey := stores.Key(srv.Provider, "server", srv.Name)
	unlock := o.locks.Lock(serverKey)
	defer unlock()

	dns, err := o.providers.DNS(spec.Provider)
	if err != nil {
		return []Outcome{{ResourceKey: serverKey, Operation: "ensure_record", Err: err}}
	}

	entry, err := o.store.Get(serverKey)
	if err != nil {
		return []Outcome{{
			ResourceKey: serverKey,
			Operation:   "ensure_record",
			Err: NewError(KindDNSConvergence,
				"server has no state entry; converge servers before dns", err).
				WithResource(serverKey),
		}}
	}

	opts := RecordOptions{Proxied: spec.Proxied, TTL: spec.TTL}
	var outcomes []Outcome
	primaryOK := true

	ensure := func(name string, rtype RecordType, value string) Outcome {
		recordKey := stores.Key(spec.Provider, "dns", string(rtype)+":"+name)
		start := time.Now()
		record, err := dns.EnsureRecord(ctx, spec.Zone, name, rtype, value, opts)
		o.metrics.ObserveProviderCall(spec.Provider, "ensure_record", time.Since(start), err)
		if err != nil {
			return Outcome{
				ResourceKey: recordKey,
				Operation:   "ensure_record",
				Err: NewError(KindDNSConvergence, "failed to converge record", err).
					WithResource(recordKey).WithOperation("ensure_record"),
			}
		}
		if entry.Records == nil {
			entry.Records = make(map[string]stores.RecordState)
		}
		entry.Records[stores.RecordKey(string(rtype), name)] = stores.RecordState{
			ID:      record.ID,
			Value:   record.Value,
			TTL:     record.TTL,
			Proxied: record.Proxied,
		}
		return Outcome{ResourceKey: recordKey, Operation: "ensure_record"}
	}

	if entry.Addresses.IPv4 != "" {
		out := ensure(spec.Name, RecordA, entry.Addresses.IPv4)
		outcomes = append(outcomes, out)
		primaryOK = primaryOK && out.Err == nil
	}
	if entry.Addresses.IPv6 != "" {
		out := ensure(spec.Name, RecordAAAA, entry.Addresses.IPv6)
		outcomes = append(outcomes, out)
		primaryOK = primaryOK && out.Err == nil
	}
	if entry.Addresses.IPv4 == "" && entry.Addresses.IPv6 == "" {
		return append(outcomes, Outcome{
			ResourceKey: serverKey,
			Operation:   "ensure_record",
			Err: NewError(KindDNSConvergence,
				"server address unknown; converge servers before dns", nil).
				WithResource(serverKey),
		})
	}

	// Aliases only once their target exists.
	if primaryOK {
		for _, alias := range spec.Aliases {
			outcomes = append(outcomes, ensure(alias, RecordCNAME, spec.Name))
		}
	}

	if err := o.store.Put(entry); err != nil {
		outcomes = append(outcomes, Outcome{ResourceKey: serverKey, Operation: "ensure_record", Err: err})
	}
	return outcomes
}

// PowerOff suspends every server in the stage, waiting for each to
// settle in Stopped.
func (o *InfraOrchestrator) PowerOff(ctx context.Context, stage *config.Stage) (*ConvergeResult, error) {
	if err := o.validateStage(stage); err != nil {
		return nil, err
	}

	result := NewConvergeResult()
	o.forEachServer(ctx, stage, result, func(ctx context.Context, srv *config.ServerResource) []Outcome {
		return []Outcome{o.powerOffServer(ctx, srv)}
	})
	return result, nil
}

func (o *InfraOrchestrator) powerOffServer(ctx context.Context, srv *config.ServerResource) Outcome {
	key := stores.Key(srv.Provider, "server", srv.Name)
	unlock := o.locks.Lock(key)
	defer unlock()

	provider, err := o.providers.Server(srv.Provider)
	if err != nil {
		return Outcome{ResourceKey: key, Operation: "power_off", Err: err}
	}

	id, state, err := o.currentState(ctx, provider, key)
	if err != nil {
		return Outcome{ResourceKey: key, Operation: "power_off", Err: err}
	}
	if id == "" || state.Status == StatusNotFound || state.Status == StatusStopped {
		return Outcome{ResourceKey: key, Operation: "power_off"}
	}

	o.log.WithServer(srv.Name).Info("powering off server")
	if err := provider.PowerOff(ctx, id); err != nil {
		return Outcome{ResourceKey: key, Operation: "power_off", Err: o.classify(err, key, "power_off")}
	}

	err = PollUntil(ctx, o.poll, func(ctx context.Context) (bool, error) {
		state, err := o.timedState(ctx, provider, id)
		if err != nil {
			return false, err
		}
		return state.Status == StatusStopped || state.Status == StatusNotFound, nil
	})
	if errors.Is(err, ErrWaitDeadline) {
		err = NewError(KindProvisionTimeout,
			fmt.Sprintf("server did not stop within %s", o.poll.Deadline), nil)
	}
	if err != nil {
		return Outcome{ResourceKey: key, Operation: "power_off", Err: o.classify(err, key, "power_off")}
	}
	return Outcome{ResourceKey: key, Operation: "power_off"}
}

// Destroy removes every server in the stage along with its DNS records
// and state entries. DNS removal precedes server destroy; alias removal
// precedes primary-record removal. Destroy tolerates absent resources so
// a partially failed prior run can be re-run safely.
func (o *InfraOrchestrator) Destroy(ctx context.Context, stage *config.Stage) (*ConvergeResult, error) {
	if err := o.validateStage(stage); err != nil {
		return nil, err
	}

	result := NewConvergeResult()
	o.forEachServer(ctx, stage, result, func(ctx context.Context, srv *config.ServerResource) []Outcome {
		return o.destroyServer(ctx, srv)
	})
	return result, nil
}

func (o *InfraOrchestrator) destroyServer(ctx context.Context, srv *config.ServerResource) []Outcome {
	key := stores.Key(srv.Provider, "server", srv.Name)
	unlock := o.locks.Lock(key)
	defer unlock()

	var outcomes []Outcome

	entry, err := o.store.Get(key)
	if errors.Is(err, stores.ErrNotFound) {
		return []Outcome{{ResourceKey: key, Operation: "destroy"}}
	}
	if err != nil {
		return []Outcome{{ResourceKey: key, Operation: "destroy", Err: err}}
	}

	if srv.DNS != nil {
		outcomes = append(outcomes, o.removeServerDNS(ctx, srv, entry)...)
	}

	provider, err := o.providers.Server(srv.Provider)
	if err != nil {
		return append(outcomes, Outcome{ResourceKey: key, Operation: "destroy", Err: err})
	}

	o.log.WithServer(srv.Name).Info("destroying server")
	start := time.Now()
	err = provider.Destroy(ctx, Identity(entry.Identity))
	o.metrics.ObserveProviderCall(srv.Provider, "destroy", time.Since(start), err)
	if err != nil {
		return append(outcomes, Outcome{ResourceKey: key, Operation: "destroy", Err: o.classify(err, key, "destroy")})
	}

	if err := o.store.Remove(key); err != nil {
		return append(outcomes, Outcome{ResourceKey: key, Operation: "destroy", Err: err})
	}
	return append(outcomes, Outcome{ResourceKey: key, Operation: "destroy"})
}

// removeServerDNS removes the records the state entry remembers
// converging, alias records before the primary records, the reverse of
// create order. Records the engine never wrote are left alone.
func (o *InfraOrchestrator) removeServerDNS(ctx context.Context, srv *config.ServerResource, entry *stores.StateEntry) []Outcome {
	spec := srv.DNS
	dns, err := o.providers.DNS(spec.Provider)
	if err != nil {
		return []Outcome{{ResourceKey: entry.Key, Operation: "remove_record", Err: err}}
	}

	var aliases, primaries []string
	for rkey := range entry.Records {
		rtype, _, ok := stores.SplitRecordKey(rkey)
		if !ok {
			continue
		}
		if RecordType(rtype) == RecordCNAME {
			aliases = append(aliases, rkey)
		} else {
			primaries = append(primaries, rkey)
		}
	}
	sort.Strings(aliases)
	sort.Strings(primaries)

	remove := func(rkey string) Outcome {
		rtype, name, _ := stores.SplitRecordKey(rkey)
		recordKey := stores.Key(spec.Provider, "dns", rtype+":"+name)
		start := time.Now()
		err := dns.RemoveRecord(ctx, spec.Zone, name, RecordType(rtype))
		o.metrics.ObserveProviderCall(spec.Provider, "remove_record", time.Since(start), err)
		if err != nil {
			return Outcome{
				ResourceKey: recordKey,
				Operation:   "remove_record",
				Err: NewError(KindDNSConvergence, "failed to remove record", err).
					WithResource(recordKey).WithOperation("remove_record"),
			}
		}
		delete(entry.Records, rkey)
		return Outcome{ResourceKey: recordKey, Operation: "remove_record"}
	}

	var outcomes []Outcome
	for _, rkey := range aliases {
		outcomes = append(outcomes, remove(rkey))
	}
	for _, rkey := range primaries {
		outcomes = append(outcomes, remove(rkey))
	}
	return outcomes
}

// Plan computes the pending actions EnsureRunning and ConvergeDNS would
// take, without any mutating provider calls. DNS diffing uses the state
// store's last-committed view; the apply path re-checks live records.
func (o *InfraOrchestrator) Plan(ctx context.Context, stage *config.Stage) ([]PlannedAction, error) {
	if err := o.validateStage(stage); err != nil {
		return nil, err
	}

	var actions []PlannedAction
	for i := range stage.Servers {
		srv := &stage.Servers[i]
		key := stores.Key(srv.Provider, "server", srv.Name)

		provider, err := o.providers.Server(srv.Provider)
		if err != nil {
			return nil, err
		}
		id, state, err := o.currentState(ctx, provider, key)
		if err != nil {
			return nil, err
		}

		switch {
		case id == "" || state.Status == StatusNotFound:
			actions = append(actions, PlannedAction{ResourceKey: key, Action: ActionCreate, Reason: "server does not exist"})
		case state.Status == StatusStopped:
			actions = append(actions, PlannedAction{ResourceKey: key, Action: ActionPowerOn, Reason: "server is stopped"})
		case state.Status.IsTransitional():
			actions = append(actions, PlannedAction{ResourceKey: key, Action: ActionWait, Reason: fmt.Sprintf("server is %s", state.Status)})
		default:
			actions = append(actions, PlannedAction{ResourceKey: key, Action: ActionNoop, Reason: "server is running"})
		}

		if srv.DNS != nil {
			actions = append(actions, o.planServerDNS(srv, key, state)...)
		}
	}
	return actions, nil
}

func (o *InfraOrchestrator) planServerDNS(srv *config.ServerResource, serverKey string, state ServerState) []PlannedAction {
	spec := srv.DNS
	entry, err := o.store.Get(serverKey)

	recorded := func(rtype RecordType, name string) bool {
		if err != nil || entry.Records == nil {
			return false
		}
		_, ok := entry.Records[stores.RecordKey(string(rtype), name)]
		return ok
	}

	var actions []PlannedAction
	plan := func(name string, rtype RecordType, value string) {
		key := stores.Key(spec.Provider, "dns", string(rtype)+":"+name)
		if recorded(rtype, name) {
			actions = append(actions, PlannedAction{ResourceKey: key, Action: ActionNoop, Reason: "record previously converged"})
			return
		}
		reason := fmt.Sprintf("%s %s -> %s", rtype, name, value)
		actions = append(actions, PlannedAction{ResourceKey: key, Action: ActionEnsureRecord, Reason: reason})
	}

	target := state.IPv4
	if target == "" && err == nil {
		target = entry.Addresses.IPv4
	}
	if target == "" {
		target = "<pending server address>"
	}
	plan(spec.Name, RecordA, target)

	// The apply path ensures an AAAA record whenever the server has an
	// IPv6 address; the plan mirrors it.
	target6 := state.IPv6
	if target6 == "" && err == nil {
		target6 = entry.Addresses.IPv6
	}
	if target6 != "" {
		plan(spec.Name, RecordAAAA, target6)
	}

	for _, alias := range spec.Aliases {
		plan(alias, RecordCNAME, spec.Name)
	}
	return actions
}

// classify wraps raw provider errors with resource and operation context.
func (o *InfraOrchestrator) classify(err error, key, op string) error {
	var e *EngineError
	if errors.As(err, &e) {
		if e.ResourceKey == "" {
			e.ResourceKey = key
		}
		if e.Operation == "" {
			e.Operation = op
		}
		return e
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return NewError(KindProviderUnavailable, "provider call failed", err).
		WithResource(key).WithOperation(op)
}

func (o *InfraOrchestrator) timedCreate(ctx context.Context, provider ServerProvider, srv *config.ServerResource) (Identity, error) {
	start := time.Now()
	id, err := provider.Create(ctx, srv)
	o.metrics.ObserveProviderCall(provider.Name(), "create", time.Since(start), err)
	return id, err
}

func (o *InfraOrchestrator) timedState(ctx context.Context, provider ServerProvider, id Identity) (ServerState, error) {
	start := time.Now()
	state, err := provider.State(ctx, id)
	o.metrics.ObserveProviderCall(provider.Name(), "read_status", time.Since(start), err)
	return state, err
}
