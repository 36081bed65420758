// Package broker implements the broker core: the lifecycle state
// machine, worker table, RPC correlation, load accounting, periodic
// timer, registry pubsub signal handling, recovery loop, and the
// create/find/ask/tell/destroy operations every client of the fleet
// ultimately goes through.
package broker

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/fleetkit/fleetd/common"
	"github.com/fleetkit/fleetd/fleetconfig"
	"github.com/fleetkit/fleetd/registry"
	"github.com/fleetkit/fleetd/router"
	"github.com/fleetkit/fleetd/worker"
)

// clockResyncEvery is how stale the registry-clock offset may get
// before the periodic timer re-reads the registry's wall clock.
const clockResyncEvery = 30 * time.Second

// workerClass is one registered worker class: its constructor and the
// cluster its instances are placed in.
type workerClass struct {
	factory func() worker.Handler
	cluster string
}

// Broker is one peer in the fleet: it hosts a set of workers, keeps
// itself registered in the shared registry, and routes Ask/Tell calls
// to whichever peer actually owns the target worker.
type Broker struct {
	cfg    *fleetconfig.Config
	id     string
	logger *zap.Logger

	reg registry.Client
	rtr *router.Router

	mu    sync.Mutex
	state State

	workers *workerTable
	rpc     *rpcTable
	addrs   *common.AddressCache
	classes map[string]workerClass

	clock func() time.Time

	// clockMu guards the registry-clock offset estimate.
	clockMu       sync.Mutex
	clockOffset   time.Duration
	lastClockSync time.Time

	// loadMu guards the aggregate-load dirty flag and the last value
	// published to cz:<cluster>.
	loadMu        sync.Mutex
	loadDirty     bool
	lastLoadValue float64

	stop chan struct{}
	done chan struct{}

	sub      registry.Subscription
	recovery recoveryState
}

// New builds a Broker. Call Register for every worker class the
// process hosts before calling Start.
func New(cfg *fleetconfig.Config, reg registry.Client) *Broker {
	logger := cfg.Logger().Named("broker")
	b := &Broker{
		cfg:     cfg,
		id:      uuid.NewString(),
		logger:  logger,
		reg:     reg,
		workers: newWorkerTable(),
		rpc:     newRPCTable(rand.Uint64()),
		addrs:   common.NewAddressCache(cfg.BrokerCacheMax, cfg.BrokerCacheMaxAge()),
		classes: make(map[string]workerClass),
		clock:   time.Now,
		state:   StateInactive,
	}
	b.logger = b.logger.With(zap.String("brokerid", b.id))
	return b
}

// ID is this broker's id, assigned at construction.
func (b *Broker) ID() string { return b.id }

// Register makes a worker class available for creation, placed in
// this broker's own cluster. Must be called before Start.
func (b *Broker) Register(name string, factory func() worker.Handler) {
	b.RegisterInCluster(name, b.cfg.ClusterName, factory)
}

// RegisterInCluster makes a worker class available for creation,
// placed in the named cluster.
func (b *Broker) RegisterInCluster(name, cluster string, factory func() worker.Handler) {
	b.classes[name] = workerClass{factory: factory, cluster: cluster}
}

func (b *Broker) setState(next State) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.state.canTransitionTo(next) {
		return newErr(KindInvalidState, "setState", fmt.Sprintf("%s -> %s not permitted", b.state, next), nil)
	}
	b.state = next
	return nil
}

// State reports the broker's current lifecycle state.
func (b *Broker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Broker) requireActive(op string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateActive {
		return newErr(KindInvalidState, op, "broker is "+b.state.String(), nil)
	}
	return nil
}

// Start transitions the broker to active: syncs the registry clock,
// opens the router listener, joins the registry, subscribes to the
// broadcast and unicast control channels, and starts the periodic
// timer. On failure at any step it unwinds what it started and
// returns to inactive.
func (b *Broker) Start(ctx context.Context) error {
	if err := b.setState(StateActivating); err != nil {
		return err
	}
	b.stop = make(chan struct{})
	b.done = make(chan struct{})

	fail := func(err error) error {
		if b.sub != nil {
			_ = b.sub.Close()
			b.sub = nil
		}
		if b.rtr != nil {
			_ = b.rtr.Close()
			b.rtr = nil
		}
		close(b.done)
		b.mu.Lock()
		b.state = StateInactive
		b.mu.Unlock()
		return err
	}

	b.syncRegistryClock(ctx)

	rtr := router.New(router.Config{SocketTimeout: b.cfg.SocketTimeout()}, router.Handlers{
		OnRequest:    b.onRequest,
		OnResponse:   b.onResponse,
		OnDisconnect: b.onDisconnect,
	}, b.logger)
	port, err := rtr.Listen(addrHost(b.cfg.Addr))
	if err != nil {
		b.rtr = rtr
		return fail(newErr(KindRegistryFault, "Start", "failed to open router listener", err))
	}
	b.rtr = rtr
	addr := fmt.Sprintf("%s:%d", addrHost(b.cfg.Addr), port)

	hashKey := common.HashKey(b.id)
	if err := b.reg.Join(ctx, b.id, b.cfg.ChannelPrefix, b.workers.totalLoad(), b.cfg.ClusterName, addr, hashKey); err != nil {
		return fail(newErr(KindRegistryFault, "Start", "join failed", err))
	}

	keys := registry.NewKeys(b.cfg.Namespace)
	sub, err := b.reg.Subscribe(ctx,
		keys.BroadcastChannel(b.cfg.ChannelPrefix),
		keys.UnicastChannel(b.cfg.ChannelPrefix, b.id),
	)
	if err != nil {
		return fail(newErr(KindRegistryFault, "Start", "subscribe failed", err))
	}
	b.sub = sub
	go b.signalLoop(sub)

	if err := b.setState(StateActive); err != nil {
		return fail(err)
	}

	go b.timerLoop()
	b.logger.Info("broker active", zap.String("addr", addr), zap.String("cluster", b.cfg.ClusterName))
	return nil
}

// Stop runs the destroy sequence: invokes OnDestroy on every local
// worker with a SYSTEM cause, closes the router, removes itself from
// the cluster's load and ring sets, unsubscribes, salvages its own
// remaining workers (recoverably or not, per cfg.RecoverWorkersOnStop),
// stops the periodic timer, clears the address cache, and transitions
// to destroyed.
func (b *Broker) Stop() {
	b.stopWithRecover(b.cfg.RecoverWorkersOnStop)
}

func (b *Broker) stopWithRecover(recoverWorkers bool) {
	if err := b.setState(StateDestroying); err != nil {
		b.logger.Warn("stop called from unexpected state", zap.Error(err))
		return
	}

	ctx := context.Background()
	var errs error
	for _, id := range b.workers.ids() {
		e, ok := b.workers.get(id)
		if !ok {
			continue
		}
		e.setState(workerDestroying)
		e.hookMu.Lock()
		if err := e.handler.OnDestroy(ctx, e.agent, worker.DestroyInfo{Cause: worker.DestroySystem}); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("OnDestroy(%s): %w", id, err))
		}
		e.hookMu.Unlock()
		e.setState(workerDestroyed)
	}

	if b.rtr != nil {
		_ = b.rtr.Close()
	}

	keys := registry.NewKeys(b.cfg.Namespace)
	if err := b.reg.ZRem(ctx, keys.CZ(b.cfg.ClusterName), b.id); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("remove self from cz: %w", err))
	}
	if err := b.reg.ZRem(ctx, keys.BZ(b.cfg.ClusterName), b.id); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("remove self from bz: %w", err))
	}

	if b.sub != nil {
		_ = b.sub.Close()
	}

	salvageMode := registry.SalvageSelfDiscard
	if recoverWorkers {
		salvageMode = registry.SalvageSelfRecoverable
	}
	if err := b.reg.Salvage(ctx, b.id, salvageMode); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("self salvage: %w", err))
	}

	close(b.stop)
	<-b.done

	b.rpc.cancelAll("Unreachable", "broker stopped")
	b.addrs.Clear()
	_ = b.setState(StateDestroyed)

	if errs != nil {
		b.logger.Warn("stop completed with errors", zap.Error(errs))
	}
}

// Done closes when the broker's background loops have exited.
func (b *Broker) Done() <-chan struct{} { return b.done }

// syncRegistryClock re-reads the registry server's wall clock and
// records the offset from the local clock, so TTL decisions made with
// a caller-supplied "now" stay consistent across brokers.
func (b *Broker) syncRegistryClock(ctx context.Context) {
	sec, usec, err := b.reg.Time(ctx)
	if err != nil {
		b.logger.Warn("registry clock sync failed", zap.Error(err))
		return
	}
	registryNow := time.Unix(sec, usec*1000)
	local := b.clock()
	b.clockMu.Lock()
	b.clockOffset = registryNow.Sub(local)
	b.lastClockSync = local
	b.clockMu.Unlock()
}

// registryNow is the current time as the registry sees it, per the
// last synced offset.
func (b *Broker) registryNow() time.Time {
	b.clockMu.Lock()
	defer b.clockMu.Unlock()
	return b.clock().Add(b.clockOffset)
}

// markLoadDirty flags the aggregate load for recomputation at the
// next timer tick.
func (b *Broker) markLoadDirty() {
	b.loadMu.Lock()
	b.loadDirty = true
	b.loadMu.Unlock()
}

// publishLoad writes the current aggregate to cz:<cluster>, skipping
// the write when the value hasn't moved. Failure is logged only; the
// next dirty tick retries.
func (b *Broker) publishLoad(ctx context.Context, load float64) {
	b.loadMu.Lock()
	unchanged := load == b.lastLoadValue
	b.loadMu.Unlock()
	if unchanged {
		return
	}
	keys := registry.NewKeys(b.cfg.Namespace)
	if err := b.reg.ZAdd(ctx, keys.CZ(b.cfg.ClusterName), load, b.id); err != nil {
		b.logger.Warn("load publish failed", zap.Error(err))
		return
	}
	b.loadMu.Lock()
	b.lastLoadValue = load
	b.loadMu.Unlock()
}

// timerLoop is the broker's 1s periodic tick: re-syncs the registry
// clock when the offset estimate is stale, sweeps timed-out RPCs,
// republishes aggregate load iff any worker's load changed since the
// last tick, and drives the health-check countdown.
func (b *Broker) timerLoop() {
	defer close(b.done)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	healthCountdown := b.cfg.HealthCheckIntervalSeconds

	for {
		select {
		case <-b.stop:
			return
		case now := <-ticker.C:
			b.clockMu.Lock()
			stale := b.clock().Sub(b.lastClockSync) >= clockResyncEvery
			b.clockMu.Unlock()
			if stale {
				b.syncRegistryClock(context.Background())
			}

			b.rpc.sweepTimeouts(now)

			b.loadMu.Lock()
			dirty := b.loadDirty
			b.loadDirty = false
			b.loadMu.Unlock()
			if dirty {
				b.publishLoad(context.Background(), b.workers.totalLoad())
			}

			if b.cfg.HealthCheckIntervalSeconds > 0 {
				healthCountdown--
				if healthCountdown <= 0 {
					healthCountdown = b.cfg.HealthCheckIntervalSeconds
					b.runHealthCheck()
				}
			}
		}
	}
}

func (b *Broker) runHealthCheck() {
	res, err := b.reg.HealthCheck(context.Background(), b.id, b.cfg.ClusterName)
	if err != nil {
		b.logger.Warn("healthCheck failed", zap.Error(err))
		return
	}
	switch res.Code {
	case 1:
		b.logger.Debug("healthCheck issued salvage", zap.String("message", res.Message))
	case 2:
		b.logger.Warn("healthCheck cleaned up ring", zap.String("message", res.Message))
	}
}

func addrHost(addr string) string {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			return addr[:i]
		}
	}
	return addr
}
