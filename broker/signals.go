package broker

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/fleetkit/fleetd/registry"
)

// recoveryState single-flights the recovery loop: a recover signal
// that arrives while a batch is already running just marks the run
// dirty instead of spawning a second concurrent pass.
type recoveryState struct {
	mu      sync.Mutex
	running bool
	dirty   bool
}

// signalLoop dispatches control-plane pubsub messages: recover kicks
// off the single-flight recovery loop, salvage asks the registry to
// reclaim a named dead peer's workers and then recovers, restart
// destroys this broker (no salvage) and starts it again. Empty
// payloads are liveness probes and are ignored.
func (b *Broker) signalLoop(sub registry.Subscription) {
	for msg := range sub.Messages() {
		if msg.Payload == "" {
			continue
		}
		var sig registry.Signal
		if err := json.Unmarshal([]byte(msg.Payload), &sig); err != nil {
			b.logger.Warn("malformed control signal", zap.String("channel", msg.Channel), zap.Error(err))
			continue
		}
		switch sig.Sig {
		case registry.SigRecover:
			b.triggerRecovery()
		case registry.SigSalvage:
			if sig.BrokerID != "" && sig.BrokerID != b.id {
				if err := b.reg.Salvage(context.Background(), sig.BrokerID, registry.SalvagePeer); err != nil {
					b.logger.Warn("salvage failed", zap.String("target", sig.BrokerID), zap.Error(err))
				}
				b.triggerRecovery()
			}
		case registry.SigRestart:
			b.logger.Info("restarting on signal")
			go b.restart()
		default:
			b.logger.Debug("ignoring unknown signal", zap.String("sig", sig.Sig))
		}
	}
}

// restart destroys this broker without salvaging its workers into the
// recovery set, then starts it again with the same id and
// registrations.
func (b *Broker) restart() {
	b.stopWithRecover(false)
	if err := b.Start(context.Background()); err != nil {
		b.logger.Error("restart failed", zap.Error(err))
	}
}

func (b *Broker) triggerRecovery() {
	b.recovery.mu.Lock()
	if b.recovery.running {
		b.recovery.dirty = true
		b.recovery.mu.Unlock()
		return
	}
	b.recovery.running = true
	b.recovery.mu.Unlock()
	go b.runRecovery()
}

// runRecovery drains rz in batches of cfg.BatchReadSize, repeating
// while either the last fetch left entries behind or a recover signal
// arrived mid-run: a single full drain would race a concurrent
// recover broadcast into fetching the same entries twice.
func (b *Broker) runRecovery() {
	for {
		remaining := b.recoverBatch()

		b.recovery.mu.Lock()
		dirty := b.recovery.dirty
		b.recovery.dirty = false
		if remaining > 0 || dirty {
			b.recovery.mu.Unlock()
			continue
		}
		b.recovery.running = false
		b.recovery.mu.Unlock()
		return
	}
}

// recoverBatch fetches up to cfg.BatchReadSize entries off rz and
// re-creates each on this broker. Per-worker failures are logged and
// swallowed so one bad record cannot stall the loop.
func (b *Broker) recoverBatch() int64 {
	ctx := context.Background()
	now := b.registryNow().UnixMilli()
	batch := b.cfg.BatchReadSize
	if batch <= 0 {
		batch = 1
	}
	records, remaining, err := b.reg.FetchForRecovery(ctx, now, int64(b.cfg.TTLMilliseconds), batch)
	if err != nil {
		b.logger.Warn("fetchForRecovery failed", zap.Error(err))
		return 0
	}
	for _, rec := range records {
		if _, _, err := b.ensure(ctx, rec.Name, rec.ID, rec.Attributes, true, int64(rec.CreatedAt)); err != nil {
			b.logger.Warn("recovery ensure failed", zap.String("workerid", rec.ID), zap.Error(err))
		}
	}
	return remaining
}
