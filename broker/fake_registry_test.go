package broker

import (
	"context"
	"sync"
	"time"

	"github.com/fleetkit/fleetd/registry"
)

// fakeRegistry is a minimal in-memory stand-in for registry.Client
// sufficient to exercise the broker core without a real or
// miniredis-backed registry. It only implements the behavior the
// broker tests in this package actually exercise.
type fakeRegistry struct {
	mu      sync.Mutex
	workers map[string]registry.WorkerRecord
	subCh   chan registry.Message

	recovery []registry.RecoveryRecord

	// addrs records each Join'ed broker's peer address so FindBroker
	// can route between brokers sharing this fake.
	addrs map[string]string

	pickBrokerID string
	pickAddr     string
	pickFound    bool

	zRems    []string
	zAdds    map[string]float64
	salvages []registry.SalvageMode
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		workers: make(map[string]registry.WorkerRecord),
		subCh:   make(chan registry.Message),
		addrs:   make(map[string]string),
		zAdds:   make(map[string]float64),
	}
}

func (f *fakeRegistry) Join(ctx context.Context, brokerID, chPrefix string, load float64, cluster, addr string, hashKey uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addrs[brokerID] = addr
	return nil
}

func (f *fakeRegistry) PickBroker(ctx context.Context, cluster string, maxRetries int) (string, string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pickBrokerID, f.pickAddr, f.pickFound, nil
}

func (f *fakeRegistry) FindOrCreate(ctx context.Context, req registry.FindOrCreateRequest) (registry.FindOrCreateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	workerID := req.WorkerID
	if workerID == "" {
		workerID = req.Name + "#1"
	}
	if rec, ok := f.workers[workerID]; ok {
		return registry.FindOrCreateResult{Code: 0, Found: true, BrokerID: rec.BrokerID, Name: rec.Name, WorkerID: workerID}, nil
	}
	if req.BrokerID == "" {
		return registry.FindOrCreateResult{Code: 0, Found: false}, nil
	}
	f.workers[workerID] = registry.WorkerRecord{Name: req.Name, BrokerID: req.BrokerID, Attributes: req.Attributes}
	return registry.FindOrCreateResult{Code: 0, Found: true, BrokerID: req.BrokerID, Name: req.Name, WorkerID: workerID}, nil
}

func (f *fakeRegistry) FindBroker(ctx context.Context, selfBrokerID, workerID string) (registry.FindBrokerResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.workers[workerID]
	if !ok {
		return registry.FindBrokerResult{Code: 1}, nil
	}
	return registry.FindBrokerResult{Code: 0, BrokerID: rec.BrokerID, Status: registry.BrokerActive, Addr: f.addrs[rec.BrokerID]}, nil
}

func (f *fakeRegistry) HealthCheck(ctx context.Context, selfBrokerID, cluster string) (registry.HealthCheckResult, error) {
	return registry.HealthCheckResult{Code: 0}, nil
}

func (f *fakeRegistry) Salvage(ctx context.Context, targetBrokerID string, mode registry.SalvageMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.salvages = append(f.salvages, mode)
	return nil
}

func (f *fakeRegistry) FetchForRecovery(ctx context.Context, nowMillis, ttlMillis int64, maxFetch int) ([]registry.RecoveryRecord, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.recovery) == 0 {
		return nil, 0, nil
	}
	n := maxFetch
	if n > len(f.recovery) {
		n = len(f.recovery)
	}
	batch := f.recovery[:n]
	f.recovery = f.recovery[n:]
	return batch, int64(len(f.recovery)), nil
}

func (f *fakeRegistry) DestroyWorker(ctx context.Context, selfBrokerID, workerID string, mode registry.DestroyMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.workers, workerID)
	return nil
}

func (f *fakeRegistry) HGet(ctx context.Context, key, field string) (string, bool, error) {
	return "", false, nil
}
func (f *fakeRegistry) HSet(ctx context.Context, key, field, value string) error { return nil }
func (f *fakeRegistry) HDel(ctx context.Context, key, field string) error        { return nil }
func (f *fakeRegistry) ZAdd(ctx context.Context, key string, score float64, member string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.zAdds[key+"/"+member] = score
	return nil
}
func (f *fakeRegistry) ZRem(ctx context.Context, key, member string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.zRems = append(f.zRems, key+"/"+member)
	return nil
}

func (f *fakeRegistry) Publish(ctx context.Context, channel, payload string) (int64, error) {
	return 0, nil
}

func (f *fakeRegistry) Subscribe(ctx context.Context, channels ...string) (registry.Subscription, error) {
	f.mu.Lock()
	f.subCh = make(chan registry.Message, 8)
	sub := &fakeSubscription{ch: f.subCh}
	f.mu.Unlock()
	return sub, nil
}

func (f *fakeRegistry) Time(ctx context.Context) (int64, int64, error) {
	now := time.Now()
	return now.Unix(), int64(now.Nanosecond() / 1000), nil
}

func (f *fakeRegistry) Close() error { return nil }

type fakeSubscription struct {
	ch   chan registry.Message
	once sync.Once
}

func (s *fakeSubscription) Messages() <-chan registry.Message { return s.ch }

func (s *fakeSubscription) Close() error {
	s.once.Do(func() { close(s.ch) })
	return nil
}

var _ registry.Client = (*fakeRegistry)(nil)
