package registry

import "context"

// Message is one pubsub delivery: a channel name and its payload.
type Message struct {
	Channel string
	Payload string
}

// Subscription is a live pubsub subscription. Callers range over
// Messages() until Close is called or the underlying connection fails
// (in which case Messages() closes).
type Subscription interface {
	Messages() <-chan Message
	Close() error
}

// Client is everything the broker core requires of the registry
// : evaluating the eight pre-loaded scripts, a handful of
// administrative key/value + hash + sorted-set operations,
// publish/subscribe with a subscriber-count return from Publish, and a
// server wall-clock read used to bound clock skew between brokers.
type Client interface {
	// Join runs the join script.
	Join(ctx context.Context, brokerID, chPrefix string, load float64, cluster, addr string, hashKey uint64) error

	// PickBroker runs the pickBroker script. ok is
	// false if no live broker could be found in cluster.
	PickBroker(ctx context.Context, cluster string, maxRetries int) (brokerID, addr string, ok bool, err error)

	// FindOrCreate runs the findOrCreate script.
	// brokerID == "" selects find-only mode.
	FindOrCreate(ctx context.Context, req FindOrCreateRequest) (FindOrCreateResult, error)

	// FindBroker runs the findBroker script.
	FindBroker(ctx context.Context, selfBrokerID, workerID string) (FindBrokerResult, error)

	// HealthCheck runs the healthCheck script.
	HealthCheck(ctx context.Context, selfBrokerID, cluster string) (HealthCheckResult, error)

	// Salvage runs the salvage script.
	Salvage(ctx context.Context, targetBrokerID string, mode SalvageMode) error

	// FetchForRecovery runs the fetchForRecovery script.
	FetchForRecovery(ctx context.Context, nowMillis int64, ttlMillis int64, maxFetch int) (records []RecoveryRecord, remaining int64, err error)

	// DestroyWorker runs the destroyWorker script.
	DestroyWorker(ctx context.Context, selfBrokerID, workerID string, mode DestroyMode) error

	// HGet/HSet/HDel/ZAdd/ZRem are the administrative primitives
	// used administratively outside scripts (load updates, tests,
	// teardown).
	HGet(ctx context.Context, key, field string) (string, bool, error)
	HSet(ctx context.Context, key, field, value string) error
	HDel(ctx context.Context, key, field string) error
	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRem(ctx context.Context, key, member string) error

	// Publish returns the number of current subscribers on channel.
	Publish(ctx context.Context, channel, payload string) (subscribers int64, err error)
	// Subscribe opens a live subscription to the given channels.
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)

	// Time returns the registry server's wall clock.
	Time(ctx context.Context) (seconds int64, microseconds int64, err error)

	// Close releases any underlying connection resources.
	Close() error
}

// FindOrCreateRequest bundles findOrCreate's arguments.
type FindOrCreateRequest struct {
	BrokerID    string // "" selects find-only mode
	Name        string
	WorkerID    string // "" derives an id in create mode
	Attributes  []byte // raw JSON, may be nil
	NowMillis   int64
	TTLMillis   int64
	ForRecovery bool
}

// FindOrCreateResult is findOrCreate's tagged result.
type FindOrCreateResult struct {
	// Code mirrors the script's [code, ...] tag: 0 = resolved (Found
	// tells whether a worker actually exists), 1 = retry. On a retry,
	// WorkerID is still populated with the id the script resolved
	// (derived or caller-supplied), so a second attempt reuses it
	// rather than deriving a fresh dynamic id.
	Code     int
	Found    bool
	BrokerID string
	Name     string
	WorkerID string
}

// FindBrokerResult is findBroker's tagged result.
type FindBrokerResult struct {
	// Code: 0 = resolved, 1 = not found / under recovery, 2 = retry
	// (brokerId names the peer that was just invalidated).
	Code     int
	BrokerID string
	Cluster  string
	Status   BrokerStatus
	Addr     string
}

// HealthCheckResult is healthCheck's tagged result.
type HealthCheckResult struct {
	// Code: 0 = ok, 1 = issued salvage (debug-log), 2 = warning
	// (ring cleaned up without a known peer).
	Code    int
	Message string
}
