// Package fleetconfig is the broker's configuration surface: a single
// Config built from defaults plus a chain of functional options.
package fleetconfig

import (
	"time"

	"go.uber.org/zap"
)

// Config holds every knob a broker needs. Construct with New, never
// with a literal: the defaults matter and are only applied there.
type Config struct {
	Namespace     string
	ClusterName   string
	Addr          string
	ChannelPrefix string

	RPCTimeoutMilliseconds int
	TTLMilliseconds        int
	BatchReadSize          int
	// HealthCheckIntervalSeconds is how often the periodic timer runs
	// the healthCheck script against the ring's next peer. 0 disables
	// health checking.
	HealthCheckIntervalSeconds int

	BrokerCacheMax                int
	BrokerCacheMaxAgeMilliseconds int

	RetryInitialIntervalMilliseconds int
	RetryMaxIntervalMilliseconds     int
	RetryDurationMilliseconds        int

	SocketTimeoutMilliseconds int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// RecoverWorkersOnStop selects the salvage mode Stop runs against
	// this broker's own workers: true moves recoverable ones into rz
	// for another broker to pick up, false discards everything.
	RecoverWorkersOnStop bool

	logger *zap.Logger
}

// New builds a Config from defaults overridden by opts.
func New(namespace, clusterName string, opts ...func(*Config)) *Config {
	cfg := Config{
		Namespace:     namespace,
		ClusterName:   clusterName,
		Addr:          "localhost:0",
		ChannelPrefix: namespace + ":sig",

		RPCTimeoutMilliseconds:     3000,
		TTLMilliseconds:            0,
		BatchReadSize:              1,
		HealthCheckIntervalSeconds: 10,

		BrokerCacheMax:                1024,
		BrokerCacheMaxAgeMilliseconds: 30000,

		RetryInitialIntervalMilliseconds: 50,
		RetryMaxIntervalMilliseconds:     2000,
		RetryDurationMilliseconds:        10000,

		SocketTimeoutMilliseconds: 30000,

		RedisAddr: "localhost:6379",
		RedisDB:   0,

		RecoverWorkersOnStop: true,
	}

	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.logger == nil {
		l, err := zap.NewProduction()
		if err != nil {
			panic(err)
		}
		cfg.logger = l
	}

	return &cfg
}

func (c *Config) Logger() *zap.Logger { return c.logger }

func (c *Config) RPCTimeout() time.Duration {
	return time.Duration(c.RPCTimeoutMilliseconds) * time.Millisecond
}

func (c *Config) TTL() time.Duration {
	return time.Duration(c.TTLMilliseconds) * time.Millisecond
}

func (c *Config) HealthCheckInterval() time.Duration {
	return time.Duration(c.HealthCheckIntervalSeconds) * time.Second
}

func (c *Config) BrokerCacheMaxAge() time.Duration {
	return time.Duration(c.BrokerCacheMaxAgeMilliseconds) * time.Millisecond
}

func (c *Config) SocketTimeout() time.Duration {
	return time.Duration(c.SocketTimeoutMilliseconds) * time.Millisecond
}

func (c *Config) RetryInitialInterval() time.Duration {
	return time.Duration(c.RetryInitialIntervalMilliseconds) * time.Millisecond
}

func (c *Config) RetryMaxInterval() time.Duration {
	return time.Duration(c.RetryMaxIntervalMilliseconds) * time.Millisecond
}

func (c *Config) RetryDuration() time.Duration {
	return time.Duration(c.RetryDurationMilliseconds) * time.Millisecond
}

func WithAddr(addr string) func(*Config) {
	return func(c *Config) { c.Addr = addr }
}

func WithChannelPrefix(prefix string) func(*Config) {
	return func(c *Config) { c.ChannelPrefix = prefix }
}

func WithRPCTimeoutMilliseconds(ms int) func(*Config) {
	return func(c *Config) { c.RPCTimeoutMilliseconds = ms }
}

func WithTTLMilliseconds(ms int) func(*Config) {
	return func(c *Config) { c.TTLMilliseconds = ms }
}

func WithBatchReadSize(n int) func(*Config) {
	return func(c *Config) { c.BatchReadSize = n }
}

func WithHealthCheckIntervalSeconds(s int) func(*Config) {
	return func(c *Config) { c.HealthCheckIntervalSeconds = s }
}

func WithBrokerCache(max int, maxAgeMilliseconds int) func(*Config) {
	return func(c *Config) {
		c.BrokerCacheMax = max
		c.BrokerCacheMaxAgeMilliseconds = maxAgeMilliseconds
	}
}

func WithRetryPolicy(initialMs, maxMs, durationMs int) func(*Config) {
	return func(c *Config) {
		c.RetryInitialIntervalMilliseconds = initialMs
		c.RetryMaxIntervalMilliseconds = maxMs
		c.RetryDurationMilliseconds = durationMs
	}
}

func WithSocketTimeoutMilliseconds(ms int) func(*Config) {
	return func(c *Config) { c.SocketTimeoutMilliseconds = ms }
}

func WithRedis(addr, password string, db int) func(*Config) {
	return func(c *Config) {
		c.RedisAddr = addr
		c.RedisPassword = password
		c.RedisDB = db
	}
}

func WithLogger(l *zap.Logger) func(*Config) {
	return func(c *Config) { c.logger = l }
}

func WithRecoverWorkersOnStop(recover bool) func(*Config) {
	return func(c *Config) { c.RecoverWorkersOnStop = recover }
}
