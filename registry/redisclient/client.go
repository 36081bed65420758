// Package redisclient is the registry.Client implementation backed by
// go-redis and the eight registry scripts. Scripts are
// embedded at build time and run with EVALSHA, falling back to EVAL on
// a NOSCRIPT reply the way redis.Script.Run already does.
package redisclient

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fleetkit/fleetd/registry"
)

// Client adapts a go-redis connection into registry.Client.
type Client struct {
	rdb     redis.UniversalClient
	ns      string
	keys    registry.Keys
	scripts *scriptSet
	logger  *zap.Logger
}

// New builds a Client over rdb, embedding and registering the eight
// scripts under the given namespace.
func New(rdb redis.UniversalClient, ns string, logger *zap.Logger) (*Client, error) {
	scripts, err := loadScripts()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		rdb:     rdb,
		ns:      ns,
		keys:    registry.NewKeys(ns),
		scripts: scripts,
		logger:  logger.Named("redisclient"),
	}, nil
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}

func toString(v interface{}) string {
	if v == nil {
		return ""
	}
	s, _ := v.(string)
	return s
}

func (c *Client) Join(ctx context.Context, brokerID, chPrefix string, load float64, cluster, addr string, hashKey uint64) error {
	keys := []string{c.keys.GH(), c.keys.WH(), c.keys.BH(), c.keys.CZ(cluster), c.keys.BZ(cluster), c.keys.WZ(brokerID), c.keys.RZ()}
	args := []interface{}{c.ns, brokerID, chPrefix, load, cluster, addr, hashKey}
	_, err := c.scripts.join.Run(ctx, c.rdb, keys, args...).Result()
	if err != nil {
		return fmt.Errorf("redisclient: join: %w", err)
	}
	return nil
}

func (c *Client) PickBroker(ctx context.Context, cluster string, maxRetries int) (string, string, bool, error) {
	keys := []string{c.keys.GH(), c.keys.BH(), c.keys.CZ(cluster)}
	args := []interface{}{c.ns, cluster, maxRetries}
	res, err := c.scripts.pickBroker.Run(ctx, c.rdb, keys, args...).Result()
	if err != nil {
		return "", "", false, fmt.Errorf("redisclient: pickBroker: %w", err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) == 0 {
		return "", "", false, fmt.Errorf("redisclient: pickBroker: unexpected reply %v", res)
	}
	if toInt64(arr[0]) == 1 {
		return "", "", false, nil
	}
	return toString(arr[1]), toString(arr[3]), true, nil
}

func (c *Client) FindOrCreate(ctx context.Context, req registry.FindOrCreateRequest) (registry.FindOrCreateResult, error) {
	wz := ""
	if req.BrokerID != "" {
		wz = c.keys.WZ(req.BrokerID)
	}
	keys := []string{c.keys.GH(), c.keys.WH(), c.keys.BH(), c.keys.RZ(), wz}

	attrs := "null"
	if len(req.Attributes) > 0 {
		attrs = string(req.Attributes)
	}
	forRecovery := "0"
	if req.ForRecovery {
		forRecovery = "1"
	}
	args := []interface{}{c.ns, req.BrokerID, req.Name, req.WorkerID, attrs, req.NowMillis, req.TTLMillis, forRecovery}

	res, err := c.scripts.findOrCreate.Run(ctx, c.rdb, keys, args...).Result()
	if err != nil {
		return registry.FindOrCreateResult{}, fmt.Errorf("redisclient: findOrCreate: %w", err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) == 0 {
		return registry.FindOrCreateResult{}, fmt.Errorf("redisclient: findOrCreate: unexpected reply %v", res)
	}
	code := int(toInt64(arr[0]))
	if code == 1 {
		res := registry.FindOrCreateResult{Code: 1}
		if len(arr) > 1 {
			res.WorkerID = toString(arr[1])
		}
		return res, nil
	}
	return registry.FindOrCreateResult{
		Code:     0,
		Found:    toInt64(arr[1]) == 1,
		BrokerID: toString(arr[2]),
		Name:     toString(arr[3]),
		WorkerID: toString(arr[4]),
	}, nil
}

func (c *Client) FindBroker(ctx context.Context, selfBrokerID, workerID string) (registry.FindBrokerResult, error) {
	keys := []string{c.keys.GH(), c.keys.WH(), c.keys.BH()}
	args := []interface{}{c.ns, selfBrokerID, workerID}
	res, err := c.scripts.findBroker.Run(ctx, c.rdb, keys, args...).Result()
	if err != nil {
		return registry.FindBrokerResult{}, fmt.Errorf("redisclient: findBroker: %w", err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) == 0 {
		return registry.FindBrokerResult{}, fmt.Errorf("redisclient: findBroker: unexpected reply %v", res)
	}
	code := int(toInt64(arr[0]))
	switch code {
	case 0:
		return registry.FindBrokerResult{
			Code:     0,
			BrokerID: toString(arr[1]),
			Cluster:  toString(arr[2]),
			Status:   registry.BrokerStatus(toString(arr[3])),
			Addr:     toString(arr[4]),
		}, nil
	case 2:
		return registry.FindBrokerResult{Code: 2, BrokerID: toString(arr[1])}, nil
	default:
		return registry.FindBrokerResult{Code: 1}, nil
	}
}

func (c *Client) HealthCheck(ctx context.Context, selfBrokerID, cluster string) (registry.HealthCheckResult, error) {
	keys := []string{c.keys.GH(), c.keys.BH(), c.keys.BZ(cluster), c.keys.CZ(cluster)}
	args := []interface{}{c.ns, selfBrokerID, cluster}
	res, err := c.scripts.healthCheck.Run(ctx, c.rdb, keys, args...).Result()
	if err != nil {
		return registry.HealthCheckResult{}, fmt.Errorf("redisclient: healthCheck: %w", err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return registry.HealthCheckResult{}, fmt.Errorf("redisclient: healthCheck: unexpected reply %v", res)
	}
	return registry.HealthCheckResult{Code: int(toInt64(arr[0])), Message: toString(arr[1])}, nil
}

func (c *Client) Salvage(ctx context.Context, targetBrokerID string, mode registry.SalvageMode) error {
	keys := []string{c.keys.GH(), c.keys.WH(), c.keys.BH(), c.keys.RZ(), c.keys.WZ(targetBrokerID)}
	args := []interface{}{c.ns, targetBrokerID, int(mode)}
	_, err := c.scripts.salvage.Run(ctx, c.rdb, keys, args...).Result()
	if err != nil {
		return fmt.Errorf("redisclient: salvage: %w", err)
	}
	return nil
}

func (c *Client) FetchForRecovery(ctx context.Context, nowMillis, ttlMillis int64, maxFetch int) ([]registry.RecoveryRecord, int64, error) {
	keys := []string{c.keys.WH(), c.keys.RZ()}
	args := []interface{}{c.ns, nowMillis, ttlMillis, maxFetch}
	res, err := c.scripts.fetchForRecovery.Run(ctx, c.rdb, keys, args...).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("redisclient: fetchForRecovery: %w", err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) == 0 {
		return nil, 0, fmt.Errorf("redisclient: fetchForRecovery: unexpected reply %v", res)
	}
	remaining := toInt64(arr[0])
	records := make([]registry.RecoveryRecord, 0, len(arr)-1)
	for _, raw := range arr[1:] {
		s := toString(raw)
		var rec registry.RecoveryRecord
		if err := json.Unmarshal([]byte(s), &rec); err != nil {
			c.logger.Warn("discarding unparsable recovery record", zap.Error(err))
			continue
		}
		records = append(records, rec)
	}
	return records, remaining, nil
}

func (c *Client) DestroyWorker(ctx context.Context, selfBrokerID, workerID string, mode registry.DestroyMode) error {
	keys := []string{c.keys.GH(), c.keys.WH(), c.keys.RZ(), c.keys.WZ(selfBrokerID)}
	args := []interface{}{c.ns, workerID, int(mode)}
	_, err := c.scripts.destroyWorker.Run(ctx, c.rdb, keys, args...).Result()
	if err != nil {
		return fmt.Errorf("redisclient: destroyWorker: %w", err)
	}
	return nil
}

func (c *Client) HGet(ctx context.Context, key, field string) (string, bool, error) {
	v, err := c.rdb.HGet(ctx, key, field).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redisclient: hget: %w", err)
	}
	return v, true, nil
}

func (c *Client) HSet(ctx context.Context, key, field, value string) error {
	if err := c.rdb.HSet(ctx, key, field, value).Err(); err != nil {
		return fmt.Errorf("redisclient: hset: %w", err)
	}
	return nil
}

func (c *Client) HDel(ctx context.Context, key, field string) error {
	if err := c.rdb.HDel(ctx, key, field).Err(); err != nil {
		return fmt.Errorf("redisclient: hdel: %w", err)
	}
	return nil
}

func (c *Client) ZAdd(ctx context.Context, key string, score float64, member string) error {
	if err := c.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err(); err != nil {
		return fmt.Errorf("redisclient: zadd: %w", err)
	}
	return nil
}

func (c *Client) ZRem(ctx context.Context, key, member string) error {
	if err := c.rdb.ZRem(ctx, key, member).Err(); err != nil {
		return fmt.Errorf("redisclient: zrem: %w", err)
	}
	return nil
}

func (c *Client) Publish(ctx context.Context, channel, payload string) (int64, error) {
	n, err := c.rdb.Publish(ctx, channel, payload).Result()
	if err != nil {
		return 0, fmt.Errorf("redisclient: publish: %w", err)
	}
	return n, nil
}

func (c *Client) Subscribe(ctx context.Context, channels ...string) (registry.Subscription, error) {
	ps := c.rdb.Subscribe(ctx, channels...)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redisclient: subscribe: %w", err)
	}
	return newSubscription(ps), nil
}

func (c *Client) Time(ctx context.Context) (int64, int64, error) {
	t, err := c.rdb.Time(ctx).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("redisclient: time: %w", err)
	}
	return t.Unix(), int64(t.Nanosecond() / 1000), nil
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

type subscription struct {
	ps *redis.PubSub
	ch chan registry.Message
}

func newSubscription(ps *redis.PubSub) *subscription {
	s := &subscription{ps: ps, ch: make(chan registry.Message, 64)}
	go s.pump()
	return s
}

func (s *subscription) pump() {
	defer close(s.ch)
	for msg := range s.ps.Channel() {
		s.ch <- registry.Message{Channel: msg.Channel, Payload: msg.Payload}
	}
}

func (s *subscription) Messages() <-chan registry.Message { return s.ch }

func (s *subscription) Close() error { return s.ps.Close() }

var _ registry.Client = (*Client)(nil)
