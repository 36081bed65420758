package main

import (
	"net"

	"github.com/redis/go-redis/v9"

	"github.com/fleetkit/fleetd/fleetconfig"
	"github.com/fleetkit/fleetd/registry"
	"github.com/fleetkit/fleetd/registry/redisclient"
)

func newRegistryClient(cfg *fleetconfig.Config) (registry.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return redisclient.New(rdb, cfg.Namespace, cfg.Logger())
}

// localHostToward dials the registry and reports which local interface
// the OS routes that connection over, so the broker's peer-visible
// listen address sits on an interface the registry itself can reach.
func localHostToward(registryAddr string) (string, error) {
	conn, err := net.Dial("tcp", registryAddr)
	if err != nil {
		return "", err
	}
	defer conn.Close()
	host, _, err := net.SplitHostPort(conn.LocalAddr().String())
	if err != nil {
		return "", err
	}
	return host, nil
}
