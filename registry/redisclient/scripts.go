package redisclient

import (
	"embed"
	"fmt"

	"github.com/redis/go-redis/v9"
)

//go:embed scripts/*.lua
var scriptFS embed.FS

type scriptSet struct {
	join             *redis.Script
	pickBroker       *redis.Script
	findOrCreate     *redis.Script
	findBroker       *redis.Script
	healthCheck      *redis.Script
	salvage          *redis.Script
	fetchForRecovery *redis.Script
	destroyWorker    *redis.Script
}

func loadScript(name string) (*redis.Script, error) {
	b, err := scriptFS.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("redisclient: read %s: %w", name, err)
	}
	return redis.NewScript(string(b)), nil
}

func loadScripts() (*scriptSet, error) {
	var s scriptSet
	var err error
	for _, l := range []struct {
		name string
		dst  **redis.Script
	}{
		{"scripts/join.lua", &s.join},
		{"scripts/pick_broker.lua", &s.pickBroker},
		{"scripts/find_or_create.lua", &s.findOrCreate},
		{"scripts/find_broker.lua", &s.findBroker},
		{"scripts/health_check.lua", &s.healthCheck},
		{"scripts/salvage.lua", &s.salvage},
		{"scripts/fetch_for_recovery.lua", &s.fetchForRecovery},
		{"scripts/destroy_worker.lua", &s.destroyWorker},
	} {
		*l.dst, err = loadScript(l.name)
		if err != nil {
			return nil, err
		}
	}
	return &s, nil
}
