package registry

import "fmt"

// Keys centralizes the ns-prefixed registry key names so every
// caller builds them the same way.
type Keys struct {
	ns string
}

// NewKeys returns a Keys builder for the given namespace prefix.
func NewKeys(ns string) Keys { return Keys{ns: ns} }

// GH is the global counters/config hash.
func (k Keys) GH() string { return fmt.Sprintf("%s:gh", k.ns) }

// WH is the worker-record hash.
func (k Keys) WH() string { return fmt.Sprintf("%s:wh", k.ns) }

// BH is the broker-record hash.
func (k Keys) BH() string { return fmt.Sprintf("%s:bh", k.ns) }

// CZ is the load-ordered sorted set for a cluster.
func (k Keys) CZ(cluster string) string { return fmt.Sprintf("%s:cz:%s", k.ns, cluster) }

// BZ is the hash-ring sorted set for a cluster.
func (k Keys) BZ(cluster string) string { return fmt.Sprintf("%s:bz:%s", k.ns, cluster) }

// WZ is the creation-time-ordered set of workers owned by a broker.
func (k Keys) WZ(brokerID string) string { return fmt.Sprintf("%s:wz:%s", k.ns, brokerID) }

// RZ is the set of workers awaiting recovery.
func (k Keys) RZ() string { return fmt.Sprintf("%s:rz", k.ns) }

// BroadcastChannel is the pubsub channel every broker subscribes to for
// control signals.
func (k Keys) BroadcastChannel(chPrefix string) string { return chPrefix + ":*" }

// UnicastChannel is the pubsub channel a single broker subscribes to
// for liveness probes.
func (k Keys) UnicastChannel(chPrefix, brokerID string) string { return chPrefix + ":" + brokerID }
