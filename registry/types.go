// Package registry defines the core's only required external
// collaborator: a Redis-shaped store offering scripted
// atomic multi-key mutation, basic key/value + hash + sorted-set
// operations, publish/subscribe with a subscriber-count return from
// Publish, and a server wall-clock read. registry.Client is the
// interface the broker depends on; registry/redisclient supplies the
// concrete go-redis-backed implementation and the Lua scripts behind
// each operation.
package registry

import "encoding/json"

// WorkerRecord is the wh:<workerId> hash value.
type WorkerRecord struct {
	Name       string          `json:"name"`
	BrokerID   string          `json:"brokerId,omitempty"`
	Attributes json.RawMessage `json:"attributes,omitempty"`
}

// WorkerAttributes is the reserved sub-shape of WorkerRecord.Attributes
// the core itself inspects; application-defined fields ride alongside
// it and are preserved verbatim by round-tripping through
// json.RawMessage.
type WorkerAttributes struct {
	Static      bool `json:"static,omitempty"`
	Recoverable bool `json:"recoverable,omitempty"`
}

// BrokerStatus is bh:<brokerId>.st.
type BrokerStatus string

const (
	BrokerActive  BrokerStatus = "active"
	BrokerInvalid BrokerStatus = "invalid"
)

// BrokerRecord is the bh:<brokerId> hash value.
type BrokerRecord struct {
	Cluster string       `json:"cn"`
	Status  BrokerStatus `json:"st"`
	Addr    string       `json:"addr"`
}

// RecoveryRecord is one entry returned by FetchForRecovery: a worker
// record pulled off rz with its id filled in.
type RecoveryRecord struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Attributes json.RawMessage `json:"attributes,omitempty"`
	// CreatedAt is the worker's original creation-time score (wz's
	// units: milliseconds), carried through so recreating it can
	// re-seed wz with the original time rather than now. cjson
	// round-trips Lua numbers as JSON floats, hence float64 here.
	CreatedAt float64 `json:"createdAt"`
}

// Signal is a control-plane broadcast payload carried on the pubsub
// broadcast channel.
type Signal struct {
	Sig         string `json:"sig"`
	ClusterName string `json:"clustername,omitempty"`
	BrokerID    string `json:"brokerId,omitempty"`
}

const (
	SigRecover = "recover"
	SigSalvage = "salvage"
	SigRestart = "restart"
)

// SalvageMode selects the salvage script's behavior.
type SalvageMode int

const (
	// SalvagePeer only proceeds if the target broker record is already
	// marked invalid (idempotent against racing salvagers).
	SalvagePeer SalvageMode = 0
	// SalvageSelfRecoverable always runs, moving recoverable workers
	// into rz.
	SalvageSelfRecoverable SalvageMode = 1
	// SalvageSelfDiscard always runs and treats every worker as
	// non-recoverable.
	SalvageSelfDiscard SalvageMode = 2
)

// DestroyMode selects destroyWorker's behavior.
type DestroyMode int

const (
	DestroyDiscard       DestroyMode = 0
	DestroyIfRecoverable DestroyMode = 1
)
