// Package worker defines the application-facing contract of a worker
// class: a Handler implements the four lifecycle hooks, and Agent is
// the location-transparent handle a running worker instance (or any
// fleet client) uses to address workers by id.
package worker

import (
	"context"
	"encoding/json"
)

// Cause is why a worker instance came to exist on its broker: freshly
// created, or re-created from the recovery set after its previous
// owner died.
type Cause string

const (
	CauseNew      Cause = "NEW"
	CauseRecovery Cause = "RECOVERY"
)

// DestroyCause is why a worker instance is being torn down: its own
// (or a peer's) request, or the owning broker shutting down.
type DestroyCause string

const (
	DestroySelf   DestroyCause = "SELF"
	DestroySystem DestroyCause = "SYSTEM"
)

// CreateInfo is passed to OnCreate.
type CreateInfo struct {
	Cause      Cause
	Attributes json.RawMessage
}

// DestroyInfo is passed to OnDestroy.
type DestroyInfo struct {
	Cause DestroyCause
}

// Handler is the application-defined behavior of a worker class. The
// broker serializes hook invocations per worker instance: OnCreate
// completes before any OnAsk/OnTell runs, and no two hooks of the same
// instance overlap.
type Handler interface {
	// OnCreate initializes worker state. An error is logged by the
	// broker and otherwise ignored; the worker still becomes active.
	OnCreate(ctx context.Context, self *Agent, info CreateInfo) error
	// OnDestroy gives the worker a chance to release resources before
	// its record is removed. Errors are logged and ignored.
	OnDestroy(ctx context.Context, self *Agent, info DestroyInfo) error
	// OnAsk handles a request/response call and returns the response
	// payload (or an error, which is reported back to the caller).
	OnAsk(ctx context.Context, self *Agent, method string, payload json.RawMessage) (json.RawMessage, error)
	// OnTell handles a fire-and-forget call. There is no response
	// path.
	OnTell(ctx context.Context, self *Agent, method string, payload json.RawMessage)
}

// Dispatcher is everything an Agent needs from its owning broker:
// routing calls to workers by id, destroying them, and updating a
// local worker's load. The broker satisfies this interface; worker
// does not import broker to avoid a cycle.
type Dispatcher interface {
	Ask(ctx context.Context, workerID, method string, payload json.RawMessage) (json.RawMessage, error)
	Tell(ctx context.Context, workerID, method string, payload json.RawMessage) error
	Destroy(ctx context.Context, workerID string) error
	SetWorkerLoad(workerID string, load int) error
}
