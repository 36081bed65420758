package worker

import (
	"context"
	"encoding/json"
)

// Agent is the handle a Handler instance uses to address itself and
// the rest of the fleet. It carries no mutable state of its own; all
// state lives in the owning broker's worker table. Agents become
// unusable once their broker is destroyed.
type Agent struct {
	id         string
	name       string
	dispatcher Dispatcher
}

// NewAgent builds an Agent bound to a specific worker id/name and
// dispatcher. Called by the broker when it creates or recovers a
// worker instance, and for the handles Create/Find hand back.
func NewAgent(id, name string, dispatcher Dispatcher) *Agent {
	return &Agent{id: id, name: name, dispatcher: dispatcher}
}

// ID is this worker's id.
func (a *Agent) ID() string { return a.id }

// Name is this worker's class name.
func (a *Agent) Name() string { return a.name }

// Ask sends a request to the worker this Agent addresses and waits
// for a response.
func (a *Agent) Ask(ctx context.Context, method string, payload json.RawMessage) (json.RawMessage, error) {
	return a.dispatcher.Ask(ctx, a.id, method, payload)
}

// Tell sends a fire-and-forget message to the worker this Agent
// addresses. Delivery guarantee is write-to-socket only.
func (a *Agent) Tell(ctx context.Context, method string, payload json.RawMessage) error {
	return a.dispatcher.Tell(ctx, a.id, method, payload)
}

// AskWorker sends a request to another worker by id.
func (a *Agent) AskWorker(ctx context.Context, workerID, method string, payload json.RawMessage) (json.RawMessage, error) {
	return a.dispatcher.Ask(ctx, workerID, method, payload)
}

// TellWorker sends a fire-and-forget message to another worker by id.
func (a *Agent) TellWorker(ctx context.Context, workerID, method string, payload json.RawMessage) error {
	return a.dispatcher.Tell(ctx, workerID, method, payload)
}

// Destroy requests that the worker this Agent addresses be destroyed.
// A self-destroy issued from inside OnCreate is deferred until the
// hook returns.
func (a *Agent) Destroy(ctx context.Context) error {
	return a.dispatcher.Destroy(ctx, a.id)
}

// SetLoad replaces the worker's load value. Rejected once the worker
// is destroyed or when load is negative.
func (a *Agent) SetLoad(load int) error {
	return a.dispatcher.SetWorkerLoad(a.id, load)
}
