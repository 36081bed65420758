package main

import (
	"context"
	"encoding/json"

	"github.com/fleetkit/fleetd/worker"
)

// echoWorker is a minimal worker class demonstrating the Handler
// contract: it counts the calls it receives and echoes the count
// back.
type echoWorker struct {
	count int
}

func newEchoWorker() *echoWorker { return &echoWorker{} }

func (w *echoWorker) OnCreate(ctx context.Context, self *worker.Agent, info worker.CreateInfo) error {
	return nil
}

func (w *echoWorker) OnDestroy(ctx context.Context, self *worker.Agent, info worker.DestroyInfo) error {
	return nil
}

func (w *echoWorker) OnAsk(ctx context.Context, self *worker.Agent, method string, payload json.RawMessage) (json.RawMessage, error) {
	w.count++
	return json.Marshal(map[string]int{"count": w.count})
}

func (w *echoWorker) OnTell(ctx context.Context, self *worker.Agent, method string, payload json.RawMessage) {
	w.count++
}
