package broker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fleetkit/fleetd/fleetconfig"
	"github.com/fleetkit/fleetd/worker"
)

// Two brokers over one shared registry and real TCP: creation routed
// to the peer pickBroker chose, then asks and tells routed to the
// owner resolved through findBroker.
func TestCreateAndAskAcrossBrokers(t *testing.T) {
	reg := newFakeRegistry()

	newB := func() *Broker {
		cfg := fleetconfig.New("fleet", "default",
			fleetconfig.WithAddr("127.0.0.1:0"),
			fleetconfig.WithLogger(zap.NewNop()),
			fleetconfig.WithRetryPolicy(5, 20, 500),
		)
		return New(cfg, reg)
	}

	b1 := newB()
	b2 := newB()
	h := &echoHandler{}
	b1.Register("echo", func() worker.Handler { return &echoHandler{} })
	b2.Register("echo", func() worker.Handler { return h })

	require.NoError(t, b1.Start(context.Background()))
	defer b1.Stop()
	require.NoError(t, b2.Start(context.Background()))
	defer b2.Stop()

	// Placement picks b2; b1 must route the create over the wire.
	reg.mu.Lock()
	reg.pickBrokerID = b2.ID()
	reg.pickAddr = reg.addrs[b2.ID()]
	reg.pickFound = true
	reg.mu.Unlock()

	agent, err := b1.Create(context.Background(), "echo", "w1", nil)
	require.NoError(t, err)
	require.Equal(t, "w1", agent.ID())
	created, cause := h.wasCreated()
	require.True(t, created)
	require.Equal(t, worker.CauseNew, cause)

	_, onB1 := b1.workers.get("w1")
	require.False(t, onB1)
	_, onB2 := b2.workers.get("w1")
	require.True(t, onB2)

	// The agent lives on b1 but the worker on b2: asks go remote.
	res, err := agent.Ask(context.Background(), "ping", nil)
	require.NoError(t, err)
	var body map[string]int
	require.NoError(t, json.Unmarshal(res, &body))
	require.Equal(t, 1, body["count"])

	require.NoError(t, agent.Tell(context.Background(), "poke", nil))
	require.Eventually(t, func() bool { return h.count() == 2 }, testWait, testTick)
}

// A handler error on a remote ask comes back to the caller as an
// application error with the message preserved.
func TestRemoteAskPropagatesApplicationError(t *testing.T) {
	reg := newFakeRegistry()

	newB := func() *Broker {
		cfg := fleetconfig.New("fleet", "default",
			fleetconfig.WithAddr("127.0.0.1:0"),
			fleetconfig.WithLogger(zap.NewNop()),
			fleetconfig.WithRetryPolicy(5, 20, 500),
		)
		return New(cfg, reg)
	}

	b1 := newB()
	b2 := newB()
	b1.Register("touchy", func() worker.Handler { return &failingHandler{} })
	b2.Register("touchy", func() worker.Handler { return &failingHandler{} })

	require.NoError(t, b1.Start(context.Background()))
	defer b1.Stop()
	require.NoError(t, b2.Start(context.Background()))
	defer b2.Stop()

	reg.mu.Lock()
	reg.pickBrokerID = b2.ID()
	reg.pickAddr = reg.addrs[b2.ID()]
	reg.pickFound = true
	reg.mu.Unlock()

	agent, err := b1.Create(context.Background(), "touchy", "t1", nil)
	require.NoError(t, err)

	_, err = agent.Ask(context.Background(), "explode", nil)
	require.Error(t, err)
	require.Equal(t, KindApplicationError, KindOf(err))
	require.Contains(t, err.Error(), "boom")
}

type failingHandler struct{}

func (h *failingHandler) OnCreate(ctx context.Context, self *worker.Agent, info worker.CreateInfo) error {
	return nil
}

func (h *failingHandler) OnDestroy(ctx context.Context, self *worker.Agent, info worker.DestroyInfo) error {
	return nil
}

func (h *failingHandler) OnAsk(ctx context.Context, self *worker.Agent, method string, payload json.RawMessage) (json.RawMessage, error) {
	return nil, errors.New("boom")
}

func (h *failingHandler) OnTell(ctx context.Context, self *worker.Agent, method string, payload json.RawMessage) {
}
