package worker

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeDispatcher struct {
	askedID     string
	toldID      string
	destroyedID string
	loadID      string
	load        int
}

func (f *fakeDispatcher) Ask(ctx context.Context, workerID, method string, payload json.RawMessage) (json.RawMessage, error) {
	f.askedID = workerID
	return json.RawMessage(`{"ok":true}`), nil
}

func (f *fakeDispatcher) Tell(ctx context.Context, workerID, method string, payload json.RawMessage) error {
	f.toldID = workerID
	return nil
}

func (f *fakeDispatcher) Destroy(ctx context.Context, workerID string) error {
	f.destroyedID = workerID
	return nil
}

func (f *fakeDispatcher) SetWorkerLoad(workerID string, load int) error {
	f.loadID = workerID
	f.load = load
	return nil
}

func TestAgentAddressesItsOwnWorker(t *testing.T) {
	d := &fakeDispatcher{}
	a := NewAgent("w1", "counter", d)

	require.Equal(t, "w1", a.ID())
	require.Equal(t, "counter", a.Name())

	res, err := a.Ask(context.Background(), "incr", nil)
	require.NoError(t, err)
	require.Equal(t, "w1", d.askedID)
	require.JSONEq(t, `{"ok":true}`, string(res))

	require.NoError(t, a.Tell(context.Background(), "incr", nil))
	require.Equal(t, "w1", d.toldID)

	require.NoError(t, a.Destroy(context.Background()))
	require.Equal(t, "w1", d.destroyedID)

	require.NoError(t, a.SetLoad(7))
	require.Equal(t, "w1", d.loadID)
	require.Equal(t, 7, d.load)
}

func TestAgentAddressesOtherWorkers(t *testing.T) {
	d := &fakeDispatcher{}
	a := NewAgent("w1", "counter", d)

	_, err := a.AskWorker(context.Background(), "w2", "incr", nil)
	require.NoError(t, err)
	require.Equal(t, "w2", d.askedID)

	require.NoError(t, a.TellWorker(context.Background(), "w3", "incr", nil))
	require.Equal(t, "w3", d.toldID)
}
