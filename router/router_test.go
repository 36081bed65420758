package router

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func seqPtr(v uint64) *uint64 { return &v }

func TestRequestRespondRoundTrip(t *testing.T) {
	var mu sync.Mutex
	var gotRequest Message
	var requesterID uint64

	server := New(Config{SocketTimeout: 2 * time.Second}, Handlers{
		OnRequest: func(msg Message, id uint64) {
			mu.Lock()
			gotRequest = msg
			requesterID = id
			mu.Unlock()
		},
	}, zap.NewNop())
	port, err := server.Listen("127.0.0.1")
	require.NoError(t, err)
	defer server.Close()

	responded := make(chan Message, 1)
	client := New(Config{SocketTimeout: 2 * time.Second}, Handlers{
		OnResponse: func(msg Message) { responded <- msg },
	}, zap.NewNop())
	defer client.Close()

	addr := fmt.Sprintf("127.0.0.1:%d", port)
	payload, _ := json.Marshal(map[string]string{"hello": "world"})
	err = client.Request(addr, Message{M: "greet", Seq: seqPtr(1), Pl: payload})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return gotRequest.M == "greet"
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	id := requesterID
	mu.Unlock()

	respPayload, _ := json.Marshal(map[string]string{"ack": "ok"})
	server.Respond(id, Message{Seq: seqPtr(1), Pl: respPayload})

	select {
	case msg := <-responded:
		var body map[string]string
		require.NoError(t, json.Unmarshal(msg.Pl, &body))
		require.Equal(t, "ok", body["ack"])
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for response")
	}
}

func TestRequestQueuesWhileOpening(t *testing.T) {
	server := New(Config{SocketTimeout: 2 * time.Second}, Handlers{}, zap.NewNop())
	port, err := server.Listen("127.0.0.1")
	require.NoError(t, err)
	defer server.Close()

	client := New(Config{SocketTimeout: 2 * time.Second}, Handlers{}, zap.NewNop())
	defer client.Close()

	addr := fmt.Sprintf("127.0.0.1:%d", port)
	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = client.Request(addr, Message{M: "x", Seq: seqPtr(uint64(i))})
		}(i)
	}
	wg.Wait()
	for _, e := range errs {
		require.NoError(t, e)
	}
}

func TestCloseTearsDownConnections(t *testing.T) {
	server := New(Config{SocketTimeout: 2 * time.Second}, Handlers{}, zap.NewNop())
	port, err := server.Listen("127.0.0.1")
	require.NoError(t, err)

	client := New(Config{SocketTimeout: 2 * time.Second}, Handlers{}, zap.NewNop())
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	require.NoError(t, client.Request(addr, Message{M: "x", Seq: seqPtr(1)}))

	require.NoError(t, client.Close())
	require.NoError(t, server.Close())

	err = client.Request(addr, Message{M: "x", Seq: seqPtr(2)})
	require.ErrorIs(t, err, ErrClosed)
}
