package transport

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type payload struct {
	M   string `json:"m"`
	Seq uint64 `json:"seq"`
}

func TestWriteReadFrameRoundTrip(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	sc := NewConn(server)
	cc := NewConn(client)

	done := make(chan error, 1)
	go func() {
		done <- sc.WriteFrame(payload{M: "ping", Seq: 7})
	}()

	var got payload
	require.NoError(t, cc.ReadFrame(&got))
	require.NoError(t, <-done)
	assert.Equal(t, payload{M: "ping", Seq: 7}, got)
}

func TestReadFrameReassemblesPartialDelivery(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	sc := NewConn(server)
	cc := NewConn(client)

	go func() {
		sc.WriteFrame(payload{M: "a"})
		sc.WriteFrame(payload{M: "b"})
	}()

	var first, second payload
	require.NoError(t, cc.ReadFrame(&first))
	require.NoError(t, cc.ReadFrame(&second))
	assert.Equal(t, "a", first.M)
	assert.Equal(t, "b", second.M)
}

func TestWriteFrameTooLarge(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	sc := NewConn(server)
	big := make([]byte, MaxFrameSize+100)
	err := sc.WriteFrame(struct {
		Data string `json:"data"`
	}{Data: string(big)})
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}
