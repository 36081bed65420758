package common

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAddressCachePutGetEvict(t *testing.T) {
	c := NewAddressCache(8, time.Minute)

	c.Put("w1", "br01", "10.0.0.1:9000")
	brokerID, addr, ok := c.Get("w1")
	require.True(t, ok)
	require.Equal(t, "br01", brokerID)
	require.Equal(t, "10.0.0.1:9000", addr)

	c.Evict("w1")
	_, _, ok = c.Get("w1")
	require.False(t, ok)
}

func TestAddressCacheExpiresOldEntries(t *testing.T) {
	c := NewAddressCache(8, time.Minute)
	now := time.Unix(1700000000, 0)
	c.now = func() time.Time { return now }

	c.Put("w1", "br01", "10.0.0.1:9000")
	now = now.Add(61 * time.Second)

	_, _, ok := c.Get("w1")
	require.False(t, ok, "entry older than maxAge must read as a miss")
}

func TestAddressCacheBoundsSize(t *testing.T) {
	c := NewAddressCache(2, time.Minute)
	c.Put("w1", "br01", "a")
	c.Put("w2", "br01", "b")
	c.Put("w3", "br01", "c")

	_, _, ok1 := c.Get("w1")
	_, _, ok3 := c.Get("w3")
	require.False(t, ok1, "oldest entry evicted at capacity")
	require.True(t, ok3)
}

func TestAddressCacheClear(t *testing.T) {
	c := NewAddressCache(8, time.Minute)
	c.Put("w1", "br01", "a")
	c.Clear()
	_, _, ok := c.Get("w1")
	require.False(t, ok)
}
