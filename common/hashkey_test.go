package common

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashKeyKnownValues(t *testing.T) {
	require.Equal(t, uint64(3437877555704920), HashKey("br01"))
	require.Equal(t, uint64(5304403834775747), HashKey("broker-7f3a"))
}

func TestHashKeyFitsSortedSetScore(t *testing.T) {
	for _, id := range []string{"", "a", "br01", "some-very-long-broker-identifier-0123456789"} {
		v := HashKey(id)
		require.Less(t, v, uint64(1)<<53, "hash for %q must survive a float64 round trip", id)
		require.Equal(t, v, uint64(float64(v)))
	}
}

func TestHashKeyIsStable(t *testing.T) {
	require.Equal(t, HashKey("br01"), HashKey("br01"))
	require.NotEqual(t, HashKey("br01"), HashKey("br02"))
}
