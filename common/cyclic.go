// Package common holds small, dependency-light utilities shared by the
// registry client, router and broker: a wrapping sequence counter, the
// broker hash-key derivation, the broker-address routing cache, the
// backoff driver used by find/ask/tell, and a priority queue adapted from
// the consumer-side load-shedding heap for RPC-timeout bookkeeping.
package common

import "sync"

// maxSeq is the modulus of the sequence: values run up to maxSeq-1 and
// then wrap back to zero. Registry sorted-set scores and our own correlation
// sequence numbers must fit in a float64 without losing precision, so we
// wrap at 2^53 rather than at the width of the underlying integer type.
const maxSeq = uint64(1) << 53

// Cyclic is a monotonically increasing counter that wraps below 2^53. It
// seeds from a caller-supplied starting value so broker RPC sequence
// numbers can start at a random offset (spec: "seeded randomly").
type Cyclic struct {
	mu   sync.Mutex
	next uint64
}

// NewCyclic returns a counter whose first Next() call returns seed.
func NewCyclic(seed uint64) *Cyclic {
	return &Cyclic{next: seed % maxSeq}
}

// Next returns the next value in the sequence and advances the counter.
func (c *Cyclic) Next() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := c.next
	c.next = (c.next + 1) % maxSeq
	return v
}
