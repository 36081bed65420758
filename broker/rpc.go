package broker

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/fleetkit/fleetd/common"
)

// pendingAsk is one in-flight Ask awaiting a response frame from a
// peer broker, correlated by sequence number.
type pendingAsk struct {
	resultCh chan askResult
	deadline time.Time
}

type askResult struct {
	payload json.RawMessage
	errName string
	errMsg  string
}

// rpcTable tracks pending asks by sequence number and keeps a
// deadline-ordered priority queue (common.PriorityQueue) so the
// periodic timer can sweep timed-out requests in O(log n) instead of
// scanning the whole map.
type rpcTable struct {
	mu       sync.Mutex
	seq      *common.Cyclic
	pending  map[uint64]*pendingAsk
	deadline *common.PriorityQueue[uint64]
}

func newRPCTable(seed uint64) *rpcTable {
	return &rpcTable{
		seq:      common.NewCyclic(seed),
		pending:  make(map[uint64]*pendingAsk),
		deadline: common.NewPriorityQueue[uint64](false),
	}
}

// register allocates a sequence number for a new Ask and returns the
// channel its response will be delivered on.
func (t *rpcTable) register(timeout time.Duration) (uint64, <-chan askResult) {
	t.mu.Lock()
	defer t.mu.Unlock()
	seq := t.seq.Next()
	deadline := time.Now().Add(timeout)
	p := &pendingAsk{resultCh: make(chan askResult, 1), deadline: deadline}
	t.pending[seq] = p
	t.deadline.Push(seq, float64(deadline.UnixNano()))
	return seq, p.resultCh
}

// complete delivers a response frame to the Ask waiting on seq, if
// any is still pending.
func (t *rpcTable) complete(seq uint64, res askResult) {
	t.mu.Lock()
	p, ok := t.pending[seq]
	if ok {
		delete(t.pending, seq)
		t.deadline.Remove(seq)
	}
	t.mu.Unlock()
	if ok {
		p.resultCh <- res
	}
}

// sweepTimeouts completes every pending ask whose deadline has
// passed with a Timeout result, called from the broker's periodic
// timer.
func (t *rpcTable) sweepTimeouts(now time.Time) {
	for {
		t.mu.Lock()
		seq, priority, ok := t.deadline.Peek()
		if !ok || time.Unix(0, int64(priority)).After(now) {
			t.mu.Unlock()
			return
		}
		p, ok := t.pending[seq]
		delete(t.pending, seq)
		t.deadline.Pop()
		t.mu.Unlock()
		if ok {
			p.resultCh <- askResult{errName: "Timeout", errMsg: "no response before deadline"}
		}
	}
}

// cancelAll fails every pending ask, used when the broker stops.
func (t *rpcTable) cancelAll(errName, errMsg string) {
	t.mu.Lock()
	pending := t.pending
	t.pending = make(map[uint64]*pendingAsk)
	t.deadline = common.NewPriorityQueue[uint64](false)
	t.mu.Unlock()
	for _, p := range pending {
		p.resultCh <- askResult{errName: errName, errMsg: errMsg}
	}
}
