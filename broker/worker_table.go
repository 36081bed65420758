package broker

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/fleetkit/fleetd/worker"
)

// workerState is a local worker instance's lifecycle state, a smaller
// mirror of the broker's own state machine.
type workerState int

const (
	workerInactive workerState = iota
	workerActivating
	workerActive
	workerDestroying
	workerDestroyed
)

func (s workerState) String() string {
	switch s {
	case workerInactive:
		return "inactive"
	case workerActivating:
		return "activating"
	case workerActive:
		return "active"
	case workerDestroying:
		return "destroying"
	case workerDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// workerEntry is one locally-hosted worker: its application handler,
// the Agent handle it was given, and its local lifecycle bookkeeping.
//
// Two locks with distinct jobs: hookMu serializes handler hook
// invocations (OnCreate completes before any OnAsk/OnTell runs, no two
// hooks of the same instance overlap), while stateMu guards the small
// mutable fields and may be taken from inside a hook (a self-destroy
// issued during OnCreate sets pendingDestroy without deadlocking on
// hookMu).
type workerEntry struct {
	hookMu  sync.Mutex
	agent   *worker.Agent
	handler worker.Handler
	name    string

	stateMu        sync.Mutex
	state          workerState
	load           int
	pendingDestroy bool

	attributes json.RawMessage
	createdAt  time.Time
}

func (e *workerEntry) getState() workerState {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.state
}

func (e *workerEntry) setState(s workerState) {
	e.stateMu.Lock()
	e.state = s
	e.stateMu.Unlock()
}

// workerTable is the broker's in-memory map of the workers it
// currently owns.
type workerTable struct {
	mu      sync.Mutex
	entries map[string]*workerEntry
}

func newWorkerTable() *workerTable {
	return &workerTable{entries: make(map[string]*workerEntry)}
}

func (t *workerTable) put(id string, e *workerEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[id] = e
}

func (t *workerTable) get(id string) (*workerEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	return e, ok
}

func (t *workerTable) delete(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, id)
}

func (t *workerTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *workerTable) ids() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.entries))
	for id := range t.entries {
		out = append(out, id)
	}
	return out
}

// totalLoad sums every live worker's load, the aggregate published to
// cz:<cluster>.
func (t *workerTable) totalLoad() float64 {
	t.mu.Lock()
	entries := make([]*workerEntry, 0, len(t.entries))
	for _, e := range t.entries {
		entries = append(entries, e)
	}
	t.mu.Unlock()

	total := 0
	for _, e := range entries {
		e.stateMu.Lock()
		if e.state != workerDestroyed {
			total += e.load
		}
		e.stateMu.Unlock()
	}
	return float64(total)
}
