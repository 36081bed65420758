package common

import "container/heap"

// item is a single entry in a priority queue.
type item[T any] struct {
	value    T
	priority float64
	index    int
}

// heapSlice implements heap.Interface over a slice of *item[T].
type heapSlice[T any] struct {
	items    []*item[T]
	reversed bool
}

func (h *heapSlice[T]) Len() int { return len(h.items) }

func (h *heapSlice[T]) Less(i, j int) bool {
	if h.reversed {
		return h.items[i].priority > h.items[j].priority
	}
	return h.items[i].priority < h.items[j].priority
}

func (h *heapSlice[T]) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].index = i
	h.items[j].index = j
}

func (h *heapSlice[T]) Push(x any) {
	n := len(h.items)
	it := x.(*item[T])
	it.index = n
	h.items = append(h.items, it)
}

func (h *heapSlice[T]) Pop() any {
	old := h.items
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	h.items = old[0 : n-1]
	return it
}

// PriorityQueue is a generic min-heap (or max-heap, when reversed) keyed
// by a caller-supplied float64 priority, with O(log n) priority updates
// for values already present. The broker's RPC-timeout sweep uses one
// ordered by waiter deadline (oldest deadline first) so the periodic
// timer can pop expired entries instead of scanning the whole
// correlation table every tick.
type PriorityQueue[T comparable] struct {
	h   *heapSlice[T]
	idx map[T]*item[T]
}

// NewPriorityQueue returns an empty queue. When reversed is true, Pop
// returns the highest-priority value first; otherwise the lowest.
func NewPriorityQueue[T comparable](reversed bool) *PriorityQueue[T] {
	return &PriorityQueue[T]{
		h:   &heapSlice[T]{items: make([]*item[T], 0), reversed: reversed},
		idx: make(map[T]*item[T]),
	}
}

// Push inserts v with the given priority, or updates v's priority if it
// is already present.
func (q *PriorityQueue[T]) Push(v T, priority float64) {
	it := q.idx[v]
	if it == nil {
		it = &item[T]{value: v, priority: priority}
		q.idx[v] = it
		heap.Push(q.h, it)
		return
	}
	it.priority = priority
	heap.Fix(q.h, it.index)
}

// Pop removes and returns the front value. It panics if the queue is
// empty; callers should check Len first.
func (q *PriorityQueue[T]) Pop() T {
	it := heap.Pop(q.h).(*item[T])
	delete(q.idx, it.value)
	return it.value
}

// Peek returns the front value and its priority without removing it. ok
// is false if the queue is empty.
func (q *PriorityQueue[T]) Peek() (value T, priority float64, ok bool) {
	if len(q.h.items) == 0 {
		return value, 0, false
	}
	it := q.h.items[0]
	return it.value, it.priority, true
}

// Remove deletes v from the queue if present, reporting whether it was.
func (q *PriorityQueue[T]) Remove(v T) bool {
	it := q.idx[v]
	if it == nil {
		return false
	}
	delete(q.idx, v)
	heap.Remove(q.h, it.index)
	return true
}

// Len returns the number of entries currently queued.
func (q *PriorityQueue[T]) Len() int {
	return len(q.h.items)
}
