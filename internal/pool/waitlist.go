package pool

import "container/heap"

// waiter is a queued acquire request. Waiters are released strictly in
// priority order, ties broken FIFO by sequence number.
type waiter struct {
	providerID string
	priority   int
	seq        uint64
	ch         chan Connection
	index      int
	removed    bool
}

type waiterHeap []*waiter

func (h waiterHeap) Len() int { return len(h) }

func (h waiterHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h waiterHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *waiterHeap) Push(x any) {
	w := x.(*waiter)
	w.index = len(*h)
	*h = append(*h, w)
}

func (h *waiterHeap) Pop() any {
	old := *h
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	w.index = -1
	*h = old[:n-1]
	return w
}

// waitList maintains one priority heap of waiters per provider.
type waitList struct {
	heaps map[string]*waiterHeap
	count int
}

func newWaitList() *waitList {
	return &waitList{heaps: make(map[string]*waiterHeap)}
}

func (l *waitList) add(w *waiter) {
	h, ok := l.heaps[w.providerID]
	if !ok {
		h = &waiterHeap{}
		l.heaps[w.providerID] = h
	}
	heap.Push(h, w)
	l.count++
}

// pop removes and returns the highest-priority waiter for the provider.
func (l *waitList) pop(providerID string) *waiter {
	h, ok := l.heaps[providerID]
	if !ok || h.Len() == 0 {
		return nil
	}
	w := heap.Pop(h).(*waiter)
	l.count--
	return w
}

// remove detaches a waiter that timed out or was cancelled.
func (l *waitList) remove(w *waiter) bool {
	if w.removed || w.index < 0 {
		return false
	}
	h, ok := l.heaps[w.providerID]
	if !ok {
		return false
	}
	heap.Remove(h, w.index)
	w.removed = true
	l.count--
	return true
}

// drain removes and returns every waiter across all providers.
func (l *waitList) drain() []*waiter {
	out := make([]*waiter, 0, l.count)
	for provider, h := range l.heaps {
		for h.Len() > 0 {
			out = append(out, heap.Pop(h).(*waiter))
		}
		delete(l.heaps, provider)
	}
	l.count = 0
	return out
}

func (l *waitList) len() int {
	return l.count
}
