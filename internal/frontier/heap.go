package frontier

import "time"

type entry struct {
	QueueEntry
	host  string
	seq   uint64
	index int // Position in the host's pending heap, -1 while dequeued
}

// before orders entries by depth, then discovery time, then insertion order
func (e *entry) before(o *entry) bool {
	if e.Request.Depth != o.Request.Depth {
		return e.Request.Depth < o.Request.Depth
	}
	if !e.Request.AppearedAt.Equal(o.Request.AppearedAt) {
		return e.Request.AppearedAt.Before(o.Request.AppearedAt)
	}
	return e.seq < o.seq
}

type entryHeap []*entry

func (h entryHeap) Len() int           { return len(h) }
func (h entryHeap) Less(i, j int) bool { return h[i].before(h[j]) }
func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

type hostSlot int

const (
	slotNone hostSlot = iota
	slotReady
	slotWaiting
)

type hostQueue struct {
	host     string
	pending  entryHeap
	inFlight int
	readyAt  time.Time
	slot     hostSlot
	index    int
}

// hostHeap is a heap of hosts. The ready heap orders hosts by their best
// pending entry; the waiting heap orders them by next allowed fetch time.
type hostHeap struct {
	items []*hostQueue
	less  func(a, b *hostQueue) bool
}

func readyOrder(a, b *hostQueue) bool {
	return a.pending[0].before(b.pending[0])
}

func waitingOrder(a, b *hostQueue) bool {
	return a.readyAt.Before(b.readyAt)
}

func (h *hostHeap) Len() int           { return len(h.items) }
func (h *hostHeap) Less(i, j int) bool { return h.less(h.items[i], h.items[j]) }
func (h *hostHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].index = i
	h.items[j].index = j
}

func (h *hostHeap) Push(x any) {
	hq := x.(*hostQueue)
	hq.index = len(h.items)
	h.items = append(h.items, hq)
}

func (h *hostHeap) Pop() any {
	n := len(h.items)
	hq := h.items[n-1]
	h.items[n-1] = nil
	hq.index = -1
	hq.slot = slotNone
	h.items = h.items[:n-1]
	return hq
}

func (h *hostHeap) peek() *hostQueue {
	if len(h.items) == 0 {
		return nil
	}
	return h.items[0]
}
