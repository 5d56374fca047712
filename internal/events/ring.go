package events

import "sync"

// ring is a thread-safe circular buffer of recent events.
//
// Example with capacity 3:
//
//	add(A) -> [A, _, _]  head=1, size=1
//	add(B) -> [A, B, _]  head=2, size=2
//	add(C) -> [A, B, C]  head=0, size=3 (wrapped)
//	add(D) -> [D, B, C]  head=1, size=3 (A was overwritten)
type ring struct {
	mu sync.RWMutex

	items []Event

	// head points to where the next write will go.
	head int
	size int
	cap  int
}

// defaultRingCapacity is used when capacity is <= 0.
const defaultRingCapacity = 256

func newRing(capacity int) *ring {
	if capacity <= 0 {
		capacity = defaultRingCapacity
	}
	return &ring{
		items: make([]Event, capacity),
		cap:   capacity,
	}
}

// add stores e, overwriting the oldest event when full.
func (r *ring) add(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.items[r.head] = e
	r.head = (r.head + 1) % r.cap
	if r.size < r.cap {
		r.size++
	}
}

// list returns the stored events oldest first.
func (r *ring) list() []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Event, r.size)
	if r.size == 0 {
		return out
	}
	if r.size < r.cap {
		copy(out, r.items[:r.size])
		return out
	}
	for i := 0; i < r.size; i++ {
		out[i] = r.items[(r.head+i)%r.cap]
	}
	return out
}

func (r *ring) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}
