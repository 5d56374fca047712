package events

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// subscriberBuffer is the channel size per subscriber. Slow subscribers drop
// events rather than block publishers.
const subscriberBuffer = 256

// Stats summarizes event traffic.
type Stats struct {
	Total       int64      `json:"total"`
	EventsToday int64      `json:"events_today"`
	LastEvent   *time.Time `json:"last_event,omitempty"`
	Dropped     int64      `json:"dropped"`
	Subscribers int        `json:"subscribers"`
}

// BusOptions configures a Bus.
type BusOptions struct {
	// RecentCapacity bounds the replay ring.
	RecentCapacity int
	Logger         *zap.Logger

	// now is overridden in tests.
	now func() time.Time
}

// Bus fans events out to subscribers without blocking the publisher.
type Bus struct {
	recent *ring
	logger *zap.Logger
	now    func() time.Time

	mu      sync.RWMutex
	subs    map[int]chan Event
	nextID  int
	closed  bool
	total   int64
	dropped int64
	today   int64
	day     string
	last    time.Time
}

var _ Sink = (*Bus)(nil)

// NewBus creates a Bus.
func NewBus(opts BusOptions) *Bus {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.now
	if now == nil {
		now = time.Now
	}
	return &Bus{
		recent: newRing(opts.RecentCapacity),
		logger: logger.With(zap.String("component", "events")),
		now:    now,
		subs:   make(map[int]chan Event),
	}
}

// Publish records e and delivers it to every subscriber whose buffer has room.
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = b.now()
	}
	b.recent.add(e)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.total++
	day := e.Time.Format("2006-01-02")
	if day != b.day {
		b.day = day
		b.today = 0
	}
	b.today++
	b.last = e.Time

	for id, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped++
			b.logger.Debug("subscriber buffer full, dropping event",
				zap.Int("subscriber", id), zap.String("type", string(e.Type)))
		}
	}
}

// Subscribe returns a channel of future events and a cancel function that
// closes it.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, subscriberBuffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

// Recent returns the replay ring, oldest first.
func (b *Bus) Recent() []Event {
	return b.recent.list()
}

// Stats returns the counters. EventsToday resets at local midnight.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	st := Stats{
		Total:       b.total,
		EventsToday: b.today,
		Dropped:     b.dropped,
		Subscribers: len(b.subs),
	}
	if b.day != b.now().Format("2006-01-02") {
		st.EventsToday = 0
	}
	if !b.last.IsZero() {
		last := b.last
		st.LastEvent = &last
	}
	return st
}

// Close closes every subscriber channel. Later publishes are recorded in the
// ring only.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
