package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types emitted by the engine.
const (
	TypePublishSucceeded = "publish.succeeded"
	TypePublishFailed    = "publish.failed"
	TypePublishRetry     = "publish.retry"
	TypeDispatchTick     = "dispatch.tick"
	TypeItemScheduled    = "item.scheduled"
	TypeItemCancelled    = "item.cancelled"
)

// Event is an in-memory signal. Publish never blocks; slow subscribers drop.
type Event struct {
	Type   string    `json:"type"`
	Time   time.Time `json:"time"`
	UserID string    `json:"user_id,omitempty"`
	ItemID string    `json:"item_id,omitempty"`
	Data   any       `json:"data,omitempty"`
}

// PublishOutcome is the Data of publish.* events.
type PublishOutcome struct {
	Status     string     `json:"status"`
	ExternalID string     `json:"external_id,omitempty"`
	RetryCount int        `json:"retry_count"`
	Error      string     `json:"error,omitempty"`
	ErrorKind  string     `json:"error_kind,omitempty"`
	NextTry    *time.Time `json:"next_try,omitempty"`
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
	// Dropped counts deliveries lost to full subscriber buffers.
	Dropped() uint64
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

// Nop discards every event.
func Nop() Bus { return nopBus{} }

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			// Sends happen under the read lock, so closing under the write
			// lock cannot race a send.
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
	return ch, unsub
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }

type nopBus struct{}

func (nopBus) Publish(Event) {}

func (nopBus) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	var once sync.Once
	return ch, func() { once.Do(func() { close(ch) }) }
}

func (nopBus) Dropped() uint64 { return 0 }
