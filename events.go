package hypercore

import (
	"sync"

	"github.com/corelog/hypercore/internal/common"
)

// maxEventQueueCapacity bounds each subscriber's queue; when it fills,
// the oldest event is discarded to make room.
const maxEventQueueCapacity = 32

// Event is a replication-relevant notification from a core. The
// concrete types are Have, DataUpgradeEvent and GetEvent.
type Event interface {
	isEvent()
}

// Have is emitted when the core gains or drops blocks.
type Have struct {
	Start  uint64
	Length uint64
	Drop   bool
}

func (Have) isEvent() {}

// DataUpgradeEvent is emitted when an upgrade proof was applied.
type DataUpgradeEvent struct{}

func (DataUpgradeEvent) isEvent() {}

// GetEvent is emitted when Get is called for a missing block. Result
// is closed once a later update makes the block available locally.
type GetEvent struct {
	Index  uint64
	Result <-chan struct{}
}

func (GetEvent) isEvent() {}

// eventBus broadcasts events to subscribers. Sending never blocks:
// when a subscriber's queue is full its oldest event is dropped.
type eventBus struct {
	mu      sync.Mutex
	subs    []chan Event
	pending map[uint64][]chan struct{}
}

func newEventBus() *eventBus {
	return &eventBus{pending: make(map[uint64][]chan struct{})}
}

// subscribe returns a new event channel with a bounded queue.
func (b *eventBus) subscribe() <-chan Event {
	ch := make(chan Event, maxEventQueueCapacity)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch
}

func (b *eventBus) send(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		for {
			select {
			case ch <- event:
			default:
				// Queue full: discard the oldest and retry.
				select {
				case <-ch:
				default:
				}
				continue
			}
			break
		}
	}
}

// sendOnGet emits a GetEvent for a missing block and returns the
// channel closed once the block arrives.
func (b *eventBus) sendOnGet(index uint64) <-chan struct{} {
	result := make(chan struct{})
	b.mu.Lock()
	b.pending[index] = append(b.pending[index], result)
	b.mu.Unlock()
	b.send(GetEvent{Index: index, Result: result})
	return result
}

// resolveGets closes the result channels of pending gets covered by
// the update.
func (b *eventBus) resolveGets(update *common.BitfieldUpdate) {
	if update.Drop {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	end := update.Start + update.Length
	for index, waiters := range b.pending {
		if index >= update.Start && index < end {
			for _, waiter := range waiters {
				close(waiter)
			}
			delete(b.pending, index)
		}
	}
}
