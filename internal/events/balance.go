package events

import (
	"sync"
	"sync/atomic"

	"github.com/youtix/gekko2-sub000/internal/domain"
)

const defaultBalanceBuffer = 64

// BalanceBroadcaster fans portfolio snapshots out to subscribers. A subscriber that
// falls behind loses its oldest buffered snapshots, never the latest one.
type BalanceBroadcaster struct {
	mu      sync.RWMutex
	subs    map[chan domain.BalanceSnapshot]struct{}
	buffer  int
	dropped atomic.Uint64
}

// NewBalanceBroadcaster creates a broadcaster with the given per-subscriber buffer.
func NewBalanceBroadcaster(buffer int) *BalanceBroadcaster {
	if buffer < 1 {
		buffer = defaultBalanceBuffer
	}
	return &BalanceBroadcaster{
		subs:   make(map[chan domain.BalanceSnapshot]struct{}),
		buffer: buffer,
	}
}

// Publish never blocks.
func (b *BalanceBroadcaster) Publish(s domain.BalanceSnapshot) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		for {
			select {
			case ch <- s:
			default:
				select {
				case <-ch:
					b.dropped.Add(1)
				default:
				}
				continue
			}
			break
		}
	}
}

// Subscribe returns the snapshot channel and a func that unsubscribes and closes it.
// The func may be called more than once.
func (b *BalanceBroadcaster) Subscribe() (<-chan domain.BalanceSnapshot, func()) {
	ch := make(chan domain.BalanceSnapshot, b.buffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			close(ch)
			b.mu.Unlock()
		})
	}
}

// Subscribers returns the number of active subscriptions.
func (b *BalanceBroadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many snapshots were discarded for slow subscribers.
func (b *BalanceBroadcaster) Dropped() uint64 {
	return b.dropped.Load()
}
