// Package events fans out candles and portfolio snapshots to in-process subscribers.
package events

import (
	"sync"

	"github.com/youtix/gekko2-sub000/internal/domain"
)

// CandleBroadcaster delivers candles synchronously to registered callbacks,
// in registration order.
type CandleBroadcaster struct {
	mu     sync.RWMutex
	nextID uint64
	subs   []candleSub
}

type candleSub struct {
	id uint64
	cb func(domain.Candle)
}

// NewCandleBroadcaster creates an empty broadcaster.
func NewCandleBroadcaster() *CandleBroadcaster {
	return &CandleBroadcaster{}
}

// Subscribe registers cb. The returned func removes it and is safe to call twice.
func (b *CandleBroadcaster) Subscribe(cb func(domain.Candle)) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, candleSub{id: id, cb: cb})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Publish calls every callback with c. Callbacks run without the broadcaster lock held,
// so they may subscribe or unsubscribe.
func (b *CandleBroadcaster) Publish(c domain.Candle) {
	b.mu.RLock()
	subs := make([]candleSub, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		s.cb(c)
	}
}

// Len returns the number of subscribers.
func (b *CandleBroadcaster) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
