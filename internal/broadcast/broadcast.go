// Package broadcast fans values out to in-process subscribers. Publishing
// never blocks: a subscriber whose buffer is full misses that value.
package broadcast

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const subscriberBufferSize = 64

type Broadcaster[T any] struct {
	mu     sync.RWMutex
	subs   map[string]chan T
	closed bool
	stop   chan struct{} // closed by Close
	logger *slog.Logger
}

func New[T any](name string) *Broadcaster[T] {
	return &Broadcaster[T]{
		subs:   make(map[string]chan T),
		stop:   make(chan struct{}),
		logger: slog.Default().With("component", "broadcast", "name", name),
	}
}

// Subscribe registers a subscriber that is removed when ctx is done.
// The returned func unsubscribes early; calling it more than once is safe.
// The goroutine watching ctx exits on whichever comes first.
func (b *Broadcaster[T]) Subscribe(ctx context.Context) (<-chan T, func()) {
	id := uuid.New().String()
	ch := make(chan T, subscriberBufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	b.subs[id] = ch
	b.mu.Unlock()

	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			b.unsubscribe(id)
		})
	}

	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-done:
		case <-b.stop:
		}
	}()

	return ch, cancel
}

func (b *Broadcaster[T]) Publish(v T) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subs {
		select {
		case ch <- v:
		default:
			b.logger.Debug("dropped value for slow subscriber", "sub_id", id)
		}
	}
}

func (b *Broadcaster[T]) unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

// Len returns the number of live subscribers.
func (b *Broadcaster[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscriber channel. Later subscribers get a closed channel.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	close(b.stop)
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}
