package bus

import (
	"context"
	"sync"
)

// queue is an unbounded multi-producer FIFO. Publish never blocks; Pop waits
// until an item arrives or the context is done.
type queue[T any] struct {
	mu    sync.Mutex
	items []T
	wake  chan struct{} // capacity 1, signalled on push
}

func newQueue[T any]() *queue[T] {
	return &queue[T]{wake: make(chan struct{}, 1)}
}

func (q *queue[T]) Push(item T) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Pop removes the oldest item. Returns false when ctx is done first.
func (q *queue[T]) Pop(ctx context.Context) (T, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return item, true
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			var zero T
			return zero, false
		case <-q.wake:
		}
	}
}

func (q *queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// MessageBus routes inbound and outbound messages between channel adapters
// and the agent runtime. Per-producer FIFO ordering is preserved; there is no
// global ordering across producers.
type MessageBus struct {
	inbound  *queue[InboundMessage]
	outbound *queue[OutboundMessage]
}

func NewMessageBus() *MessageBus {
	return &MessageBus{
		inbound:  newQueue[InboundMessage](),
		outbound: newQueue[OutboundMessage](),
	}
}

// PublishInbound enqueues a message for the agent loop. Never blocks.
func (b *MessageBus) PublishInbound(msg InboundMessage) {
	b.inbound.Push(msg)
}

// ConsumeInbound dequeues the next inbound message, waiting until one is
// available or ctx is done. Returns false on timeout/cancellation.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	return b.inbound.Pop(ctx)
}

// PublishOutbound enqueues a message for channel delivery. Never blocks.
func (b *MessageBus) PublishOutbound(msg OutboundMessage) {
	b.outbound.Push(msg)
}

// ConsumeOutbound dequeues the next outbound message, waiting until one is
// available or ctx is done.
func (b *MessageBus) ConsumeOutbound(ctx context.Context) (OutboundMessage, bool) {
	return b.outbound.Pop(ctx)
}

// InboundLen reports the current inbound backlog (used by status surfaces).
func (b *MessageBus) InboundLen() int { return b.inbound.Len() }

// OutboundLen reports the current outbound backlog.
func (b *MessageBus) OutboundLen() int { return b.outbound.Len() }
