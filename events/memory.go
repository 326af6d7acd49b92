package events

import (
	"context"
	"errors"
	"sync"
)

const memoryQueueSize = 1024

var ErrBusClosed = errors.New("event bus closed")

type memorySubscription struct {
	consumer string
	types    []EventType
	handler  Handler
	queue    chan *Envelope
}

// MemoryBus delivers events in-process. Each subscription has its own
// queue and worker so a slow consumer does not block the others.
type MemoryBus struct {
	opts BusOptions

	mu      sync.RWMutex
	subs    []*memorySubscription
	ctx     context.Context
	cancel  context.CancelFunc
	workers sync.WaitGroup
	closed  bool

	pendingMu sync.Mutex
	pendingCv *sync.Cond
	pending   int
}

func NewMemoryBus(opts BusOptions) *MemoryBus {
	opts.withDefaults()
	b := &MemoryBus{opts: opts}
	b.pendingCv = sync.NewCond(&b.pendingMu)
	return b
}

func (b *MemoryBus) Subscribe(consumer string, types []EventType, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}

	sub := &memorySubscription{
		consumer: consumer,
		types:    types,
		handler:  handler,
		queue:    make(chan *Envelope, memoryQueueSize),
	}
	b.subs = append(b.subs, sub)

	if b.ctx != nil {
		b.startWorker(sub)
	}
	return nil
}

func (b *MemoryBus) Publish(ctx context.Context, env *Envelope) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBusClosed
	}
	subs := make([]*memorySubscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, sub := range subs {
		if !matches(sub.types, env.Type) {
			continue
		}
		copied := *env
		b.addPending(1)
		select {
		case sub.queue <- &copied:
		case <-ctx.Done():
			b.addPending(-1)
			return ctx.Err()
		}
	}
	return nil
}

func (b *MemoryBus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}
	if b.ctx != nil {
		return nil
	}

	b.ctx, b.cancel = context.WithCancel(ctx)
	for _, sub := range b.subs {
		b.startWorker(sub)
	}
	return nil
}

func (b *MemoryBus) startWorker(sub *memorySubscription) {
	b.workers.Add(1)
	go func() {
		defer b.workers.Done()
		for {
			select {
			case <-b.ctx.Done():
				return
			case env := <-sub.queue:
				_ = deliver(b.ctx, b.opts, sub.consumer, env, sub.handler)
				b.addPending(-1)
			}
		}
	}()
}

// Drain blocks until every published event, including events published by
// handlers along the way, has been handled.
func (b *MemoryBus) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		b.pendingMu.Lock()
		for b.pending > 0 {
			b.pendingCv.Wait()
		}
		b.pendingMu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *MemoryBus) addPending(delta int) {
	b.pendingMu.Lock()
	b.pending += delta
	if b.pending <= 0 {
		b.pending = 0
		b.pendingCv.Broadcast()
	}
	b.pendingMu.Unlock()
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	cancel := b.cancel
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	b.workers.Wait()
	return nil
}
