package events

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/ent0n29/chatbridge/internal/asyncqueue"
	"github.com/ent0n29/chatbridge/internal/logger"
)

// MemoryBus delivers events in-process. Each subscription has its own
// ordered queue and delivery goroutine, so a slow handler never blocks
// publishers.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[int]*memorySubscription
	nextID int
	closed bool
	log    *logger.Logger
}

type memorySubscription struct {
	id      int
	bus     *MemoryBus
	pattern string
	queue   *asyncqueue.Queue[delivery]
	once    sync.Once
}

type delivery struct {
	subject string
	event   *Event
}

func NewMemoryBus(log *logger.Logger) *MemoryBus {
	if log == nil {
		log = logger.Default()
	}
	return &MemoryBus{
		subs: make(map[int]*memorySubscription),
		log:  log.WithComponent("event-bus"),
	}
}

func (b *MemoryBus) Publish(_ context.Context, subject string, event *Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}
	for _, s := range b.subs {
		if Match(s.pattern, subject) {
			s.queue.Push(delivery{subject: subject, event: event})
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(subject string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	b.nextID++
	s := &memorySubscription{
		id:      b.nextID,
		bus:     b,
		pattern: subject,
		queue:   asyncqueue.New[delivery](),
	}
	b.subs[s.id] = s
	go s.run(handler, b.log)
	return s, nil
}

func (s *memorySubscription) run(handler Handler, log *logger.Logger) {
	ctx := context.Background()
	for d := range s.queue.All(ctx) {
		if err := handler(ctx, d.event); err != nil {
			log.Warn("event handler failed",
				zap.String("subject", d.subject),
				zap.String("event_type", d.event.Type),
				zap.Error(err))
		}
	}
}

func (s *memorySubscription) Unsubscribe() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s.id)
		s.bus.mu.Unlock()
		s.queue.Finish()
	})
	return nil
}

func (b *MemoryBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[int]*memorySubscription)
	b.mu.Unlock()
	for _, s := range subs {
		s.queue.Finish()
	}
}
