package bus

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/kandev/agentgate/internal/common/logger"
)

// ErrClosed is returned by Publish and Subscribe after Close.
var ErrClosed = errors.New("event bus is closed")

const defaultQueueSize = 256

// MemoryEventBus delivers events in-process. Each subscription has its own
// queue and goroutine, so one subscriber sees events in publish order and a
// slow subscriber never blocks the publisher; when its queue is full the
// event is dropped for that subscriber and logged.
type MemoryEventBus struct {
	log       *logger.Logger
	queueSize int

	mu     sync.RWMutex
	subs   map[*memorySubscription]struct{}
	closed bool
}

type delivery struct {
	ctx   context.Context
	event *Event
}

type memorySubscription struct {
	bus     *MemoryEventBus
	pattern string
	handler EventHandler
	queue   chan delivery
	done    chan struct{}
	once    sync.Once
}

// NewMemoryEventBus returns an empty in-process bus.
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	return &MemoryEventBus{
		log:       log.WithFields(zap.String("component", "memory-bus")),
		queueSize: defaultQueueSize,
		subs:      make(map[*memorySubscription]struct{}),
	}
}

// Publish enqueues the event for every matching subscription. The handler
// context is detached from ctx's cancellation.
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	d := delivery{ctx: context.WithoutCancel(ctx), event: event}
	for sub := range b.subs {
		if !SubjectMatches(sub.pattern, subject) {
			continue
		}
		select {
		case sub.queue <- d:
		default:
			b.log.Warn("Subscriber queue full, dropping event",
				zap.String("pattern", sub.pattern),
				zap.String("subject", subject),
				zap.String("event_id", event.ID))
		}
	}
	return nil
}

// Subscribe registers handler for pattern.
func (b *MemoryEventBus) Subscribe(pattern string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	sub := &memorySubscription{
		bus:     b,
		pattern: pattern,
		handler: handler,
		queue:   make(chan delivery, b.queueSize),
		done:    make(chan struct{}),
	}
	b.subs[sub] = struct{}{}
	go sub.run()
	return sub, nil
}

func (s *memorySubscription) run() {
	for {
		select {
		case <-s.done:
			return
		case d := <-s.queue:
			if err := s.handler(d.ctx, d.event); err != nil {
				s.bus.log.Warn("Event handler failed",
					zap.String("pattern", s.pattern),
					zap.String("event_type", d.event.Type),
					zap.Error(err))
			}
		}
	}
}

// Unsubscribe stops delivery. Events still queued are discarded.
func (s *memorySubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
	s.stop()
	return nil
}

func (s *memorySubscription) stop() {
	s.once.Do(func() { close(s.done) })
}

// Close stops every subscription and rejects further use.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		sub.stop()
	}
	b.subs = nil
}

// IsConnected is true until Close.
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}
