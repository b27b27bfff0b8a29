// Package bus provides the publish/subscribe contract shared by the host
// and its modules, with in-memory and Redis Pub/Sub implementations.
package bus

import (
	"context"
	"sort"
	"sync"

	"github.com/shellhost/shellhost/infrastructure/logging"
	"github.com/shellhost/shellhost/infrastructure/registry"
)

// Contract resolves to a Bus in the root scope.
const Contract = registry.ContractID("host.bus")

// Handler consumes one published message.
type Handler func(ctx context.Context, payload []byte) error

// Subscription is a disposable topic binding.
type Subscription interface {
	Close() error
}

// Bus is the messaging contract modules consume. Delivery is at-most-once
// within the process; cross-process guarantees are the backend's.
type Bus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(topic string, handler Handler) (Subscription, error)
	Ping(ctx context.Context) error
}

// =============================================================================
// In-memory bus
// =============================================================================

// Memory is the process-local Bus used when no Redis backend is
// configured.
type Memory struct {
	mu     sync.RWMutex
	subs   map[string]map[int]Handler
	nextID int
	logger *logging.Logger
}

// NewMemory creates an in-memory bus.
func NewMemory(logger *logging.Logger) *Memory {
	if logger == nil {
		logger = logging.NewFromEnv("bus")
	}
	return &Memory{subs: make(map[string]map[int]Handler), logger: logger}
}

// Publish implements Bus. Handlers run synchronously in subscription
// order; a failing handler is logged and does not block the rest.
func (b *Memory) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.RLock()
	subs := b.subs[topic]
	ids := make([]int, 0, len(subs))
	for id := range subs {
		ids = append(ids, id)
	}
	// Subscription IDs increase monotonically, so sorting restores
	// subscription order.
	sort.Ints(ids)
	handlers := make([]Handler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, subs[id])
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		if err := h(ctx, payload); err != nil {
			b.logger.WithError(err).WithFields(map[string]interface{}{
				"topic": topic,
			}).Warn("bus handler failed")
		}
	}
	return nil
}

// Subscribe implements Bus.
func (b *Memory) Subscribe(topic string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[int]Handler)
	}
	b.nextID++
	id := b.nextID
	b.subs[topic][id] = handler
	return &memorySubscription{bus: b, topic: topic, id: id}, nil
}

// Ping implements Bus.
func (b *Memory) Ping(context.Context) error { return nil }

type memorySubscription struct {
	bus   *Memory
	topic string
	id    int
	once  sync.Once
}

func (s *memorySubscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs[s.topic], s.id)
		s.bus.mu.Unlock()
	})
	return nil
}
