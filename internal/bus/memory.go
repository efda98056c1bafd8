package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/stratosec/idposture/internal/model"
)

// MemoryBus is a synchronous in-process Bus for tests and dev mode. Published
// payloads go through a JSON round-trip so handlers see the same shapes they
// would see over the wire.
type MemoryBus struct {
	mu       sync.RWMutex
	handlers map[string][]BatchHandler
}

// NewMemoryBus creates an empty in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{handlers: make(map[string][]BatchHandler)}
}

func (b *MemoryBus) Subscribe(subject string, h BatchHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[subject] = append(b.handlers[subject], h)
	return nil
}

func (b *MemoryBus) Publish(subject string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal payload for %s: %w", subject, err)
	}

	b.mu.RLock()
	handlers := append([]BatchHandler(nil), b.handlers[subject]...)
	b.mu.RUnlock()

	if len(handlers) == 0 {
		return nil
	}

	var batch model.SyncBatch
	if err := json.Unmarshal(data, &batch); err != nil {
		return fmt.Errorf("failed to unmarshal payload for %s: %w", subject, err)
	}
	for _, h := range handlers {
		h(context.Background(), batch)
	}
	return nil
}

func (b *MemoryBus) Close() {}
