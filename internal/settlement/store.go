package settlement

import (
	"context"
	"math/big"
	"sync"
	"time"
)

// Store persists pending settlements between dispatch and resolve. Consume is
// the at-most-once gate: it removes and returns the record in one step, so
// exactly one caller can ever settle a given intent.
type Store interface {
	Put(ctx context.Context, intent PurchaseIntent) error

	// Consume removes the pending record and returns it. A nil intent with
	// a nil error means the record is absent (never dispatched, or already
	// settled).
	Consume(ctx context.Context, id string) (*PurchaseIntent, error)

	// Expired lists pending intents whose deadline has passed.
	Expired(ctx context.Context, now time.Time) ([]PurchaseIntent, error)
}

// MemoryStore is mostly for testing.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string]PurchaseIntent
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]PurchaseIntent)}
}

func (m *MemoryStore) Put(_ context.Context, intent PurchaseIntent) error {
	intent.Attached = copyAmount(intent.Attached)
	intent.Tokens = copyAmount(intent.Tokens)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[intent.ID] = intent
	return nil
}

func (m *MemoryStore) Consume(_ context.Context, id string) (*PurchaseIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	intent, ok := m.data[id]
	if !ok {
		return nil, nil
	}
	delete(m.data, id)
	return &intent, nil
}

func (m *MemoryStore) Expired(_ context.Context, now time.Time) ([]PurchaseIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []PurchaseIntent
	for _, intent := range m.data {
		if now.After(intent.Deadline) {
			out = append(out, intent)
		}
	}
	return out, nil
}

// copyAmount guards stored big.Ints against caller mutation.
func copyAmount(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
