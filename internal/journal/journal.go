package journal

import (
	"context"
	"sync"

	"driverlink/internal/domain/ride"
)

// Journal records ride settlements (fare, duration, outcome) when the
// lifecycle reaches a terminal status. Recording happens before the machine
// reports IDLE; failures are logged by the caller and never block the
// lifecycle.
type Journal interface {
	Record(ctx context.Context, settlement ride.Settlement) error
}

// Memory is the in-process Journal used in tests and when no database is
// configured.
type Memory struct {
	mu      sync.Mutex
	entries []ride.Settlement
}

// NewMemory constructs an empty in-memory journal.
func NewMemory() *Memory {
	return &Memory{}
}

// Record appends the settlement.
func (m *Memory) Record(_ context.Context, settlement ride.Settlement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, settlement)
	return nil
}

// Entries returns a copy of everything recorded so far.
func (m *Memory) Entries() []ride.Settlement {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ride.Settlement, len(m.entries))
	copy(out, m.entries)
	return out
}
