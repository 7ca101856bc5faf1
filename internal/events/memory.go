package events

import (
	"context"
	"sync"

	"github.com/nolas/bridge/internal/models"
)

// MemoryLog is an in-process Log implementation, used by tests.
// cmd/bridge always uses the Postgres-backed log from internal/db.
type MemoryLog struct {
	mu      sync.Mutex
	nextID  int64
	entries []models.WebhookLogEntry
}

// NewMemoryLog creates an empty in-memory log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

// Append assigns the next sequential ID and stores entry.
func (m *MemoryLog) Append(ctx context.Context, entry models.WebhookLogEntry) (models.WebhookLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	entry.ID = m.nextID
	m.entries = append(m.entries, entry)
	return entry, nil
}

// All returns a snapshot of every entry appended so far, in order.
func (m *MemoryLog) All() []models.WebhookLogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.WebhookLogEntry, len(m.entries))
	copy(out, m.entries)
	return out
}
