package materialize

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// StatusEntry is one row of the durable build-status log.
type StatusEntry struct {
	BuildID uuid.UUID `db:"build_id" json:"build_id"`
	Node    string    `db:"node" json:"node"`
	Status  Status    `db:"status" json:"status"`
	Cause   string    `db:"cause" json:"cause,omitempty"`
	At      time.Time `db:"at" json:"at"`
}

// StatusLog records every node state transition of a build, keyed by node
// and build timestamp. Together with the dependency manifest it is the
// only durable internal state the pipeline keeps.
type StatusLog interface {
	Append(ctx context.Context, e StatusEntry) error
}

// MemoryStatusLog keeps entries in process, for tests and dry runs.
type MemoryStatusLog struct {
	mu      sync.Mutex
	entries []StatusEntry
}

func NewMemoryStatusLog() *MemoryStatusLog {
	return &MemoryStatusLog{}
}

func (l *MemoryStatusLog) Append(_ context.Context, e StatusEntry) error {
	l.mu.Lock()
	l.entries = append(l.entries, e)
	l.mu.Unlock()
	return nil
}

// Entries returns a copy of everything logged so far.
func (l *MemoryStatusLog) Entries() []StatusEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]StatusEntry, len(l.entries))
	copy(out, l.entries)
	return out
}
