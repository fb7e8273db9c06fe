package event

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store persists the materialized unified timeline. Replace publishes a
// full rebuild atomically: readers only ever see a complete build, never
// a partial one.
type Store interface {
	Replace(ctx context.Context, events []CanonicalEvent) error
	ListByPatient(ctx context.Context, patientID string, from, to *time.Time, limit, offset int) ([]CanonicalEvent, int, error)
}

// MemoryStore is the in-process Store used by tests.
type MemoryStore struct {
	mu     sync.RWMutex
	events []CanonicalEvent
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Replace(_ context.Context, events []CanonicalEvent) error {
	snapshot := make([]CanonicalEvent, len(events))
	copy(snapshot, events)
	s.mu.Lock()
	s.events = snapshot
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) ListByPatient(_ context.Context, patientID string, from, to *time.Time, limit, offset int) ([]CanonicalEvent, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []CanonicalEvent
	for _, e := range s.events {
		if e.PatientID != patientID {
			continue
		}
		if from != nil && (e.EventDate == nil || e.EventDate.Before(*from)) {
			continue
		}
		if to != nil && (e.EventDate == nil || e.EventDate.After(*to)) {
			continue
		}
		matched = append(matched, e)
	}
	sort.SliceStable(matched, func(i, j int) bool {
		di, dj := matched[i].EventDate, matched[j].EventDate
		switch {
		case di == nil && dj == nil:
			return false
		case di == nil:
			return false // undated events sort last
		case dj == nil:
			return true
		default:
			return di.Before(*dj)
		}
	})

	total := len(matched)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return matched[offset:end], total, nil
}
