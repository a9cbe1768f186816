package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/condominio/portero/internal/portero/store"
)

// AccessEventStore is an in-memory event history for tests and for running
// without a database.
type AccessEventStore struct {
	mu     sync.Mutex
	events []store.AccessEventRecord
}

func NewAccessEventStore() *AccessEventStore {
	return &AccessEventStore{}
}

func (s *AccessEventStore) RecordEvent(_ context.Context, rec store.AccessEventRecord) error {
	if rec.OccurredAt.IsZero() {
		rec.OccurredAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, rec)
	return nil
}

func (s *AccessEventStore) ListEvents(_ context.Context, shellID string, limit int) ([]store.AccessEventRecord, error) {
	limit = store.ClampLimit(limit)

	s.mu.Lock()
	var out []store.AccessEventRecord
	for _, ev := range s.events {
		if ev.ShellID == shellID {
			out = append(out, ev)
		}
	}
	s.mu.Unlock()

	// newest first; insertion order breaks ties
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].OccurredAt.After(out[j].OccurredAt) })

	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *AccessEventStore) PruneOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.events[:0]
	var n int64
	for _, ev := range s.events {
		if ev.OccurredAt.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, ev)
	}
	s.events = kept
	return n, nil
}

// Events returns a copy of everything recorded, oldest first.  Test helper.
func (s *AccessEventStore) Events() []store.AccessEventRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.AccessEventRecord, len(s.events))
	copy(out, s.events)
	return out
}
