// audit/memory.go
package audit

import (
	"context"
	"sync"
	"time"
)

// MemoryRepository is an append-only in-memory repository, used in tests and
// deployments without an Elasticsearch backend.
type MemoryRepository struct {
	mu      sync.RWMutex
	records []Record
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{}
}

func (r *MemoryRepository) Append(ctx context.Context, record Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, record)
	return nil
}

func (r *MemoryRepository) Query(ctx context.Context, from, to time.Time, requestID string, stage Stage) ([]Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Record
	for _, record := range r.records {
		if record.Timestamp.Before(from) || record.Timestamp.After(to) {
			continue
		}
		if requestID != "" && record.RequestID != requestID {
			continue
		}
		if stage != "" && record.Stage != stage {
			continue
		}
		out = append(out, record)
	}
	return out, nil
}

func (r *MemoryRepository) Purge(ctx context.Context, olderThan time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.records[:0]
	purged := 0
	for _, record := range r.records {
		if record.Timestamp.Before(olderThan) {
			purged++
			continue
		}
		kept = append(kept, record)
	}
	r.records = kept
	return purged, nil
}

// All returns a copy of every stored record in append order.
func (r *MemoryRepository) All() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Record, len(r.records))
	copy(out, r.records)
	return out
}
