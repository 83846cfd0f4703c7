package bench

import (
	"context"
	"sort"
	"sync"

	"lifecycled/pkg/types"
)

// Store persists benchmark records. Implementations must be safe for
// concurrent use.
type Store interface {
	Append(ctx context.Context, recs []types.BenchmarkRecord) error
	// List returns records for modelID, most recent first. limit <= 0 means all.
	List(ctx context.Context, modelID string, limit int) ([]types.BenchmarkRecord, error)
	Close() error
}

type memoryStore struct {
	mu   sync.RWMutex
	recs map[string][]types.BenchmarkRecord
}

// NewMemoryStore returns a Store that lives as long as the process.
func NewMemoryStore() Store {
	return &memoryStore{recs: map[string][]types.BenchmarkRecord{}}
}

func (s *memoryStore) Append(ctx context.Context, recs []types.BenchmarkRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range recs {
		s.recs[r.ModelID] = append(s.recs[r.ModelID], r)
	}
	return nil
}

func (s *memoryStore) List(ctx context.Context, modelID string, limit int) ([]types.BenchmarkRecord, error) {
	s.mu.RLock()
	out := append([]types.BenchmarkRecord(nil), s.recs[modelID]...)
	s.mu.RUnlock()
	sortRecent(out)
	return truncate(out, limit), nil
}

func (s *memoryStore) Close() error { return nil }

func sortRecent(recs []types.BenchmarkRecord) {
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].Timestamp.After(recs[j].Timestamp) })
}

func truncate(recs []types.BenchmarkRecord, limit int) []types.BenchmarkRecord {
	if limit > 0 && len(recs) > limit {
		return recs[:limit]
	}
	return recs
}
