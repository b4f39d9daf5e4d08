package quality

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/leapstack-labs/leapflow/pkg/core"
)

// MemoryStore is an in-process ResultStore.
type MemoryStore struct {
	mu      sync.RWMutex
	results map[string][]*core.QualityResult
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{results: make(map[string][]*core.QualityResult)}
}

// AppendQualityResult implements ResultStore.
func (s *MemoryStore) AppendQualityResult(_ context.Context, res *core.QualityResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *res
	s.results[res.Table] = append(s.results[res.Table], &cp)
	return nil
}

// QualityHistory implements ResultStore.
func (s *MemoryStore) QualityHistory(_ context.Context, table string, since time.Time) ([]*core.QualityResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*core.QualityResult
	for _, r := range s.results[table] {
		if !r.MeasuredAt.Before(since) {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].MeasuredAt.Before(out[j].MeasuredAt) })
	return out, nil
}
