// internal/dataset/memory.go
package dataset

import (
	"context"
	"sync"
	"time"

	"github.com/fyrsmithlabs/trainloop/internal/task"
)

// MemoryStore keeps datasets in a map.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]Dataset
	now   func() time.Time
}

var (
	_ Store  = (*MemoryStore)(nil)
	_ Seeder = (*MemoryStore)(nil)
)

// NewMemoryStore returns an empty store, optionally seeded.
func NewMemoryStore(seed ...Dataset) *MemoryStore {
	s := &MemoryStore{items: make(map[string]Dataset), now: time.Now}
	for _, d := range seed {
		if d.Domain == "" {
			d.Domain = DefaultDomain
		}
		s.items[d.Ref] = d
	}
	return s
}

func (s *MemoryStore) Lookup(_ context.Context, ref string) (*Dataset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.items[ref]
	if !ok {
		return nil, task.ErrDatasetNotFound
	}
	return &d, nil
}

func (s *MemoryStore) Register(ctx context.Context, ref, location, sourceRef string) (*Dataset, error) {
	if err := validateRef(ref); err != nil {
		return nil, err
	}
	d := Dataset{
		Ref:       ref,
		Location:  location,
		Domain:    inheritDomain(ctx, s, sourceRef),
		SourceRef: sourceRef,
		CreatedAt: s.now(),
	}
	s.mu.Lock()
	s.items[ref] = d
	s.mu.Unlock()
	return &d, nil
}

func (s *MemoryStore) Put(_ context.Context, d Dataset) error {
	if err := validateRef(d.Ref); err != nil {
		return err
	}
	if d.Domain == "" {
		d.Domain = DefaultDomain
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = s.now()
	}
	s.mu.Lock()
	s.items[d.Ref] = d
	s.mu.Unlock()
	return nil
}
