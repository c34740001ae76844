package storage

import (
	"context"
	"sync"
	"time"

	"medtime/internal/medication"
)

type memoryStore struct {
	mu      sync.Mutex
	closed  bool
	meds    []medication.Medication
	written bool
	version int
	events  []DoseEvent
	dedup   map[string]time.Time
}

// NewMemory returns a store that lives only as long as the process.
func NewMemory() Store {
	return &memoryStore{dedup: map[string]time.Time{}}
}

func (s *memoryStore) LoadMedications(ctx context.Context) ([]medication.Medication, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false, ErrClosed
	}
	if !s.written {
		return nil, false, nil
	}
	return cloneMeds(s.meds), true, nil
}

func (s *memoryStore) SaveMedications(ctx context.Context, meds []medication.Medication) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.meds = cloneMeds(meds)
	s.written = true
	return nil
}

func (s *memoryStore) SchemaVersion(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version, nil
}

func (s *memoryStore) SetSchemaVersion(ctx context.Context, v int) error {
	s.mu.Lock()
	s.version = v
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	s.meds = nil
	s.written = false
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) AppendEvent(ctx context.Context, e DoseEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.events = append(s.events, e)
	return nil
}

func (s *memoryStore) ListEvents(ctx context.Context, medID string, limit int) ([]DoseEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return selectEvents(s.events, medID, limit), nil
}

func (s *memoryStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	s.mu.Lock()
	s.dedup[key] = until
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	until, ok := s.dedup[key]
	return until, ok, nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
