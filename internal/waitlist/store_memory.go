package waitlist

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps waitlist entries in memory for tests and single-node runs.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[uuid.UUID]*Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[uuid.UUID]*Entry)}
}

func (s *MemoryStore) Create(_ context.Context, entry *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *entry
	s.entries[entry.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, ErrEntryNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *MemoryStore) Delete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[id]; !ok {
		return ErrEntryNotFound
	}
	delete(s.entries, id)
	return nil
}

func (s *MemoryStore) FindUnfulfilled(_ context.Context, providerID uuid.UUID, slotStart, slotEnd time.Time) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []Entry
	for _, e := range s.entries {
		if e.Fulfilled || !e.Matches(providerID, slotStart, slotEnd) {
			continue
		}
		result = append(result, *e)
	}

	sortByRequestTime(result)
	return result, nil
}

func (s *MemoryStore) ListForPatient(_ context.Context, patientID uuid.UUID) ([]Entry, error) {
	return s.list(func(e *Entry) bool { return e.PatientID == patientID }), nil
}

func (s *MemoryStore) ListForProvider(_ context.Context, providerID uuid.UUID) ([]Entry, error) {
	return s.list(func(e *Entry) bool { return e.ProviderID == providerID }), nil
}

func (s *MemoryStore) list(keep func(*Entry) bool) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []Entry
	for _, e := range s.entries {
		if keep(e) {
			result = append(result, *e)
		}
	}
	sortByRequestTime(result)
	return result
}

func sortByRequestTime(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].RequestedAt.Equal(entries[j].RequestedAt) {
			return entries[i].RequestedAt.Before(entries[j].RequestedAt)
		}
		return bytes.Compare(entries[i].ID[:], entries[j].ID[:]) < 0
	})
}

func (s *MemoryStore) MarkFulfilled(_ context.Context, id, appointmentID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return ErrEntryNotFound
	}
	if e.Fulfilled {
		return ErrAlreadyFulfilled
	}

	now := time.Now()
	e.Fulfilled = true
	e.AppointmentID = &appointmentID
	e.FulfilledAt = &now
	return nil
}

func (s *MemoryStore) StatsForProvider(_ context.Context, providerID uuid.UUID) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stats Stats
	for _, e := range s.entries {
		if e.ProviderID != providerID {
			continue
		}
		stats.Total++
		if e.Fulfilled {
			stats.Fulfilled++
		} else {
			stats.Waiting++
		}
	}
	return stats, nil
}
