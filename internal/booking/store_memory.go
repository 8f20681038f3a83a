package booking

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps slots and appointments in process memory behind a single
// mutex. It enforces the same version and fencing rules as the Postgres store
// so the orchestrator behaves identically against either.
type MemoryStore struct {
	mu           sync.RWMutex
	providers    map[uuid.UUID]*Provider
	slots        map[uuid.UUID]*Slot
	appointments map[uuid.UUID]*Appointment
	byIdemKey    map[string]uuid.UUID
	maxFence     map[uuid.UUID]int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		providers:    make(map[uuid.UUID]*Provider),
		slots:        make(map[uuid.UUID]*Slot),
		appointments: make(map[uuid.UUID]*Appointment),
		byIdemKey:    make(map[string]uuid.UUID),
		maxFence:     make(map[uuid.UUID]int64),
	}
}

func (s *MemoryStore) AddProvider(p Provider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := p
	s.providers[p.ID] = &cp
}

func (s *MemoryStore) GetProvider(_ context.Context, id uuid.UUID) (*Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.providers[id]
	if !ok {
		return nil, ErrProviderNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) GetSlot(_ context.Context, slotID uuid.UUID) (*Slot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sl, ok := s.slots[slotID]
	if !ok {
		return nil, ErrSlotNotFound
	}
	cp := *sl
	return &cp, nil
}

func (s *MemoryStore) FindOpenSlots(_ context.Context, providerID uuid.UUID, from, to time.Time) ([]Slot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []Slot
	for _, sl := range s.slots {
		if sl.ProviderID != providerID || sl.Status != SlotOpen {
			continue
		}
		if sl.StartTime.Before(from) || !sl.StartTime.Before(to) {
			continue
		}
		result = append(result, *sl)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].StartTime.Before(result[j].StartTime)
	})
	return result, nil
}

// checkFence enforces the monotonic token rule and records the new maximum.
// Caller must hold the write lock.
func (s *MemoryStore) checkFence(slotID uuid.UUID, token int64) error {
	if token < s.maxFence[slotID] {
		return ErrFencingTokenSuperseded
	}
	s.maxFence[slotID] = token
	return nil
}

func (s *MemoryStore) ConditionalWrite(_ context.Context, slotID uuid.UUID, expectedVersion, fencingToken int64, newStatus SlotStatus) (*Slot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sl, ok := s.slots[slotID]
	if !ok {
		return nil, ErrSlotNotFound
	}
	if err := s.checkFence(slotID, fencingToken); err != nil {
		return nil, err
	}
	if sl.Version != expectedVersion {
		return nil, ErrVersionConflict
	}

	sl.Status = newStatus
	sl.Version++
	sl.UpdatedAt = time.Now()

	cp := *sl
	return &cp, nil
}

func (s *MemoryStore) CommitBooking(_ context.Context, slotID uuid.UUID, expectedVersion, fencingToken int64, patientID uuid.UUID, idemKey string) (*Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if apptID, ok := s.byIdemKey[idemKey]; ok {
		cp := *s.appointments[apptID]
		return &cp, nil
	}

	sl, ok := s.slots[slotID]
	if !ok {
		return nil, ErrSlotNotFound
	}
	if err := s.checkFence(slotID, fencingToken); err != nil {
		return nil, err
	}
	if sl.Version != expectedVersion {
		return nil, ErrVersionConflict
	}
	if sl.Status != SlotHeld {
		return nil, ErrVersionConflict
	}

	now := time.Now()
	sl.Status = SlotBooked
	sl.Version++
	sl.UpdatedAt = now

	appt := &Appointment{
		ID:             uuid.New(),
		SlotID:         slotID,
		PatientID:      patientID,
		Status:         StatusConfirmed,
		IdempotencyKey: idemKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.appointments[appt.ID] = appt
	if idemKey != "" {
		s.byIdemKey[idemKey] = appt.ID
	}

	cp := *appt
	return &cp, nil
}

func (s *MemoryStore) ReleaseSlot(_ context.Context, slotID uuid.UUID, expectedVersion, fencingToken int64, appointmentID uuid.UUID) (*Slot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sl, ok := s.slots[slotID]
	if !ok {
		return nil, ErrSlotNotFound
	}
	appt, ok := s.appointments[appointmentID]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	if err := s.checkFence(slotID, fencingToken); err != nil {
		return nil, err
	}
	if sl.Version != expectedVersion {
		return nil, ErrVersionConflict
	}

	now := time.Now()
	sl.Status = SlotOpen
	sl.Version++
	sl.UpdatedAt = now

	appt.Status = StatusCancelled
	appt.UpdatedAt = now

	cp := *sl
	return &cp, nil
}

func (s *MemoryStore) GetAppointment(_ context.Context, id uuid.UUID) (*Appointment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	appt, ok := s.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	cp := *appt
	return &cp, nil
}

func (s *MemoryStore) GetAppointmentByIdempotencyKey(_ context.Context, key string) (*Appointment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	apptID, ok := s.byIdemKey[key]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	cp := *s.appointments[apptID]
	return &cp, nil
}

func (s *MemoryStore) CreateSlot(_ context.Context, providerID uuid.UUID, start, end time.Time) (*Slot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	sl := &Slot{
		ID:         uuid.New(),
		ProviderID: providerID,
		StartTime:  start,
		EndTime:    end,
		Status:     SlotOpen,
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.slots[sl.ID] = sl

	cp := *sl
	return &cp, nil
}

func (s *MemoryStore) RevokeSlot(_ context.Context, slotID uuid.UUID, expectedVersion int64) (*Slot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sl, ok := s.slots[slotID]
	if !ok {
		return nil, ErrSlotNotFound
	}
	if sl.Version != expectedVersion {
		return nil, ErrVersionConflict
	}
	if sl.Status != SlotOpen {
		return nil, ErrVersionConflict
	}

	sl.Status = SlotCancelled
	sl.Version++
	sl.UpdatedAt = time.Now()

	cp := *sl
	return &cp, nil
}

func (s *MemoryStore) FindStaleHeld(_ context.Context, before time.Time) ([]Slot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []Slot
	for _, sl := range s.slots {
		if sl.Status == SlotHeld && sl.UpdatedAt.Before(before) {
			result = append(result, *sl)
		}
	}
	return result, nil
}

func (s *MemoryStore) ReopenHeld(_ context.Context, slotID uuid.UUID, expectedVersion int64) (*Slot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sl, ok := s.slots[slotID]
	if !ok {
		return nil, ErrSlotNotFound
	}
	if sl.Status != SlotHeld || sl.Version != expectedVersion {
		return nil, ErrVersionConflict
	}

	sl.Status = SlotOpen
	sl.Version++
	sl.UpdatedAt = time.Now()

	cp := *sl
	return &cp, nil
}
