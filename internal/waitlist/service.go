package waitlist

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var ErrInvalidWindow = errors.New("waitlist window end must be after start")

// Service is the external joinWaitlist surface plus entry lookups.
type Service struct {
	store Store
	log   *zap.Logger
}

func NewService(store Store, log *zap.Logger) *Service {
	return &Service{store: store, log: log}
}

func (s *Service) Join(ctx context.Context, providerID uuid.UUID, windowStart, windowEnd time.Time, patientID uuid.UUID) (*Entry, error) {
	if !windowEnd.After(windowStart) {
		return nil, ErrInvalidWindow
	}

	entry := &Entry{
		ID:          uuid.New(),
		ProviderID:  providerID,
		PatientID:   patientID,
		WindowStart: windowStart,
		WindowEnd:   windowEnd,
		RequestedAt: time.Now(),
	}
	if err := s.store.Create(ctx, entry); err != nil {
		return nil, err
	}

	s.log.Info("waitlist entry created",
		zap.String("entry_id", entry.ID.String()),
		zap.String("provider_id", providerID.String()),
		zap.String("patient_id", patientID.String()))

	return entry, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Entry, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) ListForPatient(ctx context.Context, patientID uuid.UUID) ([]Entry, error) {
	return s.store.ListForPatient(ctx, patientID)
}

func (s *Service) ListForProvider(ctx context.Context, providerID uuid.UUID) ([]Entry, error) {
	return s.store.ListForProvider(ctx, providerID)
}

func (s *Service) Remove(ctx context.Context, id uuid.UUID) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.log.Info("waitlist entry removed", zap.String("entry_id", id.String()))
	return nil
}

func (s *Service) Stats(ctx context.Context, providerID uuid.UUID) (Stats, error) {
	return s.store.StatsForProvider(ctx, providerID)
}
