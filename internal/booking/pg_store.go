package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgStore is the production SlotStore backed by Postgres. It relies on
// conditional UPDATEs for the version check and keeps the highest fencing
// token seen per slot in the row itself.
type PgStore struct {
	pool *pgxpool.Pool
}

func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Helpers

func scanSlot(row pgx.Row) (*Slot, error) {
	var s Slot
	err := row.Scan(
		&s.ID,
		&s.ProviderID,
		&s.StartTime,
		&s.EndTime,
		&s.Status,
		&s.Version,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSlotNotFound
		}
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return &s, nil
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	err := row.Scan(
		&a.ID,
		&a.SlotID,
		&a.PatientID,
		&a.Status,
		&a.IdempotencyKey,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return &a, nil
}

func scanProvider(row pgx.Row) (*Provider, error) {
	var p Provider
	err := row.Scan(
		&p.ID,
		&p.Name,
		&p.Specialty,
		&p.Location,
		&p.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProviderNotFound
		}
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return &p, nil
}

const slotColumns = `id, provider_id, start_time, end_time, status, version, created_at, updated_at`
const apptColumns = `id, slot_id, patient_id, status, idempotency_key, created_at, updated_at`

// Interface methods

func (r *PgStore) GetSlot(ctx context.Context, slotID uuid.UUID) (*Slot, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+slotColumns+`
		FROM slots
		WHERE id = $1
	`, slotID)
	return scanSlot(row)
}

func (r *PgStore) FindOpenSlots(ctx context.Context, providerID uuid.UUID, from, to time.Time) ([]Slot, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+slotColumns+`
		FROM slots
		WHERE provider_id = $1
		  AND status = 'open'
		  AND start_time >= $2
		  AND start_time < $3
		ORDER BY start_time
	`, providerID, from, to)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer rows.Close()

	var result []Slot
	for rows.Next() {
		s, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return result, nil
}

func (r *PgStore) ConditionalWrite(ctx context.Context, slotID uuid.UUID, expectedVersion, fencingToken int64, newStatus SlotStatus) (*Slot, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE slots
		SET status = $2,
		    version = version + 1,
		    last_fence = GREATEST(last_fence, $4),
		    updated_at = now()
		WHERE id = $1
		  AND version = $3
		  AND last_fence <= $4
		RETURNING `+slotColumns+`
	`, slotID, newStatus, expectedVersion, fencingToken)

	slot, err := scanSlot(row)
	if err == nil {
		return slot, nil
	}
	if !errors.Is(err, ErrSlotNotFound) {
		return nil, err
	}
	return nil, r.classifyWriteMiss(ctx, slotID, expectedVersion, fencingToken)
}

// classifyWriteMiss turns a zero-row conditional update into the precise
// rejection the caller needs.
func (r *PgStore) classifyWriteMiss(ctx context.Context, slotID uuid.UUID, expectedVersion, fencingToken int64) error {
	var version, lastFence int64
	err := r.pool.QueryRow(ctx, `
		SELECT version, last_fence FROM slots WHERE id = $1
	`, slotID).Scan(&version, &lastFence)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrSlotNotFound
		}
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if lastFence > fencingToken {
		return ErrFencingTokenSuperseded
	}
	if version == expectedVersion {
		// The row moved between the update and this re-read.
		return ErrConcurrentModification
	}
	return ErrVersionConflict
}

func (r *PgStore) CommitBooking(ctx context.Context, slotID uuid.UUID, expectedVersion, fencingToken int64, patientID uuid.UUID, idemKey string) (*Appointment, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: begin commit tx: %w", ErrUnavailable, err)
	}
	defer tx.Rollback(ctx)

	// Idempotency-key replay returns the original appointment.
	if idemKey != "" {
		existing, err := scanAppointment(tx.QueryRow(ctx, `
			SELECT `+apptColumns+`
			FROM appointments
			WHERE idempotency_key = $1
		`, idemKey))
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, ErrAppointmentNotFound) {
			return nil, err
		}
	}

	tag, err := tx.Exec(ctx, `
		UPDATE slots
		SET status = 'booked',
		    version = version + 1,
		    last_fence = GREATEST(last_fence, $3),
		    updated_at = now()
		WHERE id = $1
		  AND status = 'held'
		  AND version = $2
		  AND last_fence <= $3
	`, slotID, expectedVersion, fencingToken)
	if err != nil {
		return nil, fmt.Errorf("%w: book slot: %w", ErrUnavailable, err)
	}
	if tag.RowsAffected() == 0 {
		return nil, r.classifyWriteMiss(ctx, slotID, expectedVersion, fencingToken)
	}

	appt, err := scanAppointment(tx.QueryRow(ctx, `
		INSERT INTO appointments (id, slot_id, patient_id, status, idempotency_key, created_at, updated_at)
		VALUES ($1, $2, $3, 'confirmed', $4, now(), now())
		RETURNING `+apptColumns+`
	`, uuid.New(), slotID, patientID, idemKey))
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("%w: commit booking: %w", ErrUnavailable, err)
	}
	return appt, nil
}

func (r *PgStore) ReleaseSlot(ctx context.Context, slotID uuid.UUID, expectedVersion, fencingToken int64, appointmentID uuid.UUID) (*Slot, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: begin release tx: %w", ErrUnavailable, err)
	}
	defer tx.Rollback(ctx)

	slot, err := scanSlot(tx.QueryRow(ctx, `
		UPDATE slots
		SET status = 'open',
		    version = version + 1,
		    last_fence = GREATEST(last_fence, $3),
		    updated_at = now()
		WHERE id = $1
		  AND version = $2
		  AND last_fence <= $3
		RETURNING `+slotColumns+`
	`, slotID, expectedVersion, fencingToken))
	if err != nil {
		if errors.Is(err, ErrSlotNotFound) {
			return nil, r.classifyWriteMiss(ctx, slotID, expectedVersion, fencingToken)
		}
		return nil, err
	}

	tag, err := tx.Exec(ctx, `
		UPDATE appointments
		SET status = 'cancelled',
		    updated_at = now()
		WHERE id = $1
		  AND status IN ('pending', 'confirmed')
	`, appointmentID)
	if err != nil {
		return nil, fmt.Errorf("%w: cancel appointment: %w", ErrUnavailable, err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrAppointmentNotFound
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("%w: commit release: %w", ErrUnavailable, err)
	}
	return slot, nil
}

func (r *PgStore) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+apptColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

func (r *PgStore) GetAppointmentByIdempotencyKey(ctx context.Context, key string) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+apptColumns+`
		FROM appointments
		WHERE idempotency_key = $1
	`, key)
	return scanAppointment(row)
}

func (r *PgStore) GetProvider(ctx context.Context, id uuid.UUID) (*Provider, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, name, specialty, location, created_at
		FROM providers
		WHERE id = $1
	`, id)
	return scanProvider(row)
}

func (r *PgStore) CreateSlot(ctx context.Context, providerID uuid.UUID, start, end time.Time) (*Slot, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO slots (id, provider_id, start_time, end_time, status, version, last_fence, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'open', 1, 0, now(), now())
		RETURNING `+slotColumns+`
	`, uuid.New(), providerID, start, end)
	return scanSlot(row)
}

func (r *PgStore) RevokeSlot(ctx context.Context, slotID uuid.UUID, expectedVersion int64) (*Slot, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE slots
		SET status = 'cancelled',
		    version = version + 1,
		    updated_at = now()
		WHERE id = $1
		  AND status = 'open'
		  AND version = $2
		RETURNING `+slotColumns+`
	`, slotID, expectedVersion)

	slot, err := scanSlot(row)
	if err != nil {
		if errors.Is(err, ErrSlotNotFound) {
			if _, getErr := r.GetSlot(ctx, slotID); errors.Is(getErr, ErrSlotNotFound) {
				return nil, ErrSlotNotFound
			}
			return nil, ErrVersionConflict
		}
		return nil, err
	}
	return slot, nil
}

func (r *PgStore) FindStaleHeld(ctx context.Context, before time.Time) ([]Slot, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+slotColumns+`
		FROM slots
		WHERE status = 'held'
		  AND updated_at < $1
	`, before)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer rows.Close()

	var result []Slot
	for rows.Next() {
		s, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return result, nil
}

func (r *PgStore) ReopenHeld(ctx context.Context, slotID uuid.UUID, expectedVersion int64) (*Slot, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE slots
		SET status = 'open',
		    version = version + 1,
		    updated_at = now()
		WHERE id = $1
		  AND status = 'held'
		  AND version = $2
		RETURNING `+slotColumns+`
	`, slotID, expectedVersion)

	slot, err := scanSlot(row)
	if err != nil {
		if errors.Is(err, ErrSlotNotFound) {
			return nil, ErrVersionConflict
		}
		return nil, err
	}
	return slot, nil
}
