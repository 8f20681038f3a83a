package waitlist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PgStore struct {
	pool *pgxpool.Pool
}

func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

const entryColumns = `id, provider_id, patient_id, window_start, window_end, requested_at, fulfilled, appointment_id, fulfilled_at`

func scanEntry(row pgx.Row) (*Entry, error) {
	var e Entry
	err := row.Scan(
		&e.ID,
		&e.ProviderID,
		&e.PatientID,
		&e.WindowStart,
		&e.WindowEnd,
		&e.RequestedAt,
		&e.Fulfilled,
		&e.AppointmentID,
		&e.FulfilledAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEntryNotFound
		}
		return nil, err
	}
	return &e, nil
}

func (r *PgStore) Create(ctx context.Context, entry *Entry) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO waitlist_entries (id, provider_id, patient_id, window_start, window_end, requested_at, fulfilled)
		VALUES ($1, $2, $3, $4, $5, $6, false)
	`, entry.ID, entry.ProviderID, entry.PatientID, entry.WindowStart, entry.WindowEnd, entry.RequestedAt)
	if err != nil {
		return fmt.Errorf("create waitlist entry: %w", err)
	}
	return nil
}

func (r *PgStore) Get(ctx context.Context, id uuid.UUID) (*Entry, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+entryColumns+`
		FROM waitlist_entries
		WHERE id = $1
	`, id)
	return scanEntry(row)
}

func (r *PgStore) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM waitlist_entries WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("delete waitlist entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrEntryNotFound
	}
	return nil
}

func (r *PgStore) FindUnfulfilled(ctx context.Context, providerID uuid.UUID, slotStart, slotEnd time.Time) ([]Entry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+entryColumns+`
		FROM waitlist_entries
		WHERE provider_id = $1
		  AND fulfilled = false
		  AND window_start <= $2
		  AND window_end >= $3
		ORDER BY requested_at, id
	`, providerID, slotStart, slotEnd)
	if err != nil {
		return nil, fmt.Errorf("find waitlist entries: %w", err)
	}
	defer rows.Close()

	var result []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *PgStore) ListForPatient(ctx context.Context, patientID uuid.UUID) ([]Entry, error) {
	return r.listWhere(ctx, "patient_id", patientID)
}

func (r *PgStore) ListForProvider(ctx context.Context, providerID uuid.UUID) ([]Entry, error) {
	return r.listWhere(ctx, "provider_id", providerID)
}

func (r *PgStore) listWhere(ctx context.Context, column string, id uuid.UUID) ([]Entry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+entryColumns+`
		FROM waitlist_entries
		WHERE `+column+` = $1
		ORDER BY requested_at, id
	`, id)
	if err != nil {
		return nil, fmt.Errorf("list waitlist entries: %w", err)
	}
	defer rows.Close()

	var result []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *PgStore) MarkFulfilled(ctx context.Context, id, appointmentID uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE waitlist_entries
		SET fulfilled = true,
		    appointment_id = $2,
		    fulfilled_at = now()
		WHERE id = $1
		  AND fulfilled = false
	`, id, appointmentID)
	if err != nil {
		return fmt.Errorf("mark waitlist entry fulfilled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := r.Get(ctx, id); errors.Is(getErr, ErrEntryNotFound) {
			return ErrEntryNotFound
		}
		return ErrAlreadyFulfilled
	}
	return nil
}

func (r *PgStore) StatsForProvider(ctx context.Context, providerID uuid.UUID) (Stats, error) {
	var stats Stats
	err := r.pool.QueryRow(ctx, `
		SELECT count(*),
		       count(*) FILTER (WHERE fulfilled = false),
		       count(*) FILTER (WHERE fulfilled = true)
		FROM waitlist_entries
		WHERE provider_id = $1
	`, providerID).Scan(&stats.Total, &stats.Waiting, &stats.Fulfilled)
	if err != nil {
		return Stats{}, fmt.Errorf("waitlist stats: %w", err)
	}
	return stats, nil
}
