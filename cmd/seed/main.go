package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/carebook/booking-core/internal/db"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("seed starting")

	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		log.Fatal("POSTGRES_DSN is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, dsn)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pool.Close()

	gofakeit.Seed(time.Now().UnixNano())

	providerIDs, err := seedProviders(context.Background(), pool, 50)
	if err != nil {
		log.Fatalf("seed providers: %v", err)
	}
	if err := seedSlots(context.Background(), pool, providerIDs, 14); err != nil {
		log.Fatalf("seed slots: %v", err)
	}

	log.Println("seed complete")
}

func seedProviders(ctx context.Context, pool *pgxpool.Pool, count int) ([]uuid.UUID, error) {
	log.Printf("seeding %d providers", count)

	specialties := []string{
		"Dermatology",
		"Cardiology",
		"General Practice",
		"Orthopedics",
		"Endocrinology",
		"Neurology",
		"Pediatrics",
		"Psychiatry",
		"Ophthalmology",
		"ENT",
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	ids := make([]uuid.UUID, 0, count)
	for i := 0; i < count; i++ {
		id := uuid.New()
		name := gofakeit.Name()
		spec := specialties[gofakeit.Number(0, len(specialties)-1)]
		location := gofakeit.City()

		_, err := tx.Exec(ctx, `
			INSERT INTO providers (id, name, specialty, location, created_at)
			VALUES ($1, $2, $3, $4, now())
		`, id, name, spec, location)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// seedSlots generates a weekday schedule per provider: 30-minute slots at the
// usual clinic hours, all open at version 1.
func seedSlots(ctx context.Context, pool *pgxpool.Pool, providerIDs []uuid.UUID, days int) error {
	log.Printf("seeding slots for %d providers over %d days", len(providerIDs), days)

	hours := []int{9, 10, 11, 14, 15, 16}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	total := 0
	today := time.Now().Truncate(24 * time.Hour)
	for _, providerID := range providerIDs {
		for d := 0; d < days; d++ {
			day := today.AddDate(0, 0, d)
			if wd := day.Weekday(); wd == time.Saturday || wd == time.Sunday {
				continue
			}
			for _, h := range hours {
				start := day.Add(time.Duration(h) * time.Hour)
				end := start.Add(30 * time.Minute)

				_, err := tx.Exec(ctx, `
					INSERT INTO slots (id, provider_id, start_time, end_time, status, version, last_fence, created_at, updated_at)
					VALUES ($1, $2, $3, $4, 'open', 1, 0, now(), now())
				`, uuid.New(), providerID, start, end)
				if err != nil {
					return err
				}
				total++
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}
	log.Printf("seeded %d slots", total)
	return nil
}
