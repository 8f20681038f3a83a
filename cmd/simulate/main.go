package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/carebook/booking-core/internal/db"
)

// simulate hammers the booking API with concurrent requests against a small
// set of hot slots, then audits the database for double bookings.

type simConfig struct {
	APIBaseURL  string
	Duration    time.Duration
	Workers     int
	SlotLimit   int
	PostgresDSN string
}

type counters struct {
	booked    atomic.Int64
	contended atomic.Int64
	gone      atomic.Int64
	errors    atomic.Int64
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg := loadSimConfig()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Duration+30*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pool.Close()

	slots, err := loadOpenSlots(ctx, pool, cfg.SlotLimit)
	if err != nil {
		log.Fatalf("load slots: %v", err)
	}
	if len(slots) == 0 {
		log.Fatal("no open slots found, run cmd/seed first")
	}
	log.Printf("simulating %d workers against %d slots for %s", cfg.Workers, len(slots), cfg.Duration)

	var c counters
	runCtx, stopWorkers := context.WithTimeout(ctx, cfg.Duration)
	defer stopWorkers()

	g, workerCtx := errgroup.WithContext(runCtx)
	for i := 0; i < cfg.Workers; i++ {
		g.Go(func() error {
			client := &http.Client{Timeout: 5 * time.Second}
			for workerCtx.Err() == nil {
				slotID := slots[rand.Intn(len(slots))]
				bookOnce(workerCtx, client, cfg.APIBaseURL, slotID, &c)
			}
			return nil
		})
	}
	_ = g.Wait()

	log.Printf("results: booked=%d contended=%d no_longer_available=%d errors=%d",
		c.booked.Load(), c.contended.Load(), c.gone.Load(), c.errors.Load())

	doubles, err := auditDoubleBookings(ctx, pool)
	if err != nil {
		log.Fatalf("audit: %v", err)
	}
	if doubles > 0 {
		log.Fatalf("FAIL: %d slots with more than one active appointment", doubles)
	}
	log.Println("PASS: no slot has more than one active appointment")
}

func loadSimConfig() simConfig {
	cfg := simConfig{
		APIBaseURL:  getEnv("SIM_API_URL", "http://localhost:8080"),
		Duration:    30 * time.Second,
		Workers:     50,
		SlotLimit:   20,
		PostgresDSN: os.Getenv("POSTGRES_DSN"),
	}
	if cfg.PostgresDSN == "" {
		log.Fatal("POSTGRES_DSN is required")
	}
	if v := os.Getenv("SIM_DURATION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Duration = d
		}
	}
	if v := os.Getenv("SIM_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Workers = n
		}
	}
	if v := os.Getenv("SIM_SLOT_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.SlotLimit = n
		}
	}
	return cfg
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func loadOpenSlots(ctx context.Context, pool *pgxpool.Pool, limit int) ([]uuid.UUID, error) {
	rows, err := pool.Query(ctx, `
		SELECT id FROM slots WHERE status = 'open' ORDER BY start_time LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func bookOnce(ctx context.Context, client *http.Client, baseURL string, slotID uuid.UUID, c *counters) {
	payload, _ := json.Marshal(map[string]string{
		"slot_id":         slotID.String(),
		"patient_id":      uuid.NewString(),
		"idempotency_key": uuid.NewString(),
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/bookings", bytes.NewReader(payload))
	if err != nil {
		c.errors.Add(1)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() == nil {
			c.errors.Add(1)
		}
		return
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusCreated:
		c.booked.Add(1)
	case http.StatusConflict:
		var body struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		if body.Error == "slot_contended" {
			c.contended.Add(1)
		} else {
			c.gone.Add(1)
		}
	default:
		c.errors.Add(1)
	}
}

func auditDoubleBookings(ctx context.Context, pool *pgxpool.Pool) (int, error) {
	var doubles int
	err := pool.QueryRow(ctx, `
		SELECT count(*) FROM (
			SELECT slot_id
			FROM appointments
			WHERE status IN ('pending', 'confirmed')
			GROUP BY slot_id
			HAVING count(*) > 1
		) d
	`).Scan(&doubles)
	if err != nil {
		return 0, fmt.Errorf("count double bookings: %w", err)
	}
	return doubles, nil
}
