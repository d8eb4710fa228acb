package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinio/telemed-scheduling/internal/db"
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

	if err := db.Migrate(context.Background(), pool); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	gofakeit.Seed(time.Now().UnixNano())

	providers, err := seedProviders(context.Background(), pool, 100)
	if err != nil {
		log.Fatalf("seed providers: %v", err)
	}
	if err := seedWeeklyWindows(context.Background(), pool, providers); err != nil {
		log.Fatalf("seed weekly windows: %v", err)
	}
	if err := seedPatients(context.Background(), pool, 9000); err != nil {
		log.Fatalf("seed patients: %v", err)
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

	timezones := []string{
		"America/New_York",
		"America/Chicago",
		"America/Los_Angeles",
		"Europe/London",
		"Africa/Lagos",
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
		specialty := specialties[gofakeit.Number(0, len(specialties)-1)]
		tz := timezones[gofakeit.Number(0, len(timezones)-1)]

		_, err := tx.Exec(ctx, `
			INSERT INTO providers (id, name, specialty, timezone, created_at, updated_at)
			VALUES ($1, $2, $3, $4, now(), now())
		`, id, name, specialty, tz)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	log.Println("providers seeded")
	return ids, nil
}

// seedWeeklyWindows gives each provider a plausible weekly schedule: a
// morning block on every weekday plus an afternoon block on some of them.
func seedWeeklyWindows(ctx context.Context, pool *pgxpool.Pool, providers []uuid.UUID) error {
	log.Printf("seeding weekly windows for %d providers", len(providers))

	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, providerID := range providers {
		for weekday := 1; weekday <= 5; weekday++ {
			morningStart := gofakeit.Number(8, 10) * 60

			_, err := tx.Exec(ctx, `
				INSERT INTO weekly_windows (id, provider_id, weekday, start_min, end_min, active, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, true, now(), now())
			`, uuid.New(), providerID, weekday, morningStart, morningStart+3*60)
			if err != nil {
				return err
			}

			if gofakeit.Bool() {
				afternoonStart := gofakeit.Number(13, 15) * 60
				_, err := tx.Exec(ctx, `
					INSERT INTO weekly_windows (id, provider_id, weekday, start_min, end_min, active, created_at, updated_at)
					VALUES ($1, $2, $3, $4, $5, true, now(), now())
				`, uuid.New(), providerID, weekday, afternoonStart, afternoonStart+4*60)
				if err != nil {
					return err
				}
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}

	log.Println("weekly windows seeded")
	return nil
}

func seedPatients(ctx context.Context, pool *pgxpool.Pool, count int) error {
	log.Printf("seeding %d patients", count)

	const batchSize = 500

	for offset := 0; offset < count; offset += batchSize {
		end := offset + batchSize
		if end > count {
			end = count
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}

		for i := offset; i < end; i++ {
			id := uuid.New()
			name := gofakeit.Name()
			email := gofakeit.Email()

			_, err := tx.Exec(ctx, `
				INSERT INTO patients (id, name, email, created_at, updated_at)
				VALUES ($1, $2, $3, now(), now())
			`, id, name, email)
			if err != nil {
				_ = tx.Rollback(ctx)
				return err
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return err
		}

		log.Printf("patients seeded: %d/%d", end, count)
	}

	log.Println("patients seeded")
	return nil
}
