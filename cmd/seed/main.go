package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oroshine/clinic-booking/internal/booking"
	"github.com/oroshine/clinic-booking/internal/db"
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

	if err := seedDoctors(context.Background(), pool, 12); err != nil {
		log.Fatalf("seed doctors: %v", err)
	}
	if err := seedServices(context.Background(), pool); err != nil {
		log.Fatalf("seed services: %v", err)
	}
	if err := seedUsers(context.Background(), pool, 2000); err != nil {
		log.Fatalf("seed users: %v", err)
	}

	log.Println("seed complete")
}

func seedDoctors(ctx context.Context, pool *pgxpool.Pool, count int) error {
	log.Printf("seeding %d doctors", count)

	specialties := []string{
		"General Dentistry",
		"Orthodontics",
		"Endodontics",
		"Periodontics",
		"Prosthodontics",
		"Oral Surgery",
		"Pediatric Dentistry",
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for i := 0; i < count; i++ {
		id := booking.NewID()
		name := "Dr. " + gofakeit.Name()
		spec := specialties[gofakeit.Number(0, len(specialties)-1)]
		email := gofakeit.Email()

		_, err := tx.Exec(ctx, `
			INSERT INTO doctors (id, name, specialty, email, active, created_at, updated_at)
			VALUES ($1, $2, $3, $4, true, now(), now())
		`, id, name, spec, email)
		if err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}

	log.Println("doctors seeded")
	return nil
}

func seedServices(ctx context.Context, pool *pgxpool.Pool) error {
	services := []struct {
		name  string
		price float64
	}{
		{"Dental Checkup", 500},
		{"Teeth Cleaning", 1500},
		{"Tooth Extraction", 2000},
		{"Root Canal Treatment", 6000},
		{"Dental Filling", 1200},
		{"Teeth Whitening", 8000},
		{"Dental Implant", 25000},
		{"Braces Consultation", 1000},
	}

	log.Printf("seeding %d services", len(services))

	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, svc := range services {
		_, err := tx.Exec(ctx, `
			INSERT INTO services (id, name, price, active, created_at, updated_at)
			VALUES ($1, $2, $3, true, now(), now())
		`, booking.NewID(), svc.name, svc.price)
		if err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}

	log.Println("services seeded")
	return nil
}

func seedUsers(ctx context.Context, pool *pgxpool.Pool, count int) error {
	log.Printf("seeding %d users", count)

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
			id := booking.NewID()
			name := gofakeit.Name()
			username := fmt.Sprintf("%s%d", strings.ToLower(gofakeit.Username()), i)
			email := fmt.Sprintf("%d.%s", i, gofakeit.Email())

			_, err := tx.Exec(ctx, `
				INSERT INTO users (id, username, full_name, email, active, created_at, updated_at)
				VALUES ($1, $2, $3, $4, true, now(), now())
			`, id, username, name, email)
			if err != nil {
				_ = tx.Rollback(ctx)
				return err
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return err
		}

		log.Printf("users seeded: %d/%d", end, count)
	}

	log.Println("users seeded")
	return nil
}
