package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/soulplan/booking-engine/internal/booking"
	"github.com/soulplan/booking-engine/internal/db"
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

	if err := db.RunMigrations(pool); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	gofakeit.Seed(time.Now().UnixNano())

	if err := seedAppointments(context.Background(), pool, 2000); err != nil {
		log.Fatalf("seed appointments: %v", err)
	}

	log.Println("seed complete")
}

var statusWeights = []struct {
	status booking.Status
	weight int
}{
	{booking.StatusPending, 10},
	{booking.StatusContacted, 15},
	{booking.StatusNegotiating, 25},
	{booking.StatusConfirmed, 25},
	{booking.StatusSessionHeld, 5},
	{booking.StatusFeedbackRequested, 5},
	{booking.StatusCompleted, 10},
	{booking.StatusCancelled, 5},
}

func pickStatus() booking.Status {
	total := 0
	for _, sw := range statusWeights {
		total += sw.weight
	}
	n := gofakeit.Number(0, total-1)
	for _, sw := range statusWeights {
		if n < sw.weight {
			return sw.status
		}
		n -= sw.weight
	}
	return booking.StatusPending
}

func seedAppointments(ctx context.Context, pool *pgxpool.Pool, count int) error {
	log.Printf("seeding %d appointments", count)

	const batchSize = 500
	seq := map[string]int{}

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
			clientEmail := gofakeit.Email()
			therapistEmail := gofakeit.Email()
			status := pickStatus()

			prefix := booking.TrackingCodePrefix(clientEmail, therapistEmail)
			seq[prefix]++
			code := booking.BuildTrackingCode(prefix, seq[prefix])

			createdAt := gofakeit.DateRange(time.Now().AddDate(0, -8, 0), time.Now())
			messages := fakeConversation(status, createdAt)
			facts := booking.ExtractFacts(messages)
			checkpoint := booking.DeriveCheckpoint(status, facts, messages, false, createdAt)

			conversation, err := json.Marshal(booking.ConversationState{
				SchemaVersion: booking.ConversationSchemaVersion,
				Messages:      messages,
				Checkpoint:    checkpoint,
				Facts:         facts,
			})
			if err != nil {
				_ = tx.Rollback(ctx)
				return err
			}

			var confirmedAt *time.Time
			var confirmedRaw *string
			if status == booking.StatusConfirmed || status == booking.StatusSessionHeld ||
				status == booking.StatusFeedbackRequested || status == booking.StatusCompleted {
				at := createdAt.Add(48 * time.Hour)
				raw := at.Format("2006-01-02 15:04")
				confirmedAt = &at
				confirmedRaw = &raw
			}

			var lastMessageAt *time.Time
			if len(messages) > 0 {
				lastMessageAt = &messages[len(messages)-1].SentAt
			}

			_, err = tx.Exec(ctx, `
				INSERT INTO appointments (
					id, client_email, therapist_email, status, tracking_code,
					human_control_enabled, confirmed_at, confirmed_datetime_raw,
					conversation_state, checkpoint_stage, checkpoint_percent,
					last_message_at, created_at, updated_at
				)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)
			`, id, clientEmail, therapistEmail, string(status), code,
				gofakeit.Bool(), confirmedAt, confirmedRaw,
				conversation, string(checkpoint.Stage), checkpoint.Percent,
				lastMessageAt, createdAt)
			if err != nil {
				_ = tx.Rollback(ctx)
				return err
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return err
		}

		log.Printf("appointments seeded: %d/%d", end, count)
	}

	return nil
}

func fakeConversation(status booking.Status, start time.Time) []booking.Message {
	if status == booking.StatusPending {
		return nil
	}

	msgs := []booking.Message{
		{From: booking.SenderAgent, Body: "Hello, a client would like to book a session with you. Could you share your availability?", SentAt: start},
	}

	if status == booking.StatusContacted {
		return msgs
	}

	next := start.Add(6 * time.Hour)
	msgs = append(msgs, booking.Message{
		From:   booking.SenderTherapist,
		Body:   "I could do 2025-11-10 14:00 or 2025-11-12 10:00.",
		SentAt: next,
	})

	if status == booking.StatusNegotiating {
		return msgs
	}

	next = next.Add(3 * time.Hour)
	msgs = append(msgs,
		booking.Message{From: booking.SenderClient, Body: "The first option works for me.", SentAt: next},
		booking.Message{From: booking.SenderTherapist, Body: "Confirmed for 2025-11-10 14:00. Link: https://meet.google.com/abc-defg-hij", SentAt: next.Add(time.Hour)},
	)

	return msgs
}
