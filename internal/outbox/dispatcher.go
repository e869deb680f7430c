package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/soulplan/booking-engine/internal/breaker"
	"github.com/soulplan/booking-engine/internal/logging"
	"github.com/soulplan/booking-engine/internal/notify"
)

const (
	retryBaseDelay = 30 * time.Second
	retryMaxDelay  = time.Hour
)

// Dispatcher drains the outbox: each record is sent through the circuit
// breaker for its dependency, with bounded attempts and exponential backoff.
// A CircuitOpenError reschedules without burning an attempt; the dependency is
// presumed down, not the message bad.
type Dispatcher struct {
	repo        *Repository
	email       notify.EmailSender
	chat        notify.ChatSender
	breakers    *breaker.Registry
	maxAttempts int
	log         *logging.Logger
}

func NewDispatcher(repo *Repository, email notify.EmailSender, chat notify.ChatSender, breakers *breaker.Registry, maxAttempts int, log *logging.Logger) *Dispatcher {
	if maxAttempts < 1 {
		maxAttempts = 8
	}
	return &Dispatcher{
		repo:        repo,
		email:       email,
		chat:        chat,
		breakers:    breakers,
		maxAttempts: maxAttempts,
		log:         log.WithComponent("outbox"),
	}
}

// ProcessBatch claims due rows and attempts delivery. Returns the number of
// rows successfully sent.
func (d *Dispatcher) ProcessBatch(ctx context.Context, limit int) (int, error) {
	records, err := d.repo.ClaimDue(ctx, limit)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, rec := range records {
		if ctx.Err() != nil {
			// Shutting down or lock lost: leave the rest claimed, the
			// stuck-sending release will requeue them.
			return sent, ctx.Err()
		}

		if err := d.deliver(ctx, rec); err != nil {
			d.recordFailure(ctx, rec, err)
			continue
		}

		if err := d.repo.MarkSent(ctx, rec.ID); err != nil {
			d.log.Error("mark outbox row sent", "id", rec.ID, "error", err)
			continue
		}
		sent++
	}

	return sent, nil
}

func (d *Dispatcher) deliver(ctx context.Context, rec Record) error {
	switch rec.Kind {
	case KindEmail:
		var msg notify.EmailMessage
		if err := json.Unmarshal(rec.Payload, &msg); err != nil {
			return fmt.Errorf("decode email payload: %w", err)
		}
		return d.breakers.Get("email").Do(ctx, func(ctx context.Context) error {
			return d.email.SendEmail(ctx, msg)
		})
	case KindChat:
		var msg notify.ChatMessage
		if err := json.Unmarshal(rec.Payload, &msg); err != nil {
			return fmt.Errorf("decode chat payload: %w", err)
		}
		return d.breakers.Get("chat").Do(ctx, func(ctx context.Context) error {
			return d.chat.SendChat(ctx, msg)
		})
	default:
		return fmt.Errorf("unknown outbox kind %q", rec.Kind)
	}
}

func (d *Dispatcher) recordFailure(ctx context.Context, rec Record, sendErr error) {
	attempts := rec.Attempts
	if !errors.Is(sendErr, breaker.ErrCircuitOpen) {
		attempts++
	}

	exhausted := attempts >= d.maxAttempts
	next := time.Now().Add(backoff(attempts))

	if err := d.repo.MarkRetry(ctx, rec.ID, attempts, sendErr.Error(), next, exhausted); err != nil {
		d.log.Error("mark outbox row for retry", "id", rec.ID, "error", err)
		return
	}

	if exhausted {
		d.log.Error("outbox row exhausted retries", "id", rec.ID, "kind", rec.Kind, "error", sendErr)
	} else {
		d.log.Warn("outbox delivery failed, rescheduled", "id", rec.ID, "kind", rec.Kind,
			"attempts", attempts, "next_attempt_at", next, "error", sendErr)
	}
}

func backoff(attempts int) time.Duration {
	d := retryBaseDelay
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= retryMaxDelay {
			return retryMaxDelay
		}
	}
	return d
}
