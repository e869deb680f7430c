// Package outbox persists side effects in the same transaction as the state
// change that produced them, so a crash between commit and send cannot drop a
// notification. A dispatcher drains the table with supervised retries.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Kind string

const (
	KindEmail Kind = "email"
	KindChat  Kind = "chat"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusSending Status = "sending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

type Record struct {
	ID            uuid.UUID
	AppointmentID *uuid.UUID
	Kind          Kind
	Payload       json.RawMessage
	Status        Status
	Attempts      int
	NextAttemptAt time.Time
	LastError     *string
	CreatedAt     time.Time
}

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// InsertTx enqueues a side effect inside the caller's transaction.
func (r *Repository) InsertTx(ctx context.Context, tx pgx.Tx, appointmentID *uuid.UUID, kind Kind, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal outbox payload: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO outbox (id, appointment_id, kind, payload, status, next_attempt_at)
		VALUES ($1, $2, $3, $4, 'pending', now())
	`, uuid.New(), appointmentID, string(kind), data)
	if err != nil {
		return fmt.Errorf("insert outbox row: %w", err)
	}

	return nil
}

// ClaimDue atomically flips up to limit due pending rows to 'sending' and
// returns them. SKIP LOCKED keeps concurrent dispatchers from double-claiming
// even if the job lock ever overlaps during a handover.
func (r *Repository) ClaimDue(ctx context.Context, limit int) ([]Record, error) {
	if limit < 1 {
		limit = 50
	}

	rows, err := r.pool.Query(ctx, `
		WITH due AS (
			SELECT id
			FROM outbox
			WHERE status = 'pending' AND next_attempt_at <= now()
			ORDER BY next_attempt_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE outbox o
		SET status = 'sending', updated_at = now()
		FROM due
		WHERE o.id = due.id
		RETURNING o.id, o.appointment_id, o.kind, o.payload, o.status, o.attempts,
		          o.next_attempt_at, o.last_error, o.created_at
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("claim outbox rows: %w", err)
	}
	defer rows.Close()

	var result []Record
	for rows.Next() {
		var rec Record
		var kind, status string
		if err := rows.Scan(&rec.ID, &rec.AppointmentID, &kind, &rec.Payload, &status,
			&rec.Attempts, &rec.NextAttemptAt, &rec.LastError, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}
		rec.Kind = Kind(kind)
		rec.Status = Status(status)
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox rows: %w", err)
	}

	return result, nil
}

// MarkSent marks a claimed row delivered.
func (r *Repository) MarkSent(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE outbox
		SET status = 'sent', updated_at = now()
		WHERE id = $1
	`, id)
	return err
}

// MarkRetry schedules another attempt for a claimed row, or parks it as
// failed once attempts are exhausted.
func (r *Repository) MarkRetry(ctx context.Context, id uuid.UUID, attempts int, sendErr string, nextAttemptAt time.Time, exhausted bool) error {
	status := StatusPending
	if exhausted {
		status = StatusFailed
	}
	_, err := r.pool.Exec(ctx, `
		UPDATE outbox
		SET status = $2, attempts = $3, last_error = $4, next_attempt_at = $5, updated_at = now()
		WHERE id = $1
	`, id, string(status), attempts, sendErr, nextAttemptAt)
	return err
}

// ReleaseStuckSending requeues rows stuck in 'sending' longer than maxAge, in
// case a dispatcher crashed between claim and outcome.
func (r *Repository) ReleaseStuckSending(ctx context.Context, maxAge time.Duration) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE outbox
		SET status = 'pending', updated_at = now()
		WHERE status = 'sending' AND updated_at < now() - $1::interval
	`, fmt.Sprintf("%d seconds", int(maxAge.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("release stuck outbox rows: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteOlderThan removes sent and failed rows past the retention window.
func (r *Repository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM outbox
		WHERE status IN ('sent', 'failed') AND updated_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete old outbox rows: %w", err)
	}
	return tag.RowsAffected(), nil
}
