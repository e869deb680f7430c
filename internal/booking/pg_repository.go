package booking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/soulplan/booking-engine/internal/outbox"
)

const appointmentColumns = `
	id, client_email, therapist_email, status, tracking_code, idempotency_key,
	human_control_enabled, confirmed_at, confirmed_datetime_raw, confirmed_datetime_parsed,
	conversation_state, checkpoint_stage, checkpoint_percent, last_message_at,
	version, created_at, updated_at`

type PgRepository struct {
	pool   *pgxpool.Pool
	outbox *outbox.Repository
}

func NewPgRepository(pool *pgxpool.Pool, outboxRepo *outbox.Repository) *PgRepository {
	return &PgRepository{pool: pool, outbox: outboxRepo}
}

// Helpers

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var conversation []byte
	var stage string
	var status string

	err := row.Scan(
		&a.ID,
		&a.ClientEmail,
		&a.TherapistEmail,
		&status,
		&a.TrackingCode,
		&a.IdempotencyKey,
		&a.HumanControlEnabled,
		&a.ConfirmedAt,
		&a.ConfirmedDateTimeRaw,
		&a.ConfirmedDateTimeParsed,
		&conversation,
		&stage,
		&a.CheckpointPercent,
		&a.LastMessageAt,
		&a.Version,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	a.Status = Status(status)
	a.CheckpointStage = Stage(stage)

	if len(conversation) > 0 {
		if err := json.Unmarshal(conversation, &a.Conversation); err != nil {
			return nil, fmt.Errorf("decode conversation state: %w", err)
		}
	}

	return &a, nil
}

// isSerializationFailure matches Postgres 40001 so a serializable conflict
// surfaces as a retryable concurrent-modification error, never a silent retry
// inside the core.
func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "40001"
}

// Interface methods

func (r *PgRepository) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `SELECT`+appointmentColumns+` FROM appointments WHERE id = $1`, id)
	return scanAppointment(row)
}

func (r *PgRepository) GetByTrackingCode(ctx context.Context, code string) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `SELECT`+appointmentColumns+` FROM appointments WHERE tracking_code = $1`, code)
	return scanAppointment(row)
}

func (r *PgRepository) FindByIdempotencyKey(ctx context.Context, key string, since time.Time) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT`+appointmentColumns+`
		FROM appointments
		WHERE idempotency_key = $1 AND created_at >= $2
		ORDER BY created_at ASC
		LIMIT 1
	`, key, since)
	return scanAppointment(row)
}

func (r *PgRepository) List(ctx context.Context, filter ListFilter) ([]Appointment, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	var rows pgx.Rows
	var err error
	if filter.Status != "" {
		rows, err = r.pool.Query(ctx, `
			SELECT`+appointmentColumns+`
			FROM appointments
			WHERE status = $1
			ORDER BY updated_at DESC
			LIMIT $2 OFFSET $3
		`, string(filter.Status), limit, offset)
	} else {
		rows, err = r.pool.Query(ctx, `
			SELECT`+appointmentColumns+`
			FROM appointments
			ORDER BY updated_at DESC
			LIMIT $1 OFFSET $2
		`, limit, offset)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectAppointments(rows)
}

func collectAppointments(rows pgx.Rows) ([]Appointment, error) {
	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *PgRepository) Create(ctx context.Context, p CreateParams, dedupSince time.Time) (*Appointment, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return nil, fmt.Errorf("begin create tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Authoritative duplicate check: catches a different concurrent request
	// for the same logical pair, not just a retry of the same one.
	var existingID uuid.UUID
	err = tx.QueryRow(ctx, `
		SELECT id FROM appointments
		WHERE idempotency_key = $1 AND created_at >= $2
		LIMIT 1
	`, p.IdempotencyKey, dedupSince).Scan(&existingID)
	if err == nil {
		return nil, fmt.Errorf("%w: existing appointment %s", ErrDuplicateRequest, existingID)
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("duplicate check: %w", err)
	}

	// Sequence allocation joined with the insert that consumes the code.
	prefix := TrackingCodePrefix(p.ClientEmail, p.TherapistEmail)
	codes, err := listCodesWithPrefix(ctx, tx, prefix)
	if err != nil {
		return nil, err
	}
	code := BuildTrackingCode(prefix, NextSequence(codes, prefix))

	conversation, err := json.Marshal(p.Conversation)
	if err != nil {
		return nil, fmt.Errorf("encode conversation state: %w", err)
	}

	id := uuid.New()
	cp := p.Conversation.Checkpoint

	row := tx.QueryRow(ctx, `
		INSERT INTO appointments (
			id, client_email, therapist_email, status, tracking_code, idempotency_key,
			conversation_state, checkpoint_stage, checkpoint_percent, last_message_at,
			proposed_times, selected_time
		)
		VALUES ($1, $2, $3, 'pending', $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING`+appointmentColumns,
		id, p.ClientEmail, p.TherapistEmail, code, p.IdempotencyKey,
		conversation, string(cp.Stage), cp.Percent, p.LastMessageAt,
		jsonOrNil(p.Conversation.Facts.ProposedTimes), nilIfEmpty(p.Conversation.Facts.SelectedTime),
	)

	appt, err := scanAppointment(row)
	if err != nil {
		if isSerializationFailure(err) {
			return nil, ErrConcurrentModification
		}
		return nil, fmt.Errorf("insert appointment: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		if isSerializationFailure(err) {
			return nil, ErrConcurrentModification
		}
		return nil, fmt.Errorf("commit create tx: %w", err)
	}

	return appt, nil
}

func listCodesWithPrefix(ctx context.Context, tx pgx.Tx, prefix string) ([]string, error) {
	rows, err := tx.Query(ctx, `
		SELECT tracking_code FROM appointments
		WHERE tracking_code LIKE $1 || '-%'
	`, prefix)
	if err != nil {
		return nil, fmt.Errorf("list codes with prefix: %w", err)
	}
	defer rows.Close()

	var codes []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		codes = append(codes, c)
	}
	return codes, rows.Err()
}

func (r *PgRepository) UpdateStatus(ctx context.Context, w StatusWrite) (*Appointment, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin status tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `
		UPDATE appointments
		SET status = $3,
		    confirmed_at = COALESCE($4, confirmed_at),
		    confirmed_datetime_raw = COALESCE($5, confirmed_datetime_raw),
		    confirmed_datetime_parsed = CASE WHEN $5 IS NOT NULL THEN $6 ELSE confirmed_datetime_parsed END,
		    checkpoint_stage = $7,
		    checkpoint_percent = $8,
		    version = version + 1,
		    updated_at = now()
		WHERE id = $1 AND version = $2
		RETURNING`+appointmentColumns,
		w.ID, w.ExpectedVersion, string(w.NewStatus),
		w.ConfirmedAt, w.ConfirmedRaw, w.ConfirmedParsed,
		string(w.CheckpointStage), w.CheckpointPercent,
	)

	appt, err := scanAppointment(row)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// Either the row is gone or the version moved; disambiguate so
			// the caller knows whether to retry.
			return nil, r.concurrentOrMissing(ctx, w.ID)
		}
		return nil, fmt.Errorf("update status: %w", err)
	}

	for _, effect := range w.Effects {
		if err := r.outbox.InsertTx(ctx, tx, &w.ID, effect.Kind, effect.Payload); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit status tx: %w", err)
	}

	return appt, nil
}

func (r *PgRepository) concurrentOrMissing(ctx context.Context, id uuid.UUID) error {
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM appointments WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check appointment existence: %w", err)
	}
	if exists {
		return ErrConcurrentModification
	}
	return ErrNotFound
}

func (r *PgRepository) UpdateConversation(ctx context.Context, w ConversationWrite) (*Appointment, error) {
	conversation, err := json.Marshal(w.Conversation)
	if err != nil {
		return nil, fmt.Errorf("encode conversation state: %w", err)
	}

	cp := w.Conversation.Checkpoint
	row := r.pool.QueryRow(ctx, `
		UPDATE appointments
		SET conversation_state = $3,
		    checkpoint_stage = $4,
		    checkpoint_percent = $5,
		    last_message_at = $6,
		    proposed_times = $7,
		    selected_time = $8,
		    version = version + 1,
		    updated_at = now()
		WHERE id = $1 AND version = $2
		RETURNING`+appointmentColumns,
		w.ID, w.ExpectedVersion, conversation,
		string(cp.Stage), cp.Percent, w.LastMessageAt,
		jsonOrNil(w.Conversation.Facts.ProposedTimes), nilIfEmpty(w.Conversation.Facts.SelectedTime),
	)

	appt, err := scanAppointment(row)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, r.concurrentOrMissing(ctx, w.ID)
		}
		return nil, fmt.Errorf("update conversation: %w", err)
	}

	return appt, nil
}

func (r *PgRepository) SetHumanControl(ctx context.Context, id uuid.UUID, enabled bool) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE appointments
		SET human_control_enabled = $2,
		    version = version + 1,
		    updated_at = now()
		WHERE id = $1
		RETURNING`+appointmentColumns, id, enabled)
	return scanAppointment(row)
}

func (r *PgRepository) FindStaleNegotiations(ctx context.Context, quietSince time.Time) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT`+appointmentColumns+`
		FROM appointments
		WHERE status IN ('contacted', 'negotiating')
		  AND checkpoint_stage <> 'stalled'
		  AND last_message_at IS NOT NULL
		  AND last_message_at < $1
	`, quietSince)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectAppointments(rows)
}

func (r *PgRepository) MarkStalled(ctx context.Context, id uuid.UUID, expectedVersion int64, effects []SideEffect) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin stall tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		UPDATE appointments
		SET checkpoint_stage = 'stalled',
		    checkpoint_percent = $3,
		    version = version + 1,
		    updated_at = now()
		WHERE id = $1 AND version = $2
	`, id, expectedVersion, StageStalled.Percent())
	if err != nil {
		return fmt.Errorf("mark stalled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.concurrentOrMissing(ctx, id)
	}

	for _, effect := range effects {
		if err := r.outbox.InsertTx(ctx, tx, &id, effect.Kind, effect.Payload); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit stall tx: %w", err)
	}
	return nil
}

func (r *PgRepository) DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM appointments
		WHERE status IN ('completed', 'cancelled') AND updated_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete old appointments: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *PgRepository) Purge(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM appointments WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("purge appointment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MigrateLegacyTrackingCodes rewrites pre-launch fixed-digit codes into the
// structured format. Idempotent: already-migrated rows no longer match the
// legacy pattern and are skipped on re-runs.
func (r *PgRepository) MigrateLegacyTrackingCodes(ctx context.Context) (int, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return 0, fmt.Errorf("begin migrate tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
		SELECT id, client_email, therapist_email, tracking_code
		FROM appointments
		WHERE tracking_code ~ '^SPL-?\d{6}$'
		ORDER BY created_at ASC
	`)
	if err != nil {
		return 0, fmt.Errorf("list legacy codes: %w", err)
	}

	type legacyRow struct {
		id                uuid.UUID
		client, therapist string
	}
	var legacy []legacyRow
	for rows.Next() {
		var lr legacyRow
		var code string
		if err := rows.Scan(&lr.id, &lr.client, &lr.therapist, &code); err != nil {
			rows.Close()
			return 0, err
		}
		legacy = append(legacy, lr)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	migrated := 0
	for _, lr := range legacy {
		prefix := TrackingCodePrefix(lr.client, lr.therapist)
		codes, err := listCodesWithPrefix(ctx, tx, prefix)
		if err != nil {
			return migrated, err
		}
		newCode := BuildTrackingCode(prefix, NextSequence(codes, prefix))

		if _, err := tx.Exec(ctx, `
			UPDATE appointments
			SET tracking_code = $2, version = version + 1, updated_at = now()
			WHERE id = $1
		`, lr.id, newCode); err != nil {
			return migrated, fmt.Errorf("migrate code for %s: %w", lr.id, err)
		}
		migrated++
	}

	if err := tx.Commit(ctx); err != nil {
		if isSerializationFailure(err) {
			return 0, ErrConcurrentModification
		}
		return 0, fmt.Errorf("commit migrate tx: %w", err)
	}

	return migrated, nil
}

// RepairTrackingCodeCollisions finds codes shared by multiple rows (possible
// in data imported before the unique index existed), keeps the oldest row's
// code and regenerates the rest. Idempotent: once no code is shared, the
// query returns nothing.
func (r *PgRepository) RepairTrackingCodeCollisions(ctx context.Context) (int, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return 0, fmt.Errorf("begin repair tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
		SELECT a.id, a.client_email, a.therapist_email
		FROM appointments a
		JOIN (
			SELECT tracking_code
			FROM appointments
			WHERE tracking_code IS NOT NULL
			GROUP BY tracking_code
			HAVING count(*) > 1
		) dup ON dup.tracking_code = a.tracking_code
		WHERE a.id NOT IN (
			SELECT DISTINCT ON (tracking_code) id
			FROM appointments
			WHERE tracking_code IS NOT NULL
			ORDER BY tracking_code, created_at ASC
		)
		ORDER BY a.created_at ASC
	`)
	if err != nil {
		return 0, fmt.Errorf("list colliding codes: %w", err)
	}

	type dupRow struct {
		id                uuid.UUID
		client, therapist string
	}
	var dups []dupRow
	for rows.Next() {
		var dr dupRow
		if err := rows.Scan(&dr.id, &dr.client, &dr.therapist); err != nil {
			rows.Close()
			return 0, err
		}
		dups = append(dups, dr)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	repaired := 0
	for _, dr := range dups {
		prefix := TrackingCodePrefix(dr.client, dr.therapist)
		codes, err := listCodesWithPrefix(ctx, tx, prefix)
		if err != nil {
			return repaired, err
		}
		newCode := BuildTrackingCode(prefix, NextSequence(codes, prefix))

		if _, err := tx.Exec(ctx, `
			UPDATE appointments
			SET tracking_code = $2, version = version + 1, updated_at = now()
			WHERE id = $1
		`, dr.id, newCode); err != nil {
			return repaired, fmt.Errorf("repair code for %s: %w", dr.id, err)
		}
		repaired++
	}

	if err := tx.Commit(ctx); err != nil {
		if isSerializationFailure(err) {
			return 0, ErrConcurrentModification
		}
		return 0, fmt.Errorf("commit repair tx: %w", err)
	}

	return repaired, nil
}

func jsonOrNil(v []string) any {
	if len(v) == 0 {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}

func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
