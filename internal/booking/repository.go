package booking

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/soulplan/booking-engine/internal/outbox"
)

// SideEffect is a notification to enqueue transactionally with a write.
type SideEffect struct {
	Kind    outbox.Kind
	Payload any
}

type CreateParams struct {
	ClientEmail    string
	TherapistEmail string
	IdempotencyKey string
	Conversation   ConversationState
	LastMessageAt  *time.Time
}

// StatusWrite carries a lifecycle transition. ExpectedVersion is the version
// read at load time; the write fails with ErrConcurrentModification if the
// row moved since.
type StatusWrite struct {
	ID                uuid.UUID
	ExpectedVersion   int64
	NewStatus         Status
	ConfirmedAt       *time.Time
	ConfirmedRaw      *string
	ConfirmedParsed   *time.Time
	CheckpointStage   Stage
	CheckpointPercent int
	Effects           []SideEffect
}

// ConversationWrite persists a grown transcript plus its derived state.
type ConversationWrite struct {
	ID              uuid.UUID
	ExpectedVersion int64
	Conversation    ConversationState
	LastMessageAt   time.Time
}

type ListFilter struct {
	Status Status
	Limit  int
	Offset int
}

// Repository contains all storage interactions needed by the service.
type Repository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	GetByTrackingCode(ctx context.Context, code string) (*Appointment, error)
	FindByIdempotencyKey(ctx context.Context, key string, since time.Time) (*Appointment, error)
	List(ctx context.Context, filter ListFilter) ([]Appointment, error)

	// Create runs inside one serializable transaction: the authoritative
	// duplicate check, the tracking-code sequence allocation and the insert
	// that consumes the code, plus any transactional side effects.
	Create(ctx context.Context, p CreateParams, dedupSince time.Time) (*Appointment, error)

	UpdateStatus(ctx context.Context, w StatusWrite) (*Appointment, error)
	UpdateConversation(ctx context.Context, w ConversationWrite) (*Appointment, error)
	SetHumanControl(ctx context.Context, id uuid.UUID, enabled bool) (*Appointment, error)

	// Background jobs
	FindStaleNegotiations(ctx context.Context, quietSince time.Time) ([]Appointment, error)
	// MarkStalled flips the checkpoint to stalled and enqueues effects in the
	// same transaction, so the admin notification cannot outlive a lost write.
	MarkStalled(ctx context.Context, id uuid.UUID, expectedVersion int64, effects []SideEffect) error
	DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time) (int64, error)

	// Explicit admin purge; the only hard delete outside retention.
	Purge(ctx context.Context, id uuid.UUID) error

	// Tracking-code repair. Both are idempotent and safe against
	// partially-repaired data.
	MigrateLegacyTrackingCodes(ctx context.Context) (int, error)
	RepairTrackingCodeCollisions(ctx context.Context) (int, error)
}
