package booking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/soulplan/booking-engine/internal/events"
	"github.com/soulplan/booking-engine/internal/logging"
	"github.com/soulplan/booking-engine/internal/notify"
	"github.com/soulplan/booking-engine/internal/outbox"
	redisclient "github.com/soulplan/booking-engine/internal/redis"
)

// ServiceConfig carries the tunables the lifecycle service needs.
type ServiceConfig struct {
	IdempotencyWindow    time.Duration
	CreateRateLimit      int
	ConversationMaxBytes int
	StaleAfter           time.Duration
}

type Service struct {
	repo    Repository
	bus     events.Bus
	counter *redisclient.Counter
	cfg     ServiceConfig
	log     *logging.Logger
}

func NewService(repo Repository, bus events.Bus, counter *redisclient.Counter, cfg ServiceConfig, log *logging.Logger) *Service {
	if cfg.IdempotencyWindow <= 0 {
		cfg.IdempotencyWindow = 5 * time.Minute
	}
	if cfg.ConversationMaxBytes <= 0 {
		cfg.ConversationMaxBytes = 256 * 1024
	}
	return &Service{
		repo:    repo,
		bus:     bus,
		counter: counter,
		cfg:     cfg,
		log:     log.WithComponent("booking"),
	}
}

// CreateRequest is a contact request from the public boundary.
type CreateRequest struct {
	ClientEmail    string
	TherapistEmail string
	IdempotencyKey string // optional; derived from content when empty
	InitialMessage string // optional first client message
}

// CreateResult reports whether a new record was created or an existing one
// returned by the idempotency guard.
type CreateResult struct {
	Appointment  *Appointment
	Deduplicated bool
}

func (s *Service) CreateAppointment(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	client := strings.TrimSpace(strings.ToLower(req.ClientEmail))
	therapist := strings.TrimSpace(strings.ToLower(req.TherapistEmail))
	if client == "" {
		return nil, &ValidationError{Field: "clientEmail", Reason: "required"}
	}
	if therapist == "" {
		return nil, &ValidationError{Field: "therapistEmail", Reason: "required"}
	}
	if client == therapist {
		return nil, &ValidationError{Field: "therapistEmail", Reason: "client and therapist must differ"}
	}

	if s.counter != nil && s.cfg.CreateRateLimit > 0 {
		n, err := s.counter.Incr(ctx, "create:"+client, s.cfg.IdempotencyWindow)
		if err != nil {
			// Redis being down must not block bookings; the counter is a
			// throttle, not a correctness guard.
			s.log.Warn("creation rate counter unavailable", "error", err)
		} else if n > int64(s.cfg.CreateRateLimit) {
			return nil, ErrRateLimited
		}
	}

	now := time.Now()
	key := req.IdempotencyKey
	if key == "" {
		key = DeriveIdempotencyKey(client, therapist, now, s.cfg.IdempotencyWindow)
	}
	dedupSince := now.Add(-s.cfg.IdempotencyWindow)

	// Fast pre-check: catches retries of the same request without opening a
	// serializable transaction.
	if existing, err := s.repo.FindByIdempotencyKey(ctx, key, dedupSince); err == nil {
		return &CreateResult{Appointment: existing, Deduplicated: true}, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("idempotency pre-check: %w", err)
	}

	conversation := ConversationState{SchemaVersion: ConversationSchemaVersion}
	var lastMessageAt *time.Time
	if req.InitialMessage != "" {
		msg := Message{From: SenderClient, Body: req.InitialMessage, SentAt: now}
		conversation.Messages = []Message{msg}
		lastMessageAt = &now
	}
	conversation.Facts = ExtractFacts(conversation.Messages)
	conversation.Checkpoint = DeriveCheckpoint(StatusPending, conversation.Facts, conversation.Messages, false, now)

	if err := s.checkConversationSize(conversation); err != nil {
		return nil, err
	}

	appt, err := s.repo.Create(ctx, CreateParams{
		ClientEmail:    client,
		TherapistEmail: therapist,
		IdempotencyKey: key,
		Conversation:   conversation,
		LastMessageAt:  lastMessageAt,
	}, dedupSince)
	if err != nil {
		if errors.Is(err, ErrDuplicateRequest) {
			// The transactional check tripped: another writer created the
			// record between our pre-check and the insert. Return theirs.
			if existing, lookupErr := s.repo.FindByIdempotencyKey(ctx, key, dedupSince); lookupErr == nil {
				return &CreateResult{Appointment: existing, Deduplicated: true}, nil
			}
			return nil, err
		}
		return nil, err
	}

	s.log.Info("appointment created",
		"id", appt.ID, "tracking_code", deref(appt.TrackingCode))

	return &CreateResult{Appointment: appt}, nil
}

// UpdateStatusParams mirrors the public transition contract.
type UpdateStatusParams struct {
	Source            string // webhook, admin, job, agent
	ActorID           string
	Reason            string
	ConfirmedDateTime string // raw, free text; the legal record
	SendNotifications bool
}

type UpdateStatusResult struct {
	Skipped     bool
	Warning     string
	Appointment *Appointment
}

// UpdateStatus validates and executes a lifecycle transition under optimistic
// concurrency. The committed transition is the unit of atomicity; side
// effects ride the outbox and never roll it back.
func (s *Service) UpdateStatus(ctx context.Context, id uuid.UUID, target Status, params UpdateStatusParams) (*UpdateStatusResult, error) {
	appt, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load appointment: %w", err)
	}

	if target == appt.Status {
		// Transitions are idempotent; callers may safely retry.
		return &UpdateStatusResult{Skipped: true, Appointment: appt}, nil
	}

	warning, err := ValidateTransition(appt.Status, target)
	if err != nil {
		return nil, err
	}

	if params.Source == "admin" && !appt.HumanControlEnabled {
		return nil, ErrHumanControlDisabled
	}

	write := StatusWrite{
		ID:              appt.ID,
		ExpectedVersion: appt.Version,
		NewStatus:       target,
	}

	if target == StatusConfirmed {
		raw := strings.TrimSpace(params.ConfirmedDateTime)
		if raw == "" && appt.ConfirmedDateTimeRaw != nil {
			raw = strings.TrimSpace(*appt.ConfirmedDateTimeRaw)
		}
		if raw == "" {
			return nil, &ValidationError{Field: "confirmedDateTime", Reason: "required to confirm an appointment"}
		}

		now := time.Now()
		write.ConfirmedAt = &now
		write.ConfirmedRaw = &raw
		// Raw is authoritative; the parsed instant is advisory and NULL
		// whenever parsing fails.
		if parsed, ok := parseConfirmedTime(raw); ok {
			write.ConfirmedParsed = &parsed
		}
	}

	confirmedBefore := appt.ConfirmedAt != nil && target == StatusNegotiating
	stage := InferStage(target, appt.Conversation.Facts, len(appt.Conversation.Messages), confirmedBefore)
	write.CheckpointStage = stage
	write.CheckpointPercent = stage.Percent()

	if params.SendNotifications {
		write.Effects = s.transitionEffects(appt, target, params)
	}

	updated, err := s.repo.UpdateStatus(ctx, write)
	if err != nil {
		return nil, err
	}

	if warning != "" {
		s.log.Warn("unusual status transition",
			"id", appt.ID, "from", appt.Status, "to", target,
			"source", params.Source, "actor", params.ActorID)
	}

	if s.bus != nil {
		s.bus.Publish(ctx, events.StatusChanged{
			BaseEvent:      events.NewBaseEvent(),
			AppointmentID:  appt.ID,
			TrackingCode:   deref(appt.TrackingCode),
			PreviousStatus: string(appt.Status),
			NewStatus:      string(target),
			Source:         params.Source,
			ActorID:        params.ActorID,
		})
	}

	return &UpdateStatusResult{Warning: warning, Appointment: updated}, nil
}

func (s *Service) transitionEffects(appt *Appointment, target Status, params UpdateStatusParams) []SideEffect {
	code := deref(appt.TrackingCode)
	subject := fmt.Sprintf("[%s] Appointment update: %s", code, target)
	body := fmt.Sprintf("Your appointment %s is now %s.", code, target)
	if params.Reason != "" {
		body += " Reason: " + params.Reason
	}

	effects := []SideEffect{
		{Kind: outbox.KindEmail, Payload: notify.EmailMessage{To: appt.ClientEmail, Subject: subject, Body: body}},
		{Kind: outbox.KindEmail, Payload: notify.EmailMessage{To: appt.TherapistEmail, Subject: subject, Body: body}},
	}

	if target == StatusConfirmed || target == StatusCancelled {
		effects = append(effects, SideEffect{
			Kind: outbox.KindChat,
			Payload: notify.ChatMessage{
				Text: fmt.Sprintf("Appointment %s -> %s (source: %s)", code, target, params.Source),
			},
		})
	}

	return effects
}

// AppendMessage grows the transcript and recomputes the derived checkpoint
// and facts in the same write.
func (s *Service) AppendMessage(ctx context.Context, id uuid.UUID, msg Message) (*Appointment, error) {
	if strings.TrimSpace(msg.Body) == "" {
		return nil, &ValidationError{Field: "body", Reason: "required"}
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now()
	}

	appt, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load appointment: %w", err)
	}

	conversation := appt.Conversation
	conversation.SchemaVersion = ConversationSchemaVersion
	conversation.Messages = append(conversation.Messages, msg)
	conversation.Facts = ExtractFacts(conversation.Messages)

	confirmedBefore := appt.ConfirmedAt != nil && appt.Status == StatusNegotiating
	conversation.Checkpoint = DeriveCheckpoint(appt.Status, conversation.Facts, conversation.Messages, confirmedBefore, msg.SentAt)

	if err := s.checkConversationSize(conversation); err != nil {
		return nil, err
	}

	return s.repo.UpdateConversation(ctx, ConversationWrite{
		ID:              appt.ID,
		ExpectedVersion: appt.Version,
		Conversation:    conversation,
		LastMessageAt:   msg.SentAt,
	})
}

// checkConversationSize rejects oversized documents instead of truncating
// silently, so callers can detect the condition.
func (s *Service) checkConversationSize(c ConversationState) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode conversation state: %w", err)
	}
	if len(data) > s.cfg.ConversationMaxBytes {
		return &ValidationError{
			Field:  "conversationState",
			Reason: fmt.Sprintf("document is %d bytes, cap is %d", len(data), s.cfg.ConversationMaxBytes),
		}
	}
	return nil
}

func (s *Service) SetHumanControl(ctx context.Context, id uuid.UUID, enabled bool) (*Appointment, error) {
	appt, err := s.repo.SetHumanControl(ctx, id, enabled)
	if err != nil {
		return nil, fmt.Errorf("set human control: %w", err)
	}
	return appt, nil
}

func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) GetByTrackingCode(ctx context.Context, code string) (*Appointment, error) {
	return s.repo.GetByTrackingCode(ctx, code)
}

func (s *Service) ListAppointments(ctx context.Context, filter ListFilter) ([]Appointment, error) {
	return s.repo.List(ctx, filter)
}

func (s *Service) PurgeAppointment(ctx context.Context, id uuid.UUID) error {
	appt, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if !appt.HumanControlEnabled {
		return ErrHumanControlDisabled
	}
	return s.repo.Purge(ctx, id)
}

// FlagStaleConversations marks quiet negotiations as stalled and notifies the
// admin channel. Called by the stale-scan job; conflicts on individual rows
// are skipped, the next run picks them up.
func (s *Service) FlagStaleConversations(ctx context.Context) (int, error) {
	quietSince := time.Now().Add(-s.cfg.StaleAfter)
	stale, err := s.repo.FindStaleNegotiations(ctx, quietSince)
	if err != nil {
		return 0, fmt.Errorf("find stale negotiations: %w", err)
	}

	flagged := 0
	for _, appt := range stale {
		if ctx.Err() != nil {
			return flagged, ctx.Err()
		}

		// The admin heads-up rides the same transaction as the stall flag.
		effects := []SideEffect{{
			Kind: outbox.KindChat,
			Payload: notify.ChatMessage{
				Text: fmt.Sprintf("Negotiation %s stalled: no messages for %s",
					deref(appt.TrackingCode), s.cfg.StaleAfter),
			},
		}}
		if err := s.repo.MarkStalled(ctx, appt.ID, appt.Version, effects); err != nil {
			if errors.Is(err, ErrConcurrentModification) || errors.Is(err, ErrNotFound) {
				continue
			}
			s.log.Error("mark stalled failed", "id", appt.ID, "error", err)
			continue
		}
		flagged++

		if s.bus != nil && appt.LastMessageAt != nil {
			s.bus.Publish(ctx, events.ConversationStalled{
				BaseEvent:     events.NewBaseEvent(),
				AppointmentID: appt.ID,
				TrackingCode:  deref(appt.TrackingCode),
				LastMessageAt: *appt.LastMessageAt,
			})
		}
	}

	return flagged, nil
}

// PurgeExpired removes terminal appointments past the retention window.
func (s *Service) PurgeExpired(ctx context.Context, retention time.Duration) (int64, error) {
	return s.repo.DeleteTerminalOlderThan(ctx, time.Now().Add(-retention))
}

// RepairTrackingCodes runs both idempotent repair routines.
func (s *Service) RepairTrackingCodes(ctx context.Context) (migrated, repaired int, err error) {
	migrated, err = s.repo.MigrateLegacyTrackingCodes(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("migrate legacy codes: %w", err)
	}
	repaired, err = s.repo.RepairTrackingCodeCollisions(ctx)
	if err != nil {
		return migrated, 0, fmt.Errorf("repair colliding codes: %w", err)
	}
	return migrated, repaired, nil
}

// parseConfirmedTime attempts the formats agents and admins actually type.
// Best effort only: failure leaves the parsed column NULL while the raw
// string remains the record.
func parseConfirmedTime(raw string) (time.Time, bool) {
	layouts := []string{
		time.RFC3339,
		"2006-01-02T15:04",
		"2006-01-02 15:04",
		"2006-01-02 15:04:05",
		"January 2, 2006 3:04 PM",
		"Jan 2, 2006 3:04 PM",
		"02/01/2006 15:04",
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
