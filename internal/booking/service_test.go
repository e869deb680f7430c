package booking

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soulplan/booking-engine/internal/logging"
	"github.com/soulplan/booking-engine/internal/notify"
	"github.com/soulplan/booking-engine/internal/outbox"
	redisclient "github.com/soulplan/booking-engine/internal/redis"
)

// fakeRepo is an in-memory Repository for service tests.
type fakeRepo struct {
	appointments map[uuid.UUID]*Appointment
	byKey        map[string]*Appointment

	createCalls     int
	statusWrites    []StatusWrite
	convWrites      []ConversationWrite
	stalled         []uuid.UUID
	stallEffects    [][]SideEffect
	markStalledErr  error
	updateStatusErr error
	staleCandidates []Appointment
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		appointments: make(map[uuid.UUID]*Appointment),
		byKey:        make(map[string]*Appointment),
	}
}

func (f *fakeRepo) add(a *Appointment) *Appointment {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.Version == 0 {
		a.Version = 1
	}
	f.appointments[a.ID] = a
	if a.IdempotencyKey != nil {
		f.byKey[*a.IdempotencyKey] = a
	}
	return a
}

func (f *fakeRepo) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	a, ok := f.appointments[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (f *fakeRepo) GetByTrackingCode(ctx context.Context, code string) (*Appointment, error) {
	for _, a := range f.appointments {
		if a.TrackingCode != nil && *a.TrackingCode == code {
			cp := *a
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (f *fakeRepo) FindByIdempotencyKey(ctx context.Context, key string, since time.Time) (*Appointment, error) {
	if a, ok := f.byKey[key]; ok && !a.CreatedAt.Before(since) {
		cp := *a
		return &cp, nil
	}
	return nil, ErrNotFound
}

func (f *fakeRepo) List(ctx context.Context, filter ListFilter) ([]Appointment, error) {
	var out []Appointment
	for _, a := range f.appointments {
		if filter.Status != "" && a.Status != filter.Status {
			continue
		}
		out = append(out, *a)
	}
	return out, nil
}

func (f *fakeRepo) Create(ctx context.Context, p CreateParams, dedupSince time.Time) (*Appointment, error) {
	f.createCalls++
	if a, ok := f.byKey[p.IdempotencyKey]; ok && !a.CreatedAt.Before(dedupSince) {
		return nil, ErrDuplicateRequest
	}
	key := p.IdempotencyKey
	code := BuildTrackingCode(TrackingCodePrefix(p.ClientEmail, p.TherapistEmail), 1)
	now := time.Now()
	a := &Appointment{
		ID:             uuid.New(),
		ClientEmail:    p.ClientEmail,
		TherapistEmail: p.TherapistEmail,
		Status:         StatusPending,
		TrackingCode:   &code,
		IdempotencyKey: &key,
		Conversation:   p.Conversation,
		LastMessageAt:  p.LastMessageAt,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	return f.add(a), nil
}

func (f *fakeRepo) UpdateStatus(ctx context.Context, w StatusWrite) (*Appointment, error) {
	if f.updateStatusErr != nil {
		return nil, f.updateStatusErr
	}
	a, ok := f.appointments[w.ID]
	if !ok {
		return nil, ErrNotFound
	}
	if a.Version != w.ExpectedVersion {
		return nil, ErrConcurrentModification
	}
	f.statusWrites = append(f.statusWrites, w)
	a.Status = w.NewStatus
	if w.ConfirmedAt != nil {
		a.ConfirmedAt = w.ConfirmedAt
	}
	if w.ConfirmedRaw != nil {
		a.ConfirmedDateTimeRaw = w.ConfirmedRaw
	}
	a.ConfirmedDateTimeParsed = w.ConfirmedParsed
	a.CheckpointStage = w.CheckpointStage
	a.CheckpointPercent = w.CheckpointPercent
	a.Version++
	cp := *a
	return &cp, nil
}

func (f *fakeRepo) UpdateConversation(ctx context.Context, w ConversationWrite) (*Appointment, error) {
	a, ok := f.appointments[w.ID]
	if !ok {
		return nil, ErrNotFound
	}
	if a.Version != w.ExpectedVersion {
		return nil, ErrConcurrentModification
	}
	f.convWrites = append(f.convWrites, w)
	a.Conversation = w.Conversation
	a.LastMessageAt = &w.LastMessageAt
	a.Version++
	cp := *a
	return &cp, nil
}

func (f *fakeRepo) SetHumanControl(ctx context.Context, id uuid.UUID, enabled bool) (*Appointment, error) {
	a, ok := f.appointments[id]
	if !ok {
		return nil, ErrNotFound
	}
	a.HumanControlEnabled = enabled
	a.Version++
	cp := *a
	return &cp, nil
}

func (f *fakeRepo) FindStaleNegotiations(ctx context.Context, quietSince time.Time) ([]Appointment, error) {
	return f.staleCandidates, nil
}

func (f *fakeRepo) MarkStalled(ctx context.Context, id uuid.UUID, expectedVersion int64, effects []SideEffect) error {
	if f.markStalledErr != nil {
		return f.markStalledErr
	}
	f.stalled = append(f.stalled, id)
	f.stallEffects = append(f.stallEffects, effects)
	return nil
}

func (f *fakeRepo) DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

func (f *fakeRepo) Purge(ctx context.Context, id uuid.UUID) error {
	delete(f.appointments, id)
	return nil
}

func (f *fakeRepo) MigrateLegacyTrackingCodes(ctx context.Context) (int, error)   { return 0, nil }
func (f *fakeRepo) RepairTrackingCodeCollisions(ctx context.Context) (int, error) { return 0, nil }

func newTestService(repo Repository) *Service {
	return NewService(repo, nil, nil, ServiceConfig{
		IdempotencyWindow:    5 * time.Minute,
		ConversationMaxBytes: 2048,
		StaleAfter:           72 * time.Hour,
	}, logging.New("dev"))
}

func TestUpdateStatusIdempotentSkip(t *testing.T) {
	repo := newFakeRepo()
	appt := repo.add(&Appointment{Status: StatusNegotiating})
	svc := newTestService(repo)

	result, err := svc.UpdateStatus(context.Background(), appt.ID, StatusNegotiating, UpdateStatusParams{Source: "webhook"})
	require.NoError(t, err)
	assert.True(t, result.Skipped)
	assert.Empty(t, repo.statusWrites, "an idempotent skip must not write")
}

func TestUpdateStatusNormalTransition(t *testing.T) {
	repo := newFakeRepo()
	appt := repo.add(&Appointment{Status: StatusPending})
	svc := newTestService(repo)

	result, err := svc.UpdateStatus(context.Background(), appt.ID, StatusContacted, UpdateStatusParams{Source: "agent"})
	require.NoError(t, err)
	assert.False(t, result.Skipped)
	assert.Empty(t, result.Warning)
	assert.Equal(t, StatusContacted, result.Appointment.Status)
	assert.Equal(t, int64(2), result.Appointment.Version)
}

func TestUpdateStatusRejectsIllegalTransition(t *testing.T) {
	repo := newFakeRepo()
	appt := repo.add(&Appointment{Status: StatusCompleted})
	svc := newTestService(repo)

	_, err := svc.UpdateStatus(context.Background(), appt.ID, StatusPending, UpdateStatusParams{Source: "admin"})
	var invalid *InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
	assert.Empty(t, repo.statusWrites)
}

func TestUpdateStatusUnusualTransitionWarns(t *testing.T) {
	repo := newFakeRepo()
	raw := "2025-11-10 14:00"
	at := time.Now()
	appt := repo.add(&Appointment{
		Status:               StatusConfirmed,
		ConfirmedAt:          &at,
		ConfirmedDateTimeRaw: &raw,
	})
	svc := newTestService(repo)

	result, err := svc.UpdateStatus(context.Background(), appt.ID, StatusNegotiating, UpdateStatusParams{Source: "webhook"})
	require.NoError(t, err)
	assert.NotEmpty(t, result.Warning)
	assert.Equal(t, StatusNegotiating, result.Appointment.Status)
}

func TestUpdateStatusConfirmRequiresDateTime(t *testing.T) {
	repo := newFakeRepo()
	appt := repo.add(&Appointment{Status: StatusNegotiating})
	svc := newTestService(repo)

	_, err := svc.UpdateStatus(context.Background(), appt.ID, StatusConfirmed, UpdateStatusParams{Source: "webhook"})
	var validation *ValidationError
	require.ErrorAs(t, err, &validation)
	assert.Equal(t, "confirmedDateTime", validation.Field)
}

func TestUpdateStatusConfirmRecordsRawAndParsed(t *testing.T) {
	repo := newFakeRepo()
	appt := repo.add(&Appointment{Status: StatusNegotiating})
	svc := newTestService(repo)

	result, err := svc.UpdateStatus(context.Background(), appt.ID, StatusConfirmed, UpdateStatusParams{
		Source:            "webhook",
		ConfirmedDateTime: "2025-11-10 14:00",
	})
	require.NoError(t, err)

	updated := result.Appointment
	require.NotNil(t, updated.ConfirmedDateTimeRaw)
	assert.Equal(t, "2025-11-10 14:00", *updated.ConfirmedDateTimeRaw)
	require.NotNil(t, updated.ConfirmedDateTimeParsed)
	assert.Equal(t, time.Date(2025, 11, 10, 14, 0, 0, 0, time.UTC), *updated.ConfirmedDateTimeParsed)
	assert.NotNil(t, updated.ConfirmedAt)
}

func TestUpdateStatusConfirmUnparseableRawKeptParsedNil(t *testing.T) {
	repo := newFakeRepo()
	appt := repo.add(&Appointment{Status: StatusNegotiating})
	svc := newTestService(repo)

	result, err := svc.UpdateStatus(context.Background(), appt.ID, StatusConfirmed, UpdateStatusParams{
		Source:            "webhook",
		ConfirmedDateTime: "next Tuesday after lunch",
	})
	require.NoError(t, err, "an unparseable confirmed time is not an error, raw is the record")

	updated := result.Appointment
	require.NotNil(t, updated.ConfirmedDateTimeRaw)
	assert.Equal(t, "next Tuesday after lunch", *updated.ConfirmedDateTimeRaw)
	assert.Nil(t, updated.ConfirmedDateTimeParsed)
}

func TestUpdateStatusAdminRequiresHumanControl(t *testing.T) {
	repo := newFakeRepo()
	appt := repo.add(&Appointment{Status: StatusNegotiating, HumanControlEnabled: false})
	svc := newTestService(repo)

	_, err := svc.UpdateStatus(context.Background(), appt.ID, StatusCancelled, UpdateStatusParams{Source: "admin"})
	require.ErrorIs(t, err, ErrHumanControlDisabled)

	// Non-admin sources are not gated.
	_, err = svc.UpdateStatus(context.Background(), appt.ID, StatusCancelled, UpdateStatusParams{Source: "webhook"})
	require.NoError(t, err)
}

func TestUpdateStatusPropagatesConcurrentModification(t *testing.T) {
	repo := newFakeRepo()
	appt := repo.add(&Appointment{Status: StatusPending})
	repo.updateStatusErr = ErrConcurrentModification
	svc := newTestService(repo)

	_, err := svc.UpdateStatus(context.Background(), appt.ID, StatusContacted, UpdateStatusParams{Source: "webhook"})
	require.ErrorIs(t, err, ErrConcurrentModification)
}

func TestCreateAppointmentValidation(t *testing.T) {
	svc := newTestService(newFakeRepo())
	ctx := context.Background()

	var validation *ValidationError

	_, err := svc.CreateAppointment(ctx, CreateRequest{TherapistEmail: "bob@example.org"})
	require.ErrorAs(t, err, &validation)

	_, err = svc.CreateAppointment(ctx, CreateRequest{ClientEmail: "alice@example.com"})
	require.ErrorAs(t, err, &validation)

	_, err = svc.CreateAppointment(ctx, CreateRequest{
		ClientEmail:    "same@example.com",
		TherapistEmail: "Same@Example.com",
	})
	require.ErrorAs(t, err, &validation)
}

func TestCreateAppointmentDeduplicates(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	req := CreateRequest{
		ClientEmail:    "alice@example.com",
		TherapistEmail: "bob@example.org",
		IdempotencyKey: "fixed-key",
	}

	first, err := svc.CreateAppointment(ctx, req)
	require.NoError(t, err)
	assert.False(t, first.Deduplicated)

	second, err := svc.CreateAppointment(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Deduplicated)
	assert.Equal(t, first.Appointment.ID, second.Appointment.ID)
	assert.Equal(t, 1, repo.createCalls, "the retry must not reach Create")
}

func TestCreateAppointmentNewRecordAfterWindow(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	req := CreateRequest{
		ClientEmail:    "alice@example.com",
		TherapistEmail: "bob@example.org",
		IdempotencyKey: "fixed-key",
	}

	first, err := svc.CreateAppointment(ctx, req)
	require.NoError(t, err)

	// Age the first record past the dedup window; the same key must then
	// produce a fresh appointment.
	repo.appointments[first.Appointment.ID].CreatedAt = time.Now().Add(-10 * time.Minute)

	second, err := svc.CreateAppointment(ctx, req)
	require.NoError(t, err)
	assert.False(t, second.Deduplicated)
	assert.NotEqual(t, first.Appointment.ID, second.Appointment.ID)
	assert.Equal(t, 2, repo.createCalls)
}

func TestCreateAppointmentInitialMessageSeedsCheckpoint(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)

	result, err := svc.CreateAppointment(context.Background(), CreateRequest{
		ClientEmail:    "alice@example.com",
		TherapistEmail: "bob@example.org",
		InitialMessage: "Hi, I'd like to book a session.",
	})
	require.NoError(t, err)

	conv := result.Appointment.Conversation
	assert.Equal(t, ConversationSchemaVersion, conv.SchemaVersion)
	require.Len(t, conv.Messages, 1)
	assert.Equal(t, SenderClient, conv.Messages[0].From)
	assert.Equal(t, StageInitialContact, conv.Checkpoint.Stage)
	assert.NotNil(t, result.Appointment.LastMessageAt)
}

func TestCreateAppointmentRateLimited(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	repo := newFakeRepo()
	svc := NewService(repo, nil, redisclient.NewCounter(client), ServiceConfig{
		IdempotencyWindow:    5 * time.Minute,
		CreateRateLimit:      1,
		ConversationMaxBytes: 2048,
	}, logging.New("dev"))
	ctx := context.Background()

	_, err := svc.CreateAppointment(ctx, CreateRequest{
		ClientEmail:    "alice@example.com",
		TherapistEmail: "bob@example.org",
		IdempotencyKey: "key-1",
	})
	require.NoError(t, err)

	_, err = svc.CreateAppointment(ctx, CreateRequest{
		ClientEmail:    "alice@example.com",
		TherapistEmail: "carol@example.org",
		IdempotencyKey: "key-2",
	})
	require.ErrorIs(t, err, ErrRateLimited)
}

func TestAppendMessageRecomputesDerivedState(t *testing.T) {
	repo := newFakeRepo()
	appt := repo.add(&Appointment{
		Status: StatusNegotiating,
		Conversation: ConversationState{
			SchemaVersion: ConversationSchemaVersion,
			Messages: []Message{
				{From: SenderAgent, Body: "Could you share your availability?", SentAt: time.Now().Add(-time.Hour)},
			},
		},
	})
	svc := newTestService(repo)

	updated, err := svc.AppendMessage(context.Background(), appt.ID, Message{
		From: SenderTherapist,
		Body: "I could do 2025-11-10 14:00 or 2025-11-12 10:00.",
	})
	require.NoError(t, err)

	require.Len(t, updated.Conversation.Messages, 2)
	assert.Equal(t, []string{"2025-11-10 14:00", "2025-11-12 10:00"}, updated.Conversation.Facts.ProposedTimes)
	assert.Equal(t, StageAwaitingSlotSelection, updated.Conversation.Checkpoint.Stage)
	assert.NotNil(t, updated.LastMessageAt)
}

func TestAppendMessageEnforcesSizeCap(t *testing.T) {
	repo := newFakeRepo()
	appt := repo.add(&Appointment{Status: StatusNegotiating})
	svc := newTestService(repo)

	_, err := svc.AppendMessage(context.Background(), appt.ID, Message{
		From: SenderClient,
		Body: strings.Repeat("x", 4096),
	})
	var validation *ValidationError
	require.ErrorAs(t, err, &validation)
	assert.Equal(t, "conversationState", validation.Field)
	assert.Empty(t, repo.convWrites, "an oversized document must not be written")
}

func TestAppendMessageRejectsEmptyBody(t *testing.T) {
	repo := newFakeRepo()
	appt := repo.add(&Appointment{Status: StatusNegotiating})
	svc := newTestService(repo)

	_, err := svc.AppendMessage(context.Background(), appt.ID, Message{From: SenderClient, Body: "   "})
	var validation *ValidationError
	require.ErrorAs(t, err, &validation)
}

func TestFlagStaleConversations(t *testing.T) {
	repo := newFakeRepo()
	at := time.Now().Add(-100 * time.Hour)
	a := repo.add(&Appointment{Status: StatusNegotiating, LastMessageAt: &at})
	b := repo.add(&Appointment{Status: StatusContacted, LastMessageAt: &at})
	repo.staleCandidates = []Appointment{*a, *b}
	svc := newTestService(repo)

	flagged, err := svc.FlagStaleConversations(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, flagged)
	assert.Len(t, repo.stalled, 2)

	// Each stall carries its admin chat notification in the same write.
	require.Len(t, repo.stallEffects, 2)
	for _, effects := range repo.stallEffects {
		require.Len(t, effects, 1)
		assert.Equal(t, outbox.KindChat, effects[0].Kind)
		msg, ok := effects[0].Payload.(notify.ChatMessage)
		require.True(t, ok)
		assert.Contains(t, msg.Text, "stalled")
	}
}

func TestFlagStaleConversationsSkipsConflicts(t *testing.T) {
	repo := newFakeRepo()
	at := time.Now().Add(-100 * time.Hour)
	a := repo.add(&Appointment{Status: StatusNegotiating, LastMessageAt: &at})
	repo.staleCandidates = []Appointment{*a}
	repo.markStalledErr = ErrConcurrentModification
	svc := newTestService(repo)

	flagged, err := svc.FlagStaleConversations(context.Background())
	require.NoError(t, err, "a row conflict is skipped, not fatal")
	assert.Zero(t, flagged)
}

func TestPurgeAppointmentRequiresHumanControl(t *testing.T) {
	repo := newFakeRepo()
	locked := repo.add(&Appointment{Status: StatusCancelled, HumanControlEnabled: false})
	open := repo.add(&Appointment{Status: StatusCancelled, HumanControlEnabled: true})
	svc := newTestService(repo)

	err := svc.PurgeAppointment(context.Background(), locked.ID)
	require.ErrorIs(t, err, ErrHumanControlDisabled)

	require.NoError(t, svc.PurgeAppointment(context.Background(), open.ID))
	_, err = repo.GetByID(context.Background(), open.ID)
	require.ErrorIs(t, err, ErrNotFound)
}
