package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/soulplan/booking-engine/internal/booking"
)

type CreateAppointmentRequest struct {
	ClientEmail    string `json:"client_email"`
	TherapistEmail string `json:"therapist_email"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	InitialMessage string `json:"initial_message,omitempty"`
}

type UpdateStatusRequest struct {
	Status            string `json:"status"`
	Source            string `json:"source,omitempty"`
	ActorID           string `json:"actor_id,omitempty"`
	Reason            string `json:"reason,omitempty"`
	ConfirmedDateTime string `json:"confirmed_datetime,omitempty"`
	SendNotifications bool   `json:"send_notifications"`
}

type AppendMessageRequest struct {
	From   string     `json:"from"`
	Body   string     `json:"body"`
	SentAt *time.Time `json:"sent_at,omitempty"`
}

type HumanControlRequest struct {
	Enabled bool `json:"enabled"`
}

type CheckpointResponse struct {
	Stage         string    `json:"stage"`
	Percent       int       `json:"percent"`
	LastAction    string    `json:"last_action,omitempty"`
	PendingAction string    `json:"pending_action,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type FactsResponse struct {
	ProposedTimes []string `json:"proposed_times,omitempty"`
	SelectedTime  string   `json:"selected_time,omitempty"`
	ConfirmedTime string   `json:"confirmed_time,omitempty"`
	MeetingLink   string   `json:"meeting_link,omitempty"`
}

type AppointmentResponse struct {
	ID                    uuid.UUID          `json:"id"`
	ClientEmail           string             `json:"client_email"`
	TherapistEmail        string             `json:"therapist_email"`
	Status                string             `json:"status"`
	TrackingCode          string             `json:"tracking_code,omitempty"`
	HumanControlEnabled   bool               `json:"human_control_enabled"`
	ConfirmedAt           *time.Time         `json:"confirmed_at,omitempty"`
	ConfirmedDateTimeRaw  string             `json:"confirmed_datetime_raw,omitempty"`
	ConfirmedDateTime     *time.Time         `json:"confirmed_datetime,omitempty"`
	Checkpoint            CheckpointResponse `json:"checkpoint"`
	Facts                 FactsResponse      `json:"facts"`
	MessageCount          int                `json:"message_count"`
	LastMessageAt         *time.Time         `json:"last_message_at,omitempty"`
	Version               int64              `json:"version"`
	CreatedAt             time.Time          `json:"created_at"`
	UpdatedAt             time.Time          `json:"updated_at"`
}

type TransitionResponse struct {
	Skipped     bool                `json:"skipped"`
	Warning     string              `json:"warning,omitempty"`
	Appointment AppointmentResponse `json:"appointment"`
}

type RepairResponse struct {
	LegacyMigrated     int `json:"legacy_migrated"`
	CollisionsRepaired int `json:"collisions_repaired"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func toAppointmentResponse(a *booking.Appointment) AppointmentResponse {
	resp := AppointmentResponse{
		ID:                  a.ID,
		ClientEmail:         a.ClientEmail,
		TherapistEmail:      a.TherapistEmail,
		Status:              string(a.Status),
		HumanControlEnabled: a.HumanControlEnabled,
		ConfirmedAt:         a.ConfirmedAt,
		ConfirmedDateTime:   a.ConfirmedDateTimeParsed,
		Checkpoint: CheckpointResponse{
			Stage:         string(a.Conversation.Checkpoint.Stage),
			Percent:       a.Conversation.Checkpoint.Percent,
			LastAction:    a.Conversation.Checkpoint.LastAction,
			PendingAction: a.Conversation.Checkpoint.PendingAction,
			UpdatedAt:     a.Conversation.Checkpoint.UpdatedAt,
		},
		Facts: FactsResponse{
			ProposedTimes: a.Conversation.Facts.ProposedTimes,
			SelectedTime:  a.Conversation.Facts.SelectedTime,
			ConfirmedTime: a.Conversation.Facts.ConfirmedTime,
			MeetingLink:   a.Conversation.Facts.MeetingLink,
		},
		MessageCount:  len(a.Conversation.Messages),
		LastMessageAt: a.LastMessageAt,
		Version:       a.Version,
		CreatedAt:     a.CreatedAt,
		UpdatedAt:     a.UpdatedAt,
	}
	if a.TrackingCode != nil {
		resp.TrackingCode = *a.TrackingCode
	}
	if a.ConfirmedDateTimeRaw != nil {
		resp.ConfirmedDateTimeRaw = *a.ConfirmedDateTimeRaw
	}
	return resp
}
