package booking

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending           Status = "pending"
	StatusContacted         Status = "contacted"
	StatusNegotiating       Status = "negotiating"
	StatusConfirmed         Status = "confirmed"
	StatusSessionHeld       Status = "session_held"
	StatusFeedbackRequested Status = "feedback_requested"
	StatusCompleted         Status = "completed"
	StatusCancelled         Status = "cancelled"
)

// Stage is the derived, coarse-grained negotiation checkpoint.
type Stage string

const (
	StageInitialContact        Stage = "initial_contact"
	StageAwaitingAvailability  Stage = "awaiting_therapist_availability"
	StageAwaitingSlotSelection Stage = "awaiting_user_slot_selection"
	StageAwaitingConfirmation  Stage = "awaiting_therapist_confirmation"
	StageAwaitingMeetingLink   Stage = "awaiting_meeting_link"
	StageConfirmed             Stage = "confirmed"
	StageRescheduling          Stage = "rescheduling"
	StageCancelled             Stage = "cancelled"
	StageStalled               Stage = "stalled"
)

// stagePercent maps each stage to a fixed progress indicator. Display only,
// never a gate on behavior.
var stagePercent = map[Stage]int{
	StageInitialContact:        10,
	StageAwaitingAvailability:  25,
	StageAwaitingSlotSelection: 45,
	StageAwaitingConfirmation:  65,
	StageAwaitingMeetingLink:   85,
	StageConfirmed:             100,
	StageRescheduling:          50,
	StageCancelled:             0,
	StageStalled:               15,
}

func (s Stage) Percent() int { return stagePercent[s] }

// Sender identifies who authored a transcript message.
type Sender string

const (
	SenderClient    Sender = "client"
	SenderTherapist Sender = "therapist"
	SenderAgent     Sender = "agent"
	SenderAdmin     Sender = "admin"
)

type Message struct {
	From   Sender    `json:"from"`
	Body   string    `json:"body"`
	SentAt time.Time `json:"sentAt"`
}

// Checkpoint summarises negotiation progress. Derived, never authored.
type Checkpoint struct {
	Stage         Stage     `json:"stage"`
	Percent       int       `json:"percent"`
	LastAction    string    `json:"lastAction,omitempty"`
	PendingAction string    `json:"pendingAction,omitempty"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Facts are extracted from the transcript in one chronological scan;
// later messages win over earlier ones for the same fact.
type Facts struct {
	ProposedTimes []string `json:"proposedTimes,omitempty"`
	SelectedTime  string   `json:"selectedTime,omitempty"`
	ConfirmedTime string   `json:"confirmedTime,omitempty"`
	MeetingLink   string   `json:"meetingLink,omitempty"`
}

// ConversationState is the size-capped, internally versioned JSON document
// stored with the appointment.
type ConversationState struct {
	SchemaVersion int        `json:"schemaVersion"`
	Messages      []Message  `json:"messages"`
	Checkpoint    Checkpoint `json:"checkpoint"`
	Facts         Facts      `json:"facts"`
}

const ConversationSchemaVersion = 2

// Appointment is the aggregate root. All correctness-relevant state lives
// here, in the shared store; version is the optimistic-concurrency token.
type Appointment struct {
	ID                      uuid.UUID
	ClientEmail             string
	TherapistEmail          string
	Status                  Status
	TrackingCode            *string
	IdempotencyKey          *string
	HumanControlEnabled     bool
	ConfirmedAt             *time.Time
	ConfirmedDateTimeRaw    *string
	ConfirmedDateTimeParsed *time.Time
	Conversation            ConversationState
	CheckpointStage         Stage
	CheckpointPercent       int
	LastMessageAt           *time.Time
	Version                 int64
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

// IsTerminal reports whether no further lifecycle transitions are expected.
// Cancelled can still be reopened by an admin, flagged as unusual.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

func ValidStatus(s Status) bool {
	switch s {
	case StatusPending, StatusContacted, StatusNegotiating, StatusConfirmed,
		StatusSessionHeld, StatusFeedbackRequested, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}
