package booking

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func msg(from Sender, body string) Message {
	return Message{From: from, Body: body, SentAt: time.Now()}
}

func TestExtractFactsProposedTimes(t *testing.T) {
	facts := ExtractFacts([]Message{
		msg(SenderAgent, "Hello, could you share your availability?"),
		msg(SenderTherapist, "I could do 2025-11-10 14:00 or 2025-11-12 10:00."),
	})

	require.Len(t, facts.ProposedTimes, 2)
	assert.Equal(t, "2025-11-10 14:00", facts.ProposedTimes[0])
	assert.Equal(t, "2025-11-12 10:00", facts.ProposedTimes[1])
	assert.Empty(t, facts.SelectedTime)
	assert.Empty(t, facts.ConfirmedTime)
}

func TestExtractFactsWeekdayTimes(t *testing.T) {
	facts := ExtractFacts([]Message{
		msg(SenderTherapist, "How about Tuesday 3pm or Friday at 14:30?"),
	})

	require.Len(t, facts.ProposedTimes, 2)
	assert.Equal(t, "Tuesday 3pm", facts.ProposedTimes[0])
}

func TestExtractFactsSelectionAndConfirmation(t *testing.T) {
	facts := ExtractFacts([]Message{
		msg(SenderTherapist, "I could do 2025-11-10 14:00 or 2025-11-12 10:00."),
		msg(SenderClient, "2025-11-10 14:00 works for me."),
		msg(SenderTherapist, "Great, I confirm 2025-11-10 14:00."),
	})

	assert.Equal(t, "2025-11-10 14:00", facts.SelectedTime)
	assert.Equal(t, "2025-11-10 14:00", facts.ConfirmedTime)
}

func TestExtractFactsConfirmationWithoutTimeUsesSelection(t *testing.T) {
	facts := ExtractFacts([]Message{
		msg(SenderTherapist, "I could do 2025-11-10 14:00."),
		msg(SenderClient, "Let's do 2025-11-10 14:00."),
		msg(SenderTherapist, "Confirmed, see you then!"),
	})

	assert.Equal(t, "2025-11-10 14:00", facts.ConfirmedTime)
}

func TestExtractFactsMeetingLink(t *testing.T) {
	facts := ExtractFacts([]Message{
		msg(SenderTherapist, "Join here: https://meet.google.com/abc-defg-hij"),
	})
	assert.Equal(t, "https://meet.google.com/abc-defg-hij", facts.MeetingLink)

	facts = ExtractFacts([]Message{
		msg(SenderTherapist, "Zoom link https://us02web.zoom.us/j/123456 for our call"),
	})
	assert.Equal(t, "https://us02web.zoom.us/j/123456", facts.MeetingLink)
}

func TestExtractFactsLaterMessagesWin(t *testing.T) {
	facts := ExtractFacts([]Message{
		msg(SenderTherapist, "I could do 2025-11-10 14:00."),
		msg(SenderTherapist, "Actually only 2025-11-13 09:00 works now."),
	})

	require.Len(t, facts.ProposedTimes, 1)
	assert.Equal(t, "2025-11-13 09:00", facts.ProposedTimes[0])
}

func TestInferStageProgression(t *testing.T) {
	cases := []struct {
		name            string
		status          Status
		facts           Facts
		messageCount    int
		confirmedBefore bool
		want            Stage
	}{
		{"no messages", StatusPending, Facts{}, 0, false, StageInitialContact},
		{"first outreach", StatusContacted, Facts{}, 1, false, StageInitialContact},
		{"waiting on therapist", StatusContacted, Facts{}, 3, false, StageAwaitingAvailability},
		{"times proposed", StatusNegotiating, Facts{ProposedTimes: []string{"2025-11-10 14:00"}}, 2, false, StageAwaitingSlotSelection},
		{"slot selected", StatusNegotiating, Facts{ProposedTimes: []string{"x"}, SelectedTime: "2025-11-10 14:00"}, 3, false, StageAwaitingConfirmation},
		{"confirmed no link", StatusNegotiating, Facts{ConfirmedTime: "2025-11-10 14:00"}, 4, false, StageAwaitingMeetingLink},
		{"confirmed with link", StatusNegotiating, Facts{ConfirmedTime: "2025-11-10 14:00", MeetingLink: "https://meet.example"}, 4, false, StageConfirmed},
		{"status confirmed no link", StatusConfirmed, Facts{ConfirmedTime: "2025-11-10 14:00"}, 4, false, StageAwaitingMeetingLink},
		{"status confirmed", StatusConfirmed, Facts{ConfirmedTime: "x", MeetingLink: "y"}, 4, false, StageConfirmed},
		{"session held", StatusSessionHeld, Facts{}, 6, false, StageConfirmed},
		{"rescheduling", StatusNegotiating, Facts{}, 5, true, StageRescheduling},
		{"cancelled", StatusCancelled, Facts{ConfirmedTime: "x"}, 5, false, StageCancelled},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := InferStage(tc.status, tc.facts, tc.messageCount, tc.confirmedBefore)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestDeriveCheckpointPercentAndActions(t *testing.T) {
	now := time.Now()
	messages := []Message{
		msg(SenderAgent, "Hello, could you share your availability?"),
		msg(SenderTherapist, "I could do 2025-11-10 14:00."),
	}
	facts := ExtractFacts(messages)

	cp := DeriveCheckpoint(StatusNegotiating, facts, messages, false, now)

	assert.Equal(t, StageAwaitingSlotSelection, cp.Stage)
	assert.Equal(t, 45, cp.Percent)
	assert.Equal(t, "therapist wrote", cp.LastAction)
	assert.Equal(t, "client to pick a slot", cp.PendingAction)
	assert.Equal(t, now, cp.UpdatedAt)
}

func TestStagePercentsAreFixed(t *testing.T) {
	assert.Equal(t, 10, StageInitialContact.Percent())
	assert.Equal(t, 25, StageAwaitingAvailability.Percent())
	assert.Equal(t, 45, StageAwaitingSlotSelection.Percent())
	assert.Equal(t, 65, StageAwaitingConfirmation.Percent())
	assert.Equal(t, 85, StageAwaitingMeetingLink.Percent())
	assert.Equal(t, 100, StageConfirmed.Percent())
	assert.Equal(t, 50, StageRescheduling.Percent())
	assert.Equal(t, 0, StageCancelled.Percent())
	assert.Equal(t, 15, StageStalled.Percent())
}
