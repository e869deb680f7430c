package booking

import (
	"regexp"
	"strings"
	"time"
)

// Facts and checkpoint derivation is pure and deterministic: no clock reads
// besides the UpdatedAt stamp passed in, no external calls. Both are
// recomputed on every transcript mutation and persisted as denormalized
// columns so list views never parse the full document.

var (
	// 2025-03-04T10:00, 2025-03-04 10:00, optionally with seconds/zone
	isoTimeRe = regexp.MustCompile(`\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}(?::\d{2})?(?:Z|[+-]\d{2}:\d{2})?`)
	// "Tuesday 3pm", "Friday at 14:30"
	dayTimeRe = regexp.MustCompile(`(?i)(monday|tuesday|wednesday|thursday|friday|saturday|sunday)(?:\s+at)?\s+\d{1,2}(?::\d{2})?\s*(?:am|pm)?`)
	linkRe    = regexp.MustCompile(`https?://[^\s>"]*(?:meet|zoom|teams|webex)[^\s>"]*`)
)

func timesIn(body string) []string {
	var out []string
	out = append(out, isoTimeRe.FindAllString(body, -1)...)
	out = append(out, dayTimeRe.FindAllString(body, -1)...)
	return out
}

func isSelection(body string) bool {
	lower := strings.ToLower(body)
	for _, kw := range []string{"works for me", "i'll take", "i will take", "i prefer", "let's do", "lets do", "option", "that one", "works best"} {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func isConfirmation(body string) bool {
	lower := strings.ToLower(body)
	for _, kw := range []string{"confirm", "booked you in", "see you then", "it's settled", "scheduled you"} {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// ExtractFacts scans the transcript in chronological order. Each recognized
// pattern overwrites the matching fact field, so later messages always win.
func ExtractFacts(messages []Message) Facts {
	var f Facts

	for _, m := range messages {
		times := timesIn(m.Body)

		if link := linkRe.FindString(m.Body); link != "" {
			f.MeetingLink = link
		}

		switch m.From {
		case SenderTherapist:
			if isConfirmation(m.Body) {
				if len(times) > 0 {
					f.ConfirmedTime = times[0]
				} else if f.SelectedTime != "" {
					f.ConfirmedTime = f.SelectedTime
				}
				continue
			}
			if len(times) > 0 {
				f.ProposedTimes = times
			}
		case SenderClient:
			if len(times) > 0 && (isSelection(m.Body) || len(f.ProposedTimes) > 0) {
				f.SelectedTime = times[0]
			}
		case SenderAgent, SenderAdmin:
			if isConfirmation(m.Body) && len(times) > 0 {
				f.ConfirmedTime = times[0]
			}
		}
	}

	return f
}

// InferStage folds status, extracted facts and transcript size into one of
// the fixed checkpoint stages. confirmedBefore marks an appointment that had
// a confirmed time and is negotiating again (a reschedule).
func InferStage(status Status, facts Facts, messageCount int, confirmedBefore bool) Stage {
	switch status {
	case StatusCancelled:
		return StageCancelled
	case StatusConfirmed, StatusSessionHeld, StatusFeedbackRequested, StatusCompleted:
		if facts.ConfirmedTime != "" && facts.MeetingLink == "" && status == StatusConfirmed {
			return StageAwaitingMeetingLink
		}
		return StageConfirmed
	}

	if confirmedBefore {
		return StageRescheduling
	}

	switch {
	case facts.ConfirmedTime != "":
		if facts.MeetingLink == "" {
			return StageAwaitingMeetingLink
		}
		return StageConfirmed
	case facts.SelectedTime != "":
		return StageAwaitingConfirmation
	case len(facts.ProposedTimes) > 0:
		return StageAwaitingSlotSelection
	case messageCount <= 1:
		return StageInitialContact
	default:
		return StageAwaitingAvailability
	}
}

// DeriveCheckpoint recomputes the checkpoint for a transcript.
func DeriveCheckpoint(status Status, facts Facts, messages []Message, confirmedBefore bool, now time.Time) Checkpoint {
	stage := InferStage(status, facts, len(messages), confirmedBefore)

	cp := Checkpoint{
		Stage:     stage,
		Percent:   stage.Percent(),
		UpdatedAt: now,
	}

	if n := len(messages); n > 0 {
		cp.LastAction = string(messages[n-1].From) + " wrote"
	}

	switch stage {
	case StageInitialContact:
		cp.PendingAction = "contact therapist"
	case StageAwaitingAvailability:
		cp.PendingAction = "therapist to propose times"
	case StageAwaitingSlotSelection:
		cp.PendingAction = "client to pick a slot"
	case StageAwaitingConfirmation:
		cp.PendingAction = "therapist to confirm selection"
	case StageAwaitingMeetingLink:
		cp.PendingAction = "therapist to share meeting link"
	case StageRescheduling:
		cp.PendingAction = "agree on a new time"
	}

	return cp
}
