package booking

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Tracking codes correlate an inbound email to an appointment before any
// provider thread id exists. Format: SPL-{last4 of client}-{last4 of
// therapist}-{sequence}, where sequence is the smallest positive integer not
// yet used for that prefix. Allocation must happen inside the serializable
// transaction that inserts the row consuming the code, otherwise two
// concurrent requests for the same pair can both compute the same "next"
// sequence from a stale read.

const trackingCodePrefix = "SPL"

var (
	trackingCodeRe = regexp.MustCompile(`^SPL-([A-Z0-9]{4})-([A-Z0-9]{4})-([1-9]\d*)$`)
	// The pre-launch format was SPL followed by a fixed six-digit counter.
	legacyCodeRe      = regexp.MustCompile(`^SPL-?(\d{6})$`)
	nonAlphanumericRe = regexp.MustCompile(`[^A-Z0-9]`)
)

// last4 reduces a participant identifier (usually an email address) to its
// last four alphanumeric characters, left-padded so the code keeps its shape.
func last4(id string) string {
	cleaned := nonAlphanumericRe.ReplaceAllString(strings.ToUpper(id), "")
	if len(cleaned) > 4 {
		cleaned = cleaned[len(cleaned)-4:]
	}
	for len(cleaned) < 4 {
		cleaned = "0" + cleaned
	}
	return cleaned
}

// TrackingCodePrefix returns "SPL-XXXX-YYYY" for a participant pair.
func TrackingCodePrefix(clientID, therapistID string) string {
	return fmt.Sprintf("%s-%s-%s", trackingCodePrefix, last4(clientID), last4(therapistID))
}

// BuildTrackingCode joins a prefix and sequence into a full code.
func BuildTrackingCode(prefix string, sequence int) string {
	return fmt.Sprintf("%s-%d", prefix, sequence)
}

// ParseTrackingCode splits a structured code into prefix and sequence.
func ParseTrackingCode(code string) (prefix string, sequence int, ok bool) {
	m := trackingCodeRe.FindStringSubmatch(code)
	if m == nil {
		return "", 0, false
	}
	seq, err := strconv.Atoi(m[3])
	if err != nil {
		return "", 0, false
	}
	return fmt.Sprintf("%s-%s-%s", trackingCodePrefix, m[1], m[2]), seq, true
}

// IsLegacyTrackingCode reports whether a code uses the pre-launch fixed-digit
// format that the repair routine migrates.
func IsLegacyTrackingCode(code string) bool {
	return legacyCodeRe.MatchString(code)
}

// NextSequence computes max(sequence)+1 over existing codes that share the
// prefix. Codes that do not parse (legacy or corrupted) are ignored; the
// repair routines handle those separately.
func NextSequence(existing []string, prefix string) int {
	max := 0
	for _, code := range existing {
		p, seq, ok := ParseTrackingCode(code)
		if !ok || p != prefix {
			continue
		}
		if seq > max {
			max = seq
		}
	}
	return max + 1
}
