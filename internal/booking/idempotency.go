package booking

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// DeriveIdempotencyKey builds a content-derived key for a creation request
// when the caller supplies none: same participants inside the same time
// bucket hash to the same key, so webhook retries collapse onto one record.
// This is the fast pre-check; the authoritative duplicate check still runs
// inside the creation transaction and catches different concurrent requests
// for the same logical pair.
func DeriveIdempotencyKey(clientEmail, therapistEmail string, at time.Time, window time.Duration) string {
	if window <= 0 {
		window = 5 * time.Minute
	}
	bucket := at.UTC().Truncate(window).Unix()

	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%d",
		strings.ToLower(strings.TrimSpace(clientEmail)),
		strings.ToLower(strings.TrimSpace(therapistEmail)),
		bucket,
	)
	return hex.EncodeToString(h.Sum(nil))[:32]
}
