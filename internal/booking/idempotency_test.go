package booking

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDeriveIdempotencyKeyStableWithinBucket(t *testing.T) {
	window := 5 * time.Minute
	base := time.Date(2025, 11, 10, 14, 2, 0, 0, time.UTC)

	k1 := DeriveIdempotencyKey("alice@example.com", "bob@example.org", base, window)
	k2 := DeriveIdempotencyKey("alice@example.com", "bob@example.org", base.Add(90*time.Second), window)

	assert.Equal(t, k1, k2, "retries inside the window must collapse onto one key")
	assert.Len(t, k1, 32)
}

func TestDeriveIdempotencyKeyNormalizesEmails(t *testing.T) {
	at := time.Date(2025, 11, 10, 14, 2, 0, 0, time.UTC)

	k1 := DeriveIdempotencyKey("Alice@Example.com ", "bob@example.org", at, 5*time.Minute)
	k2 := DeriveIdempotencyKey("alice@example.com", " BOB@example.org", at, 5*time.Minute)

	assert.Equal(t, k1, k2, "case and whitespace must not change the key")
}

func TestDeriveIdempotencyKeyDiffersAcrossBuckets(t *testing.T) {
	window := 5 * time.Minute
	base := time.Date(2025, 11, 10, 14, 0, 0, 0, time.UTC)

	k1 := DeriveIdempotencyKey("alice@example.com", "bob@example.org", base, window)
	k2 := DeriveIdempotencyKey("alice@example.com", "bob@example.org", base.Add(window), window)

	assert.NotEqual(t, k1, k2)
}

func TestDeriveIdempotencyKeyDiffersPerPair(t *testing.T) {
	at := time.Date(2025, 11, 10, 14, 0, 0, 0, time.UTC)

	k1 := DeriveIdempotencyKey("alice@example.com", "bob@example.org", at, 5*time.Minute)
	k2 := DeriveIdempotencyKey("alice@example.com", "carol@example.org", at, 5*time.Minute)
	k3 := DeriveIdempotencyKey("bob@example.org", "alice@example.com", at, 5*time.Minute)

	assert.NotEqual(t, k1, k2)
	assert.NotEqual(t, k1, k3, "participant order matters, the pair is directional")
}
