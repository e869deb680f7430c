package booking

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackingCodePrefix(t *testing.T) {
	cases := []struct {
		client, therapist, want string
	}{
		{"alice@example.com", "bob.smith@example.org", "SPL-ECOM-EORG"},
		{"x@y.io", "therapist@example.com", "SPL-XYIO-ECOM"},
		// Short identifiers are left-padded to keep the shape.
		{"a@b.c", "d@e.f", "SPL-0ABC-0DEF"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, TrackingCodePrefix(tc.client, tc.therapist), "%s / %s", tc.client, tc.therapist)
	}
}

func TestBuildAndParseTrackingCode(t *testing.T) {
	prefix := TrackingCodePrefix("alice@example.com", "bob@example.org")
	code := BuildTrackingCode(prefix, 3)

	gotPrefix, seq, ok := ParseTrackingCode(code)
	require.True(t, ok)
	assert.Equal(t, prefix, gotPrefix)
	assert.Equal(t, 3, seq)
}

func TestParseTrackingCodeRejectsMalformed(t *testing.T) {
	for _, code := range []string{
		"",
		"SPL-123456",      // legacy format
		"SPL123456",       // legacy without dash
		"SPL-ABCD-EFGH-0", // sequence must be positive
		"SPL-ABC-EFGH-1",  // prefix segment too short
		"XYZ-ABCD-EFGH-1", // wrong product prefix
		"SPL-abcd-efgh-1", // lowercase
	} {
		_, _, ok := ParseTrackingCode(code)
		assert.False(t, ok, "expected %q to be rejected", code)
	}
}

func TestIsLegacyTrackingCode(t *testing.T) {
	assert.True(t, IsLegacyTrackingCode("SPL-123456"))
	assert.True(t, IsLegacyTrackingCode("SPL123456"))
	assert.False(t, IsLegacyTrackingCode("SPL-ABCD-EFGH-1"))
	assert.False(t, IsLegacyTrackingCode("SPL-12345"))
}

func TestNextSequence(t *testing.T) {
	prefix := "SPL-ECOM-EORG"

	assert.Equal(t, 1, NextSequence(nil, prefix))
	assert.Equal(t, 2, NextSequence([]string{"SPL-ECOM-EORG-1"}, prefix))
	assert.Equal(t, 8, NextSequence([]string{"SPL-ECOM-EORG-3", "SPL-ECOM-EORG-7"}, prefix))

	// Codes under other prefixes or in the legacy format are ignored.
	assert.Equal(t, 2, NextSequence([]string{
		"SPL-ECOM-EORG-1",
		"SPL-XXXX-YYYY-9",
		"SPL-123456",
	}, prefix))
}

func TestConcurrentAllocationsYieldDistinctSequences(t *testing.T) {
	// Allocation in production runs inside a serializable transaction, so
	// concurrent creators are serialized around the read-allocate-insert
	// step. The mutex here plays that role; the property under test is that
	// serialized NextSequence calls never hand out the same number twice.
	const workers = 25

	prefix := TrackingCodePrefix("alice@example.com", "bob@example.org")

	var mu sync.Mutex
	var codes []string

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mu.Lock()
			defer mu.Unlock()
			codes = append(codes, BuildTrackingCode(prefix, NextSequence(codes, prefix)))
		}()
	}
	wg.Wait()

	require.Len(t, codes, workers)
	seen := make(map[int]bool, workers)
	for _, code := range codes {
		gotPrefix, seq, ok := ParseTrackingCode(code)
		require.True(t, ok, "code %q must parse", code)
		assert.Equal(t, prefix, gotPrefix)
		assert.False(t, seen[seq], "sequence %d allocated twice", seq)
		seen[seq] = true
		assert.GreaterOrEqual(t, seq, 1)
		assert.LessOrEqual(t, seq, workers)
	}
}
