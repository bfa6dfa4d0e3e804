package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEvaluate(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	recent := now.Add(-2 * time.Minute)
	old := now.Add(-2 * time.Hour)
	future := now.Add(5 * time.Minute)

	tests := []struct {
		name   string
		last   *time.Time
		maxAge time.Duration
		ok     bool
		reason string
	}{
		{"fresh", &recent, 10 * time.Minute, true, ""},
		{"stale", &old, 10 * time.Minute, false, ReasonStale},
		{"missing", nil, 10 * time.Minute, false, ReasonMissingTimestamp},
		{"clock skew", &future, 10 * time.Minute, true, ReasonClockSkew},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Evaluate(now, tt.last, tt.maxAge)
			assert.Equal(t, tt.ok, got.OK)
			assert.Equal(t, tt.reason, got.Reason)
		})
	}
}

func TestEvaluateBoundary(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	last := now.Add(-10 * time.Minute)

	// age == maxAge is still fresh; staleness requires strictly older.
	got := Evaluate(now, &last, 10*time.Minute)
	assert.True(t, got.OK)
	assert.Equal(t, int64(600_000), got.AgeMS)
	assert.InDelta(t, 1.0, got.Ratio, 1e-9)
}
