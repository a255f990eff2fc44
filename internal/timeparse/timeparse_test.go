package timeparse

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSince(t *testing.T) {
	now := time.Date(2026, 3, 12, 15, 30, 0, 0, time.UTC)

	tests := []struct {
		in   string
		want time.Time
	}{
		{"2026-03-01T08:00:00Z", time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)},
		{"2026-03-01", time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)},
		{"36h", now.Add(-36 * time.Hour)},
		{" 90m ", now.Add(-90 * time.Minute)},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSince(tt.in, now)
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %v", got)
		})
	}
}

func TestParseSinceNaturalLanguage(t *testing.T) {
	now := time.Date(2026, 3, 12, 15, 30, 0, 0, time.UTC)

	got, err := ParseSince("yesterday", now)
	require.NoError(t, err)
	assert.Equal(t, 11, got.Day())

	got, err = ParseSince("3 days ago", now)
	require.NoError(t, err)
	assert.Equal(t, 9, got.Day())
}

func TestParseSinceRejects(t *testing.T) {
	now := time.Now()
	for _, in := range []string{"", "-5h", "whenever the build is green"} {
		_, err := ParseSince(in, now)
		assert.Error(t, err, in)
	}
}
