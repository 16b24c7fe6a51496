package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDay(t *testing.T) {
	in := time.Date(2026, 3, 2, 23, 59, 59, 0, time.FixedZone("X", 5*3600))
	assert.Equal(t, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), Day(in))
}

func TestDayIn(t *testing.T) {
	west := time.FixedZone("UTC-8", -8*3600)
	east := time.FixedZone("UTC+9", 9*3600)
	now := time.Date(2026, 3, 2, 5, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		loc  *time.Location
		want string
	}{
		{"utc", time.UTC, "2026-03-02"},
		{"behind utc", west, "2026-03-01"},
		{"ahead of utc", east, "2026-03-02"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DayIn(now, tt.loc)
			assert.Equal(t, tt.want, FormatDay(got))
			assert.Equal(t, time.UTC, got.Location())
		})
	}
}

func TestDaysBetween(t *testing.T) {
	a := time.Date(2026, 2, 27, 18, 0, 0, 0, time.UTC)
	b := time.Date(2026, 3, 2, 1, 0, 0, 0, time.UTC)
	assert.Equal(t, 3, DaysBetween(a, b))
	assert.Equal(t, -3, DaysBetween(b, a))
	assert.Equal(t, 0, DaysBetween(a, a))
}

func TestParseDay(t *testing.T) {
	d, err := ParseDay("2026-03-02")
	require.NoError(t, err)
	assert.Equal(t, "2026-03-02", FormatDay(d))

	_, err = ParseDay("2026-3-2x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `model: parse date "2026-3-2x"`)
}
