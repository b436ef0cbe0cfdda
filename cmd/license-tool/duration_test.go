package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const day = 24 * time.Hour

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{in: "1y", want: 365 * day},
		{in: "365d", want: 365 * day},
		{in: "2y100d", want: 830 * day},
		{in: " 30d ", want: 30 * day},
		{in: "0d", wantErr: true},
		{in: "", wantErr: true},
		{in: "100d2y", wantErr: true},
		{in: "12h", wantErr: true},
		{in: "abc", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseDuration(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveExpiry(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	got, err := resolveExpiry(now, "", "")
	require.NoError(t, err)
	assert.True(t, got.IsZero(), "no flags grants a perpetual license")

	got, err = resolveExpiry(now, "30d", "")
	require.NoError(t, err)
	assert.Equal(t, now.Add(30*day), got)

	got, err = resolveExpiry(now, "", "2026-01-01")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), got)

	got, err = resolveExpiry(now, "", "2025-06-01T12:00:00+02:00")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC), got)

	_, err = resolveExpiry(now, "30d", "2026-01-01")
	assert.Error(t, err)

	_, err = resolveExpiry(now, "", "2024-01-01")
	assert.Error(t, err)

	_, err = resolveExpiry(now, "", "tomorrow")
	assert.Error(t, err)
}
