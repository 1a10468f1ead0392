package common

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFakeClock(t *testing.T) {
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := NewFakeClock(start)
	require.Equal(t, start, clock.Now())

	clock.Advance(36 * time.Hour)
	require.Equal(t, start.Add(36*time.Hour), clock.Now())

	clock.Set(start)
	require.Equal(t, start, clock.Now())
}

func TestSystemClockIsUTC(t *testing.T) {
	require.Equal(t, time.UTC, SystemClock{}.Now().Location())
}
