package withdrawal_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shareflow/shareflow-api/internal/domain/withdrawal"
)

func utc(day, hour, minute int) time.Time {
	return time.Date(2026, time.October, day, hour, minute, 0, 0, time.UTC)
}

func TestWindowWeekdayMornings(t *testing.T) {
	w, err := withdrawal.NewWindow("CRON_TZ=UTC 0 9 * * 1-5", 8*time.Hour)
	require.NoError(t, err)

	// 2026-10-12 is a Monday.
	assert.False(t, w.Contains(utc(12, 8, 59)))
	assert.True(t, w.Contains(utc(12, 9, 0)))
	assert.True(t, w.Contains(utc(12, 16, 59)))
	assert.False(t, w.Contains(utc(12, 17, 0)))
	assert.False(t, w.Contains(utc(17, 10, 0)), "saturday")

	assert.Equal(t, utc(12, 10, 0), w.NextOpen(utc(12, 10, 0)))
	assert.Equal(t, utc(13, 9, 0), w.NextOpen(utc(12, 18, 0)))
	assert.Equal(t, utc(19, 9, 0), w.NextOpen(utc(17, 10, 0)))
}

func TestWindowHonoursTimezone(t *testing.T) {
	w, err := withdrawal.NewWindow("CRON_TZ=Asia/Almaty 0 10 * * *", 2*time.Hour)
	require.NoError(t, err)

	// Almaty is UTC+5.
	assert.True(t, w.Contains(utc(12, 5, 30)))
	assert.False(t, w.Contains(utc(12, 10, 30)))
}

func TestAlwaysOpen(t *testing.T) {
	w, err := withdrawal.NewWindow("", 0)
	require.NoError(t, err)
	assert.True(t, w.Contains(utc(17, 3, 0)))
	assert.True(t, withdrawal.AlwaysOpen().Contains(utc(18, 23, 0)))
}

func TestNewWindowRejectsBadInput(t *testing.T) {
	_, err := withdrawal.NewWindow("not a cron", time.Hour)
	assert.Error(t, err)

	_, err = withdrawal.NewWindow("0 9 * * *", 0)
	assert.Error(t, err)
}
