package telemetry

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
)

func TestRateLimiterSuppressesBursts(t *testing.T) {
	fakeNow := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(5 * time.Second)
	rl.now = func() time.Time { return fakeNow }

	assert.True(t, rl.Allow("vol-a"))
	assert.False(t, rl.Allow("vol-a"), "second call within the period must be suppressed")

	fakeNow = fakeNow.Add(6 * time.Second)
	assert.True(t, rl.Allow("vol-a"), "call after the period elapses must be allowed")
}

func TestRateLimiterIsPerKey(t *testing.T) {
	fakeNow := time.Now()
	rl := NewRateLimiter(time.Minute)
	rl.now = func() time.Time { return fakeNow }

	assert.True(t, rl.Allow("vol-a"))
	assert.True(t, rl.Allow("vol-b"), "a different volume key must not be rate-limited by another volume's event")
}

func TestCriticalLogsOnlyWhenAllowed(t *testing.T) {
	logger, hook := test.NewNullLogger()
	fakeNow := time.Now()
	rl := NewRateLimiter(5 * time.Second)
	rl.now = func() time.Time { return fakeNow }

	entry := logger.WithField("volume_uuid", "abc")
	rl.Critical("abc", entry, "corrupt tip")
	rl.Critical("abc", entry, "corrupt tip again")

	assert.Len(t, hook.Entries, 1)
	assert.Equal(t, logrus.ErrorLevel, hook.Entries[0].Level)
}
