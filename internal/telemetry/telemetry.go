// Package telemetry provides the engine's structured logging and the
// rate-limited critical-log gate, built on logrus.
package telemetry

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Logger is the package-wide structured logger. Tests may swap it for one
// with a hook attached (logrus/hooks/test) to assert on fields.
var Logger = logrus.New()

// ForVolume returns an entry pre-bound with volume identity fields.
func ForVolume(uuidHex string, generation uint64) *logrus.Entry {
	return Logger.WithFields(logrus.Fields{
		"volume_uuid": uuidHex,
		"generation":  generation,
	})
}

// RateLimiter emits at most one critical event every period per key,
// tracked by a monotonic timestamp per volume.
type RateLimiter struct {
	period time.Duration

	mu   sync.Mutex
	last map[string]time.Time
	now  func() time.Time
}

// NewRateLimiter constructs a RateLimiter with the given period.
func NewRateLimiter(period time.Duration) *RateLimiter {
	return &RateLimiter{period: period, last: make(map[string]time.Time), now: time.Now}
}

// Allow reports whether an event for key may fire now, recording the time
// if so.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	if last, ok := r.last[key]; ok && now.Sub(last) < r.period {
		return false
	}
	r.last[key] = now
	return true
}

// Critical logs at Error level through the rate limiter keyed by volume
// UUID, dropping the event silently (not re-queuing it) when rate-limited
// so a failing device cannot turn the log into a denial of service.
func (r *RateLimiter) Critical(key string, entry *logrus.Entry, msg string) {
	if !r.Allow(key) {
		return
	}
	entry.Error(msg)
}
