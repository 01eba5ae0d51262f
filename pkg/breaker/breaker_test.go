package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(cfg Config) (*CircuitBreaker, *fakeClock) {
	b := New("test-provider", cfg, zap.NewNop())
	clock := newFakeClock()
	b.now = clock.Now
	return b, clock
}

func TestBreaker_OpensOnlyAtThreshold(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 3, OpenDuration: 30 * time.Second})

	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, Closed, b.State())
	assert.True(t, b.Allow())

	b.RecordFailure()
	assert.Equal(t, Open, b.State())
	assert.False(t, b.Allow())
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 3})

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()

	assert.Equal(t, Closed, b.State())
	assert.Equal(t, 2, b.FailureCount())
}

func TestBreaker_WindowedFailureCounting(t *testing.T) {
	b, clock := newTestBreaker(Config{FailureThreshold: 3, TrackingWindow: time.Minute})

	b.RecordFailure()
	b.RecordFailure()

	// Failures age out: a failure past the window restarts the count.
	clock.Advance(2 * time.Minute)
	b.RecordFailure()

	assert.Equal(t, Closed, b.State())
	assert.Equal(t, 1, b.FailureCount())
}

func TestBreaker_HalfOpenOnlyAfterOpenDuration(t *testing.T) {
	b, clock := newTestBreaker(Config{FailureThreshold: 1, OpenDuration: 30 * time.Second})

	b.RecordFailure()
	require.Equal(t, Open, b.State())

	clock.Advance(29 * time.Second)
	assert.False(t, b.Allow(), "still inside open duration")
	assert.Equal(t, Open, b.State())

	clock.Advance(time.Second)
	assert.True(t, b.Allow())
	assert.Equal(t, HalfOpen, b.State())
}

func TestBreaker_HalfOpenTrialLimit(t *testing.T) {
	b, clock := newTestBreaker(Config{FailureThreshold: 1, OpenDuration: time.Second, HalfOpenTrials: 2})

	b.RecordFailure()
	clock.Advance(time.Second)

	assert.True(t, b.Allow())
	assert.True(t, b.Allow())
	assert.False(t, b.Allow(), "only two trial calls while half-open")
}

func TestBreaker_HalfOpenClosesAfterConsecutiveSuccesses(t *testing.T) {
	b, clock := newTestBreaker(Config{FailureThreshold: 1, OpenDuration: time.Second, HalfOpenTrials: 2})

	b.RecordFailure()
	clock.Advance(time.Second)
	require.True(t, b.Allow())

	b.RecordSuccess()
	assert.Equal(t, HalfOpen, b.State(), "one success is not enough")

	require.True(t, b.Allow())
	b.RecordSuccess()
	assert.Equal(t, Closed, b.State())
	assert.Equal(t, 0, b.FailureCount())
}

func TestBreaker_SingleFailureWhileHalfOpenReopens(t *testing.T) {
	b, clock := newTestBreaker(Config{FailureThreshold: 3, OpenDuration: 10 * time.Second, HalfOpenTrials: 2})

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	clock.Advance(10 * time.Second)
	require.True(t, b.Allow())

	b.RecordFailure()
	assert.Equal(t, Open, b.State())

	// openedAt was reset: the full open duration applies again.
	clock.Advance(9 * time.Second)
	assert.False(t, b.Allow())
	clock.Advance(time.Second)
	assert.True(t, b.Allow())
}

func TestBreaker_CanAttemptHasNoSideEffects(t *testing.T) {
	b, clock := newTestBreaker(Config{FailureThreshold: 1, OpenDuration: time.Second, HalfOpenTrials: 2})

	assert.True(t, b.CanAttempt())

	b.RecordFailure()
	assert.False(t, b.CanAttempt())
	assert.Equal(t, Open, b.State())

	// Probing an elapsed Open breaker does not promote it.
	clock.Advance(time.Second)
	assert.True(t, b.CanAttempt())
	assert.Equal(t, Open, b.State())

	// Probing while half-open does not consume trial slots.
	require.True(t, b.Allow())
	require.True(t, b.Allow())
	assert.False(t, b.CanAttempt())
	b.RecordSuccess()
	b.RecordSuccess()
	assert.Equal(t, Closed, b.State())
}

func TestBreaker_ForceClose(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 1, OpenDuration: time.Hour})

	b.RecordFailure()
	require.Equal(t, Open, b.State())

	b.ForceClose()
	assert.Equal(t, Closed, b.State())
	assert.True(t, b.Allow())
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(Config{FailureThreshold: 1, OpenDuration: time.Hour}, zap.NewNop())
	r.Add("a")
	r.Add("b")

	assert.True(t, r.Allow("a"))
	assert.False(t, r.Allow("unknown"), "unknown providers are refused")
	assert.Equal(t, Open, r.State("unknown"))

	r.RecordFailure("a")
	assert.Equal(t, Open, r.State("a"))
	// Failure on one provider leaves the other closed.
	assert.Equal(t, Closed, r.State("b"))

	require.True(t, r.ForceClose("a"))
	assert.Equal(t, Closed, r.State("a"))
	assert.False(t, r.ForceClose("unknown"))

	r.RecordFailure("a")
	r.RecordFailure("b")
	r.ResetAll()
	assert.Equal(t, Closed, r.State("a"))
	assert.Equal(t, Closed, r.State("b"))
}
