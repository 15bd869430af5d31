package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestBreaker(clock *fakeClock) *Breaker {
	return New(Settings{
		FailureThreshold: 5,
		OpenTimeout:      60 * time.Second,
		MaxOpenTimeout:   10 * time.Minute,
		HalfOpenProbes:   1,
		Clock:            clock.Now,
	})
}

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	b := newTestBreaker(clock)

	for i := 0; i < 4; i++ {
		require.NoError(t, b.Allow())
		b.Failure()
	}
	assert.Equal(t, Closed, b.State())

	require.NoError(t, b.Allow())
	b.Failure()
	assert.Equal(t, Open, b.State())
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)
}

func TestSuccessResetsFailureCount(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	b := newTestBreaker(clock)

	for i := 0; i < 4; i++ {
		b.Failure()
	}
	b.Success()
	for i := 0; i < 4; i++ {
		b.Failure()
	}
	assert.Equal(t, Closed, b.State())
}

func TestHalfOpenProbeAfterTimeout(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	b := newTestBreaker(clock)

	for i := 0; i < 5; i++ {
		b.Failure()
	}
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)

	clock.Advance(59 * time.Second)
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)

	clock.Advance(1 * time.Second)
	assert.Equal(t, HalfOpen, b.State())

	// Exactly one probe is admitted.
	require.NoError(t, b.Allow())
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)

	b.Success()
	assert.Equal(t, Closed, b.State())
	require.NoError(t, b.Allow())
}

func TestProbeFailureDoublesTimeoutUpToCap(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	b := newTestBreaker(clock)

	for i := 0; i < 5; i++ {
		b.Failure()
	}

	// First probe failure: timeout doubles to 120s.
	clock.Advance(60 * time.Second)
	require.NoError(t, b.Allow())
	b.Failure()
	assert.Equal(t, Open, b.State())

	clock.Advance(60 * time.Second)
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)
	clock.Advance(60 * time.Second)
	require.NoError(t, b.Allow())
	b.Failure()

	// Doubling continues: 240s now.
	clock.Advance(120 * time.Second)
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)
	clock.Advance(120 * time.Second)
	require.NoError(t, b.Allow())

	// A successful probe resets the cooling period to 60s.
	b.Success()
	for i := 0; i < 5; i++ {
		b.Failure()
	}
	clock.Advance(60 * time.Second)
	require.NoError(t, b.Allow())
}

func TestTimeoutCapsAtMax(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	b := New(Settings{
		FailureThreshold: 1,
		OpenTimeout:      4 * time.Minute,
		MaxOpenTimeout:   5 * time.Minute,
		Clock:            clock.Now,
	})

	b.Failure()
	clock.Advance(4 * time.Minute)
	require.NoError(t, b.Allow())
	b.Failure() // would double to 8m, capped at 5m

	clock.Advance(5 * time.Minute)
	assert.Equal(t, HalfOpen, b.State())
}

func TestOnStateChange(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	var transitions []string
	b := New(Settings{
		FailureThreshold: 1,
		OpenTimeout:      time.Second,
		Clock:            clock.Now,
		OnStateChange: func(from, to State) {
			transitions = append(transitions, string(from)+">"+string(to))
		},
	})

	b.Failure()
	clock.Advance(time.Second)
	require.NoError(t, b.Allow())
	b.Success()

	assert.Equal(t, []string{"closed>open", "open>half_open", "half_open>closed"}, transitions)
}
