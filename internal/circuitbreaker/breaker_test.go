package circuitbreaker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBroker = errors.New("redis: connection refused")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(cfg Config) (*Breaker, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	b := New(cfg)
	b.now = clock.Now
	return b, clock
}

func TestNew_Defaults(t *testing.T) {
	b := New(Config{Name: "params"})
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, "params", b.Name())
	assert.Equal(t, 5, b.cfg.FailureThreshold)
	assert.Equal(t, 2, b.cfg.SuccessThreshold)
	assert.Equal(t, 30*time.Second, b.cfg.OpenTimeout)
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(Config{Name: "params", FailureThreshold: 3, OpenTimeout: time.Minute})

	b.RecordFailure(errBroker)
	b.RecordFailure(errBroker)
	require.NoError(t, b.Allow(), "below threshold")

	b.RecordFailure(errBroker)
	assert.Equal(t, StateOpen, b.State())
	err := b.Allow()
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Contains(t, err.Error(), "params")
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 3, OpenTimeout: time.Minute})

	b.RecordFailure(errBroker)
	b.RecordFailure(errBroker)
	b.RecordSuccess()
	b.RecordFailure(errBroker)
	b.RecordFailure(errBroker)

	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_HalfOpenLifecycle(t *testing.T) {
	tests := []struct {
		name     string
		act      func(b *Breaker)
		expected State
	}{
		{
			name: "closes after enough successes",
			act: func(b *Breaker) {
				b.RecordSuccess()
				b.RecordSuccess()
			},
			expected: StateClosed,
		},
		{
			name:     "stays half-open below success threshold",
			act:      func(b *Breaker) { b.RecordSuccess() },
			expected: StateHalfOpen,
		},
		{
			name:     "reopens on failure",
			act:      func(b *Breaker) { b.RecordFailure(errBroker) },
			expected: StateOpen,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			b, clock := newTestBreaker(Config{FailureThreshold: 1, SuccessThreshold: 2, OpenTimeout: 10 * time.Second})

			b.RecordFailure(errBroker)
			assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)

			clock.Advance(10 * time.Second)
			require.NoError(t, b.Allow())
			assert.Equal(t, StateHalfOpen, b.State())

			tc.act(b)
			assert.Equal(t, tc.expected, b.State())
		})
	}
}

func TestBreaker_Do(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 2, OpenTimeout: time.Minute})

	calls := 0
	fail := func() error { calls++; return errBroker }

	assert.ErrorIs(t, b.Do(fail), errBroker)
	assert.ErrorIs(t, b.Do(fail), errBroker)
	assert.ErrorIs(t, b.Do(fail), ErrCircuitOpen)
	assert.Equal(t, 2, calls, "open breaker must not call fn")
}

func TestBreaker_StateChangeCallback(t *testing.T) {
	type transition struct {
		name     string
		from, to State
	}
	var got []transition
	b, clock := newTestBreaker(Config{
		Name:             "params",
		FailureThreshold: 2,
		SuccessThreshold: 1,
		OpenTimeout:      time.Second,
		OnStateChange: func(name string, from, to State) {
			got = append(got, transition{name, from, to})
		},
	})

	b.RecordFailure(errBroker)
	b.RecordFailure(errBroker)
	clock.Advance(time.Second)
	require.NoError(t, b.Allow())
	b.RecordSuccess()

	assert.Equal(t, []transition{
		{"params", StateClosed, StateOpen},
		{"params", StateOpen, StateHalfOpen},
		{"params", StateHalfOpen, StateClosed},
	}, got)
}

func TestBreaker_Snapshot(t *testing.T) {
	b, clock := newTestBreaker(Config{Name: "params", FailureThreshold: 1, OpenTimeout: time.Minute})
	b.RecordFailure(errBroker)

	snap := b.Snapshot()
	assert.Equal(t, "params", snap.Name)
	assert.Equal(t, "open", snap.State)
	assert.Equal(t, 1, snap.Failures)
	assert.Equal(t, clock.Now(), snap.LastFailureAt)
	assert.Equal(t, errBroker.Error(), snap.LastError)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(99).String())
}

func TestBreaker_Concurrent(t *testing.T) {
	b := New(Config{FailureThreshold: 10, SuccessThreshold: 5, OpenTimeout: time.Millisecond})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				switch id % 4 {
				case 0:
					b.RecordSuccess()
				case 1:
					b.RecordFailure(errBroker)
				case 2:
					_ = b.Allow()
				case 3:
					_ = b.Snapshot()
				}
			}
		}(i)
	}
	wg.Wait()

	assert.Contains(t, []State{StateClosed, StateOpen, StateHalfOpen}, b.State())
}
