package retry

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestClassify_ExplicitMarkers(t *testing.T) {
	transient := Classify(Transient(errors.New("subscribe failed")))
	assert.Equal(t, ClassTransient, transient.Class)
	assert.Equal(t, "explicit_transient", transient.Reason)

	terminal := Classify(Terminal(errors.New("connection refused")))
	assert.Equal(t, ClassTerminal, terminal.Class)
	assert.Equal(t, "explicit_terminal", terminal.Reason)

	assert.Nil(t, Transient(nil))
	assert.Nil(t, Terminal(nil))
}

func TestClassify_RepresentativeRuntimeErrors(t *testing.T) {
	testCases := []struct {
		name          string
		err           error
		expectedClass Class
	}{
		{
			name:          "grpc unavailable transient",
			err:           status.Error(codes.Unavailable, "controller unavailable"),
			expectedClass: ClassTransient,
		},
		{
			name:          "grpc invalid argument terminal",
			err:           status.Error(codes.InvalidArgument, "missing x-node-identity metadata"),
			expectedClass: ClassTerminal,
		},
		{
			name:          "context deadline transient",
			err:           context.DeadlineExceeded,
			expectedClass: ClassTransient,
		},
		{
			name:          "context canceled terminal",
			err:           context.Canceled,
			expectedClass: ClassTerminal,
		},
		{
			name:          "stream eof transient",
			err:           io.EOF,
			expectedClass: ClassTransient,
		},
		{
			name:          "redis connection refused transient",
			err:           errors.New("dial tcp 10.0.0.1:5556: connect: connection refused"),
			expectedClass: ClassTransient,
		},
		{
			name:          "unknown defaults terminal",
			err:           errors.New("unexpected failure"),
			expectedClass: ClassTerminal,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			decision := Classify(tc.err)
			assert.Equal(t, tc.expectedClass, decision.Class)
		})
	}
}

func TestBackoff_Delay(t *testing.T) {
	b := Backoff{Initial: 10 * time.Millisecond, Max: 50 * time.Millisecond}
	assert.Equal(t, 10*time.Millisecond, b.delay(0))
	assert.Equal(t, 20*time.Millisecond, b.delay(1))
	assert.Equal(t, 40*time.Millisecond, b.delay(2))
	assert.Equal(t, 50*time.Millisecond, b.delay(3))
	assert.Equal(t, 50*time.Millisecond, b.delay(10))
}

func TestDo_RetriesTransientUntilSuccess(t *testing.T) {
	calls := 0
	var retries []int
	err := Do(context.Background(), Backoff{Initial: time.Millisecond}, func(context.Context) error {
		calls++
		if calls < 3 {
			return Transient(errors.New("not yet"))
		}
		return nil
	}, func(attempt int, _ error, _ time.Duration) {
		retries = append(retries, attempt)
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, retries)
}

func TestDo_StopsOnTerminal(t *testing.T) {
	calls := 0
	boom := errors.New("boom")
	err := Do(context.Background(), Backoff{Initial: time.Millisecond}, func(context.Context) error {
		calls++
		return boom
	}, nil)

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestDo_AttemptBudget(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Backoff{Initial: time.Millisecond, Attempts: 2}, func(context.Context) error {
		calls++
		return Transient(errors.New("flaky"))
	}, nil)

	assert.Error(t, err)
	assert.Equal(t, 2, calls)
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Do(ctx, Backoff{Initial: time.Hour}, func(context.Context) error {
		return Transient(errors.New("flaky"))
	}, nil)
	assert.ErrorIs(t, err, context.Canceled)
}
