package retry

import (
	"context"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	cserrors "github.com/cisync/cisync/pkg/errors"
)

// fastPolicy keeps test backoff short while preserving the retry budget.
func fastPolicy(t *testing.T) *Policy {
	t.Helper()
	p := New(zap.NewNop())
	p.BaseDelay = time.Millisecond
	p.MaxJitter = 0
	return p
}

func TestDoSucceedsAfterTransientFaults(t *testing.T) {
	for _, faults := range []int{0, 1, 2, 3} {
		p := fastPolicy(t)
		attempts := 0
		err := p.Do(context.Background(), "test", func() error {
			attempts++
			if attempts <= faults {
				return cserrors.New(cserrors.ErrorTypeConnection, "transient")
			}
			return nil
		})
		require.NoError(t, err, "faults=%d", faults)
		assert.Equal(t, faults+1, attempts, "faults=%d", faults)
	}
}

func TestDoExhaustsBudget(t *testing.T) {
	p := fastPolicy(t)
	attempts := 0
	fault := cserrors.New(cserrors.ErrorTypeConnection, "still down")
	err := p.Do(context.Background(), "test", func() error {
		attempts++
		return fault
	})
	// The last fault surfaces unchanged in kind.
	require.Error(t, err)
	assert.Equal(t, 4, attempts)
	assert.True(t, cserrors.IsType(err, cserrors.ErrorTypeConnection))
}

func TestDoDoesNotRetryFinalFaults(t *testing.T) {
	p := fastPolicy(t)
	attempts := 0
	err := p.Do(context.Background(), "test", func() error {
		attempts++
		return cserrors.New(cserrors.ErrorTypeConfig, "bad mapping")
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestDoCumulativeDelay(t *testing.T) {
	p := fastPolicy(t)
	p.BaseDelay = 10 * time.Millisecond

	start := time.Now()
	attempts := 0
	err := p.Do(context.Background(), "test", func() error {
		attempts++
		if attempts <= 2 {
			return cserrors.New(cserrors.ErrorTypeConnection, "transient")
		}
		return nil
	})
	require.NoError(t, err)
	// Two waits: base*2^0 + base*2^1.
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestDoRespectsDeadline(t *testing.T) {
	p := fastPolicy(t)
	p.BaseDelay = time.Hour // any retry wait would exceed the deadline

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	attempts := 0
	start := time.Now()
	err := p.Do(ctx, "test", func() error {
		attempts++
		return cserrors.New(cserrors.ErrorTypeConnection, "transient")
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.Less(t, time.Since(start), time.Second, "must not sleep past the deadline")
}

func TestIsTransient(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"connection", cserrors.New(cserrors.ErrorTypeConnection, "x"), true},
		{"rate limit", cserrors.New(cserrors.ErrorTypeRateLimit, "x"), true},
		{"timeout type", cserrors.New(cserrors.ErrorTypeTimeout, "x"), true},
		{"config", cserrors.New(cserrors.ErrorTypeConfig, "x"), false},
		{"data", cserrors.New(cserrors.ErrorTypeData, "x"), false},
		{"auth", cserrors.New(cserrors.ErrorTypeAuthentication, "x"), false},
		{"http 500", &cserrors.HTTPStatusError{Status: 500}, true},
		{"http 503", &cserrors.HTTPStatusError{Status: 503}, true},
		{"http 429", &cserrors.HTTPStatusError{Status: 429}, true},
		{"http 404", &cserrors.HTTPStatusError{Status: 404}, false},
		{"http 401", &cserrors.HTTPStatusError{Status: 401}, false},
		{"conn reset", syscall.ECONNRESET, true},
		{"net op error", &net.OpError{Op: "read", Err: syscall.EPIPE}, true},
		{"deadline", context.DeadlineExceeded, true},
		{"canceled", context.Canceled, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsTransient(tc.err))
		})
	}
}

func TestDelayGrowsExponentially(t *testing.T) {
	p := New(zap.NewNop())
	p.MaxJitter = 0
	assert.Equal(t, p.BaseDelay, p.Delay(0))
	assert.Equal(t, 2*p.BaseDelay, p.Delay(1))
	assert.Equal(t, 4*p.BaseDelay, p.Delay(2))
}
