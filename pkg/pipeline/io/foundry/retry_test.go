package foundryio

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shpitdev/developer-enricher/pkg/foundry"
)

func TestIsTransient(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("boom"), false},
		{"unavailable", &foundry.HTTPError{StatusCode: http.StatusServiceUnavailable}, true},
		{"rate limited", &foundry.HTTPError{StatusCode: http.StatusTooManyRequests}, true},
		{"forbidden", &foundry.HTTPError{StatusCode: http.StatusForbidden}, false},
		{"deadline", fmt.Errorf("read: %w", context.DeadlineExceeded), true},
		{"reset", fmt.Errorf("post: %w", syscall.ECONNRESET), true},
		{"refused", fmt.Errorf("dial: %w", syscall.ECONNREFUSED), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, isTransient(tc.err))
		})
	}
}

func TestStoreRetry_StopsAtAttempts(t *testing.T) {
	t.Parallel()

	s := &Store[struct{}]{Attempts: 4, Backoff: time.Millisecond}

	var calls int
	err := s.retry(context.Background(), func() error {
		calls++
		return &foundry.HTTPError{StatusCode: http.StatusBadGateway}
	})
	require.Error(t, err)
	assert.Equal(t, 4, calls)

	calls = 0
	err = s.retry(context.Background(), func() error {
		calls++
		return &foundry.HTTPError{StatusCode: http.StatusBadRequest}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls, "permanent errors are not retried")

	calls = 0
	err = s.retry(context.Background(), func() error {
		calls++
		if calls < 3 {
			return fmt.Errorf("post: %w", syscall.ECONNRESET)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}
