package transport

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"wrapped canceled", errors.Wrap(context.Canceled, "stream"), false},
		{"deadline", context.DeadlineExceeded, true},
		{"503", &StatusError{StatusCode: http.StatusServiceUnavailable}, true},
		{"429", &StatusError{StatusCode: http.StatusTooManyRequests}, true},
		{"502 wrapped", errors.Wrap(&StatusError{StatusCode: http.StatusBadGateway}, "x"), true},
		{"500", &StatusError{StatusCode: http.StatusInternalServerError}, false},
		{"404", &StatusError{StatusCode: http.StatusNotFound}, false},
		{"dial", &net.OpError{Op: "dial", Err: errors.New("connection refused")}, true},
		{"read", &net.OpError{Op: "read", Err: errors.New("reset")}, false},
		{"dns timeout", &net.DNSError{IsTimeout: true}, true},
		{"plain", errors.New("boom"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, IsRetryable(tc.err))
		})
	}
}

func TestDoWithoutPolicyRunsOnce(t *testing.T) {
	calls := 0
	err := Do(context.Background(), RetryPolicy{}, "test", func(context.Context) error {
		calls++
		return &StatusError{StatusCode: http.StatusServiceUnavailable}
	})
	require.Error(t, err)
	require.Equal(t, 1, calls)
}

func TestDoRetriesRetryableErrors(t *testing.T) {
	calls := 0
	policy := RetryPolicy{Retries: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
	err := Do(context.Background(), policy, "test", func(context.Context) error {
		calls++
		if calls < 3 {
			return &StatusError{StatusCode: http.StatusServiceUnavailable}
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestDoStopsOnPermanentError(t *testing.T) {
	calls := 0
	policy := RetryPolicy{Retries: 5, InitialBackoff: time.Millisecond}
	err := Do(context.Background(), policy, "test", func(context.Context) error {
		calls++
		return &StatusError{StatusCode: http.StatusBadRequest}
	})
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusBadRequest, statusErr.StatusCode)
	require.Equal(t, 1, calls)
}

func TestDoExhaustsRetries(t *testing.T) {
	calls := 0
	policy := RetryPolicy{Retries: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}
	err := Do(context.Background(), policy, "test", func(context.Context) error {
		calls++
		return &StatusError{StatusCode: http.StatusGatewayTimeout}
	})
	require.Error(t, err)
	require.Equal(t, 3, calls)
}

func TestDoDoesNotRetryAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	policy := RetryPolicy{Retries: 5, InitialBackoff: time.Millisecond}
	err := Do(ctx, policy, "test", func(context.Context) error {
		calls++
		cancel()
		return &StatusError{StatusCode: http.StatusServiceUnavailable}
	})
	require.Error(t, err)
	require.Equal(t, 1, calls)
}

func TestNewHTTPClientSendsRequests(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)

	resp, err := NewHTTPClient(time.Second).Get(srv.URL + "/ping")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestStatusErrorMessage(t *testing.T) {
	require.Equal(t, "HTTP 503 Service Unavailable", (&StatusError{StatusCode: 503}).Error())
	require.Equal(t, "HTTP 400 Bad Request: nope", (&StatusError{StatusCode: 400, Body: "nope"}).Error())
}
