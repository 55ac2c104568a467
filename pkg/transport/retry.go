package transport

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// RetryPolicy bounds retries of an idempotent operation. The zero value
// performs exactly one attempt.
type RetryPolicy struct {
	// Retries is the number of attempts after the first one.
	Retries        int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (p RetryPolicy) Enabled() bool {
	return p.Retries > 0
}

// IsRetryable reports whether err is worth another attempt: connection
// errors, timeouts and 429/502/503/504. Cancellation never is.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		switch statusErr.StatusCode {
		case http.StatusTooManyRequests,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout:
			return true
		}
		return false
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErr.Op == "dial" || opErr.Timeout()
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsTimeout || dnsErr.IsTemporary
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

// Do runs op until it succeeds, fails with a non-retryable error, the policy
// is exhausted or ctx is done. The last error is returned unwrapped.
func Do(ctx context.Context, p RetryPolicy, name string, op func(ctx context.Context) error) error {
	if !p.Enabled() {
		return op(ctx)
	}

	b := backoff.NewExponentialBackOff()
	if p.InitialBackoff > 0 {
		b.InitialInterval = p.InitialBackoff
	}
	if p.MaxBackoff > 0 {
		b.MaxInterval = p.MaxBackoff
	}
	b.MaxElapsedTime = 0

	attempt := 0
	operation := func() error {
		attempt++
		err := op(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		log.Warn().Err(err).Str("component", "transport").Str("op", name).Int("attempt", attempt).Dur("backoff", wait).Msg("retrying")
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.Retries)), ctx)
	return backoff.RetryNotify(operation, policy, notify)
}
