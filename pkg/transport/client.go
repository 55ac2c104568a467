// Package transport holds the HTTP plumbing shared by the stream and api clients.
package transport

import (
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
)

const scopeName = "github.com/go-go-golems/streamchat/pkg/transport"

// Tracer is shared by the packages issuing requests through this transport.
var Tracer = otel.Tracer(scopeName)

// RequestIDHeader carries a per-request id generated by the client.
const RequestIDHeader = "X-Request-ID"

// NewHTTPClient returns a client whose transport records a span per request.
// timeout bounds the whole exchange and must be zero for streaming requests.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport,
			otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
				return operation + " " + r.URL.Path
			}),
		),
	}
}

// StatusError is a non-2xx response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("HTTP %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("HTTP %d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Body)
}
