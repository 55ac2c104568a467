package transcriptstore

import (
	"context"
	"time"

	"github.com/go-go-golems/streamchat/pkg/chat"
)

// Exchange is one completed question and answer.
type Exchange struct {
	ID          int64                 `json:"id"`
	StreamID    string                `json:"stream_id"`
	SessionID   *int64                `json:"session_id,omitempty"`
	UserInput   string                `json:"user_input"`
	Answer      string                `json:"answer"`
	Tools       []chat.ToolInvocation `json:"tools,omitempty"`
	ContentHash string                `json:"content_hash"`
	CreatedAtMs int64                 `json:"created_at_ms"`
}

// SessionRecord aggregates the exchanges stored for one server session.
// SessionID is nil for exchanges that were never assigned one.
type SessionRecord struct {
	SessionID      *int64 `json:"session_id,omitempty"`
	Exchanges      int    `json:"exchanges"`
	LastActivityMs int64  `json:"last_activity_ms"`
}

// Query filters List. A nil SessionID lists every session.
type Query struct {
	SessionID *int64
	SinceMs   int64
	Limit     int
}

// Store is the local transcript of completed exchanges. Append is
// idempotent per stream id.
type Store interface {
	Append(ctx context.Context, e Exchange) (int64, error)
	List(ctx context.Context, q Query) ([]Exchange, error)
	Sessions(ctx context.Context, limit int) ([]SessionRecord, error)
	Close() error
}

// FromCompletion builds the exchange recorded when a stream completes.
func FromCompletion(c chat.Completion, userInput string) Exchange {
	return Exchange{
		StreamID:    c.StreamID,
		SessionID:   c.SessionID,
		UserInput:   userInput,
		Answer:      c.Text,
		Tools:       c.Tools,
		CreatedAtMs: time.Now().UnixMilli(),
	}
}

func normalizeExchange(e Exchange, now int64) (Exchange, error) {
	if e.CreatedAtMs <= 0 {
		e.CreatedAtMs = now
	}
	hash, err := ComputeExchangeHash(e)
	if err != nil {
		return e, err
	}
	e.ContentHash = hash
	return e, nil
}

const (
	defaultListLimit     = 200
	defaultSessionsLimit = 100
)
