package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-go-golems/streamchat/pkg/mockserver"
	"github.com/go-go-golems/streamchat/pkg/transport"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func newMock(t *testing.T) (*mockserver.Server, *Client) {
	t.Helper()
	s := mockserver.New()
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return s, NewClient(srv.URL + "/")
}

func TestSessions(t *testing.T) {
	s, c := newMock(t)
	ctx := context.Background()

	first := s.Seed("what is on my list", "three tasks")
	require.NoError(t, c.NewSession(ctx))

	list, err := c.ListSessions(ctx)
	require.NoError(t, err)
	require.NotNil(t, list.CurrentSessionID)
	require.Equal(t, first+1, *list.CurrentSessionID)
	require.Len(t, list.Sessions, 2)
	require.Equal(t, "what is on my list", list.Sessions[1].Preview)
	require.NotEmpty(t, list.Sessions[1].CreatedAt)

	require.NoError(t, c.SwitchSession(ctx, first))
	require.Equal(t, first, *s.Current())

	require.NoError(t, c.DeleteSession(ctx, first))
	err = c.DeleteSession(ctx, first)
	var statusErr *HTTPStatusError
	require.True(t, errors.As(err, &statusErr))
	require.Equal(t, http.StatusNotFound, statusErr.StatusCode)
	require.Contains(t, statusErr.Body, "session not found")
}

func TestHistory(t *testing.T) {
	s, c := newMock(t)
	id := s.Seed("q1", "a1", "q2", "a2")

	h, err := c.History(context.Background(), nil, 0)
	require.NoError(t, err)
	require.Equal(t, id, *h.SessionID)
	require.Len(t, h.Conversations, 4)

	h, err = c.History(context.Background(), &id, 1)
	require.NoError(t, err)
	require.Equal(t, []Turn{{Role: "assistant", Content: "a2"}}, h.Conversations)

	missing := int64(99)
	h, err = c.History(context.Background(), &missing, 10)
	require.NoError(t, err)
	require.Empty(t, h.Conversations)
}

func TestUpload(t *testing.T) {
	s, c := newMock(t)

	res, err := c.Upload(context.Background(), "notes.txt", strings.NewReader(strings.Repeat("x", 1200)))
	require.NoError(t, err)
	require.Equal(t, "notes.txt", res.File)
	require.Equal(t, 3, res.ChunksCount)
	require.Equal(t, []string{"notes.txt"}, s.Uploads())

	res, err = c.Upload(context.Background(), "empty.txt", strings.NewReader(""))
	require.Error(t, err)
	require.Equal(t, "empty file", res.Error)
}

func TestClearCache(t *testing.T) {
	s, c := newMock(t)
	require.NoError(t, c.ClearCache(context.Background()))
	_, clears := s.Stats()
	require.Equal(t, 1, clears)
}

func TestUnsuccessfulResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":false,"error":"nope"}`))
	}))
	defer srv.Close()

	err := NewClient(srv.URL).NewSession(context.Background())
	require.EqualError(t, err, "api: new session failed: nope")
}

func TestRetryOnlyForIdempotentCalls(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithRetry(transport.RetryPolicy{Retries: 2, InitialBackoff: time.Millisecond}))

	_, err := c.ListSessions(context.Background())
	require.Error(t, err)
	require.Equal(t, int32(3), calls.Load())

	calls.Store(0)
	err = c.SwitchSession(context.Background(), 1)
	require.Error(t, err)
	require.Equal(t, int32(1), calls.Load())
}

func TestRequestHeaders(t *testing.T) {
	var gotID, gotAccept string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotID = r.Header.Get(transport.RequestIDHeader)
		gotAccept = r.Header.Get("Accept")
		_, _ = w.Write([]byte(`{"current_session_id":null,"sessions":[]}`))
	}))
	defer srv.Close()

	list, err := NewClient(srv.URL).ListSessions(context.Background())
	require.NoError(t, err)
	require.Nil(t, list.CurrentSessionID)
	require.Empty(t, list.Sessions)
	require.NotEmpty(t, gotID)
	require.Equal(t, "application/json", gotAccept)
}
