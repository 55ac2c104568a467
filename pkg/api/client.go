// Package api is the client for the conversation management endpoints that
// surround the chat stream: session CRUD, history, uploads and cache reset.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-go-golems/streamchat/pkg/sessions"
	"github.com/go-go-golems/streamchat/pkg/transport"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	SessionsPath   = "/api/conversations/sessions"
	HistoryPath    = "/api/conversations"
	UploadPath     = "/api/upload"
	ClearCachePath = "/clearcache"

	defaultTimeout = 30 * time.Second
	maxErrorBody   = 512
)

// HTTPStatusError is returned for non-2xx responses.
type HTTPStatusError = transport.StatusError

// SessionList is the response of GET /api/conversations/sessions.
type SessionList struct {
	CurrentSessionID *int64             `json:"current_session_id"`
	Sessions         []sessions.Summary `json:"sessions"`
}

// Turn is one stored message of a conversation.
type Turn struct {
	Role     string `json:"role"`
	Content  string `json:"content"`
	ToolName string `json:"tool_name,omitempty"`
}

// History is the response of GET /api/conversations.
type History struct {
	SessionID     *int64 `json:"session_id"`
	Conversations []Turn `json:"conversations"`
}

// UploadResult is the response of POST /api/upload.
type UploadResult struct {
	File        string `json:"file"`
	ChunksCount int    `json:"chunks_count"`
	Error       string `json:"error,omitempty"`
}

type successResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type Client struct {
	baseURL string
	client  *http.Client
	retry   transport.RetryPolicy
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		if c != nil {
			cl.client = c
		}
	}
}

// WithRetry enables retries for idempotent calls (GET and DELETE).
func WithRetry(p transport.RetryPolicy) Option {
	return func(cl *Client) { cl.retry = p }
}

func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  transport.NewHTTPClient(defaultTimeout),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// NewSession asks the server to start a fresh conversation.
func (c *Client) NewSession(ctx context.Context) error {
	var out successResponse
	if err := c.doJSON(ctx, http.MethodPost, SessionsPath+"/new", nil, &out); err != nil {
		return err
	}
	return out.check("new session")
}

func (c *Client) ListSessions(ctx context.Context) (*SessionList, error) {
	var out SessionList
	if err := c.doJSON(ctx, http.MethodGet, SessionsPath, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) DeleteSession(ctx context.Context, id int64) error {
	var out successResponse
	if err := c.doJSON(ctx, http.MethodDelete, sessionPath(id), nil, &out); err != nil {
		return err
	}
	return out.check("delete session")
}

func (c *Client) SwitchSession(ctx context.Context, id int64) error {
	var out successResponse
	if err := c.doJSON(ctx, http.MethodPost, sessionPath(id)+"/switch", nil, &out); err != nil {
		return err
	}
	return out.check("switch session")
}

// History fetches the stored turns of a conversation. A nil sessionID asks for
// the server's current session; limit <= 0 leaves the server default.
func (c *Client) History(ctx context.Context, sessionID *int64, limit int) (*History, error) {
	q := url.Values{}
	if sessionID != nil {
		q.Set("session_id", strconv.FormatInt(*sessionID, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := HistoryPath
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out History
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Upload sends a document for indexing as multipart field "file".
func (c *Client) Upload(ctx context.Context, filename string, r io.Reader) (*UploadResult, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		return nil, errors.Wrap(err, "api: create form file")
	}
	if _, err := io.Copy(part, r); err != nil {
		return nil, errors.Wrapf(err, "api: read %s", filename)
	}
	if err := w.Close(); err != nil {
		return nil, errors.Wrap(err, "api: close multipart body")
	}

	req, err := c.newRequest(ctx, http.MethodPost, UploadPath, bytes.NewReader(body.Bytes()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	var out UploadResult
	if err := c.send(req, &out); err != nil {
		return nil, err
	}
	if out.Error != "" {
		return &out, errors.Errorf("api: upload rejected: %s", out.Error)
	}
	return &out, nil
}

// ClearCache resets the server's in-memory conversation buffer.
func (c *Client) ClearCache(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodPost, ClearCachePath, nil, nil)
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var payload []byte
	if in != nil {
		var err error
		payload, err = json.Marshal(in)
		if err != nil {
			return errors.Wrap(err, "api: encode request")
		}
	}

	attempt := func(ctx context.Context) error {
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := c.newRequest(ctx, method, path, body)
		if err != nil {
			return err
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		return c.send(req, out)
	}

	if method == http.MethodGet || method == http.MethodDelete {
		return transport.Do(ctx, c.retry, method+" "+path, attempt)
	}
	return attempt(ctx)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, errors.Wrapf(err, "api: build %s %s", method, path)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(transport.RequestIDHeader, uuid.NewString())
	return req, nil
}

func (c *Client) send(req *http.Request, out any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "api: %s %s", req.Method, req.URL.Path)
	}
	defer func() { _ = resp.Body.Close() }()

	log.Debug().Str("component", "api").
		Str("method", req.Method).
		Str("path", req.URL.Path).
		Int("status", resp.StatusCode).
		Msg("response")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &HTTPStatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return errors.Wrapf(err, "api: decode %s %s", req.Method, req.URL.Path)
	}
	return nil
}

func (r successResponse) check(op string) error {
	if r.Success {
		return nil
	}
	if r.Error != "" {
		return errors.Errorf("api: %s failed: %s", op, r.Error)
	}
	return errors.Errorf("api: %s failed", op)
}

func sessionPath(id int64) string {
	return fmt.Sprintf("%s/%d", SessionsPath, id)
}
