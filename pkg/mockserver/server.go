// Package mockserver is an in-process chat backend speaking the streaming
// wire protocol and the conversation management endpoints.
package mockserver

import (
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-go-golems/streamchat/pkg/protocol"
	"github.com/go-go-golems/streamchat/pkg/sessions"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// uploadChunkSize is the number of bytes counted as one indexed chunk.
const uploadChunkSize = 500

// Script produces the frames answering one user input.
type Script func(input string) []protocol.Payload

// DefaultScript calls a list_tasks tool when the input mentions tasks and
// then echoes the input back a word at a time.
func DefaultScript(input string) []protocol.Payload {
	var out []protocol.Payload
	if strings.Contains(strings.ToLower(input), "task") {
		out = append(out,
			protocol.Payload{ToolStart: "list_tasks"},
			protocol.Payload{ToolEnd: "list_tasks"},
		)
	}
	words := strings.Fields("You said: " + input)
	for i, w := range words {
		if i < len(words)-1 {
			w += " "
		}
		out = append(out, protocol.Payload{Content: w})
	}
	return out
}

type turn struct {
	Role     string `json:"role"`
	Content  string `json:"content"`
	ToolName string `json:"tool_name,omitempty"`
}

type conversation struct {
	id        int64
	createdAt time.Time
	turns     []turn
}

// Server keeps conversations in memory. It is safe for concurrent use.
type Server struct {
	script     Script
	frameDelay time.Duration
	emitDone   bool
	logger     zerolog.Logger

	mu            sync.Mutex
	nextID        int64
	current       *int64
	conversations map[int64]*conversation
	streams       int
	clears        int
	uploads       []string
}

type Option func(*Server)

func WithScript(s Script) Option {
	return func(srv *Server) {
		if s != nil {
			srv.script = s
		}
	}
}

// WithFrameDelay sleeps between frames so clients observe partial output.
func WithFrameDelay(d time.Duration) Option {
	return func(srv *Server) { srv.frameDelay = d }
}

// WithDone controls whether streams end with a done frame carrying the
// session id. Without it the body just ends, like the reference backend.
func WithDone(emit bool) Option {
	return func(srv *Server) { srv.emitDone = emit }
}

func New(opts ...Option) *Server {
	s := &Server{
		script:        DefaultScript,
		emitDone:      true,
		nextID:        1,
		conversations: map[int64]*conversation{},
		logger:        log.With().Str("component", "mockserver").Logger(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Handler returns the full router. JSON routes are compressed; the stream
// route is left uncompressed so every frame is flushed as written.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	c := func(h http.HandlerFunc) http.Handler { return handlers.CompressHandler(h) }

	r.Path("/api/chat/stream").Methods("POST").HandlerFunc(s.handleStream)
	r.Path("/api/conversations/sessions/new").Methods("POST").Handler(c(s.handleNewSession))
	r.Path("/api/conversations/sessions").Methods("GET").Handler(c(s.handleListSessions))
	r.Path("/api/conversations/sessions/{id:[0-9]+}").Methods("DELETE").Handler(c(s.handleDeleteSession))
	r.Path("/api/conversations/sessions/{id:[0-9]+}/switch").Methods("POST").Handler(c(s.handleSwitchSession))
	r.Path("/api/conversations").Methods("GET").Handler(c(s.handleHistory))
	r.Path("/api/upload").Methods("POST").Handler(c(s.handleUpload))
	r.Path("/clearcache").Methods("POST").HandlerFunc(s.handleClearCache)

	return handlers.RecoveryHandler(handlers.PrintRecoveryStack(true))(
		handlers.LoggingHandler(s.logger, r),
	)
}

// Stats returns request counters.
func (s *Server) Stats() (streams, clears int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streams, s.clears
}

func (s *Server) Uploads() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.uploads...)
}

// Current returns the server's current session id.
func (s *Server) Current() *int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyID(s.current)
}

// Seed creates a conversation with the given turns and makes it current.
func (s *Server) Seed(turns ...string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.createLocked()
	for i, t := range turns {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		c.turns = append(c.turns, turn{Role: role, Content: t})
	}
	return c.id
}

type streamRequest struct {
	UserInput string `json:"user_input"`
	SessionID *int64 `json:"session_id"`
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	var req streamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}

	s.mu.Lock()
	s.streams++
	conv := s.resolveLocked(req.SessionID)
	conv.turns = append(conv.turns, turn{Role: "user", Content: req.UserInput})
	id := conv.id
	s.mu.Unlock()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	var answer strings.Builder
	var tools []string
	payloads := s.script(req.UserInput)
	if s.emitDone {
		payloads = append(payloads, protocol.Payload{Done: true, SessionID: &id})
	}
	for _, p := range payloads {
		if r.Context().Err() != nil {
			s.logger.Debug().Int64("session", id).Msg("client went away")
			return
		}
		frame, err := protocol.EncodeFrame(p)
		if err != nil {
			s.logger.Error().Err(err).Msg("encode frame")
			return
		}
		if _, err := w.Write(frame); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
		answer.WriteString(p.Content)
		if p.ToolStart != "" {
			tools = append(tools, p.ToolStart)
		}
		if s.frameDelay > 0 {
			select {
			case <-time.After(s.frameDelay):
			case <-r.Context().Done():
				return
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.conversations[id]; ok {
		for _, t := range tools {
			c.turns = append(c.turns, turn{Role: "tool", ToolName: t})
		}
		c.turns = append(c.turns, turn{Role: "assistant", Content: answer.String()})
	}
}

func (s *Server) handleNewSession(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	s.createLocked()
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := make([]sessions.Summary, 0, len(s.conversations))
	for _, c := range s.conversations {
		list = append(list, sessions.Summary{
			ID:        c.id,
			Preview:   c.preview(),
			CreatedAt: c.createdAt.UTC().Format(time.RFC3339),
		})
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID > list[j].ID })

	writeJSON(w, http.StatusOK, struct {
		CurrentSessionID *int64            `json:"current_session_id"`
		Sessions         []sessions.Summary `json:"sessions"`
	}{s.current, list})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[id]; !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"success": false, "error": "session not found"})
		return
	}
	delete(s.conversations, id)
	if s.current != nil && *s.current == id {
		s.current = nil
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleSwitchSession(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[id]; !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"success": false, "error": "session not found"})
		return
	}
	s.current = &id
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 50
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		limit = n
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	id := copyID(s.current)
	if v := q.Get("session_id"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid session_id"})
			return
		}
		id = &n
	}

	turns := []turn{}
	if id != nil {
		if c, ok := s.conversations[*id]; ok {
			turns = c.turns
			if limit > 0 && len(turns) > limit {
				turns = turns[len(turns)-limit:]
			}
		}
	}
	writeJSON(w, http.StatusOK, struct {
		SessionID     *int64 `json:"session_id"`
		Conversations []turn `json:"conversations"`
	}{id, turns})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	f, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]string{"error": "no file uploaded"})
		return
	}
	defer func() { _ = f.Close() }()
	n, err := io.Copy(io.Discard, f)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]string{"error": err.Error()})
		return
	}
	if n == 0 {
		writeJSON(w, http.StatusOK, map[string]string{"error": "empty file"})
		return
	}

	s.mu.Lock()
	s.uploads = append(s.uploads, header.Filename)
	s.mu.Unlock()

	chunks := int((n + uploadChunkSize - 1) / uploadChunkSize)
	writeJSON(w, http.StatusOK, map[string]any{"file": header.Filename, "chunks_count": chunks})
}

func (s *Server) handleClearCache(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	s.clears++
	if s.current != nil {
		if c, ok := s.conversations[*s.current]; ok {
			c.turns = nil
		}
	}
	s.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

// resolveLocked returns the conversation a stream writes to. A null id
// continues the server's current conversation; unknown ids start a new one.
func (s *Server) resolveLocked(id *int64) *conversation {
	if id != nil {
		if c, ok := s.conversations[*id]; ok {
			s.current = &c.id
			return c
		}
	}
	if id == nil && s.current != nil {
		if c, ok := s.conversations[*s.current]; ok {
			return c
		}
	}
	return s.createLocked()
}

func (s *Server) createLocked() *conversation {
	c := &conversation{id: s.nextID, createdAt: time.Now()}
	s.nextID++
	s.conversations[c.id] = c
	id := c.id
	s.current = &id
	return c
}

func (c *conversation) preview() string {
	for _, t := range c.turns {
		if t.Role == "user" {
			p := t.Content
			if len(p) > 40 {
				p = p[:40] + "..."
			}
			return p
		}
	}
	return "New conversation"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Str("component", "mockserver").Msg("write response")
	}
}

func copyID(id *int64) *int64 {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}
