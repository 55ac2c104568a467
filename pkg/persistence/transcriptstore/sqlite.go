package transcriptstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/go-go-golems/streamchat/pkg/chat"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

type SQLiteStore struct {
	db *sql.DB
}

var _ Store = &SQLiteStore{}

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if dsn == "" {
		return nil, errors.New("sqlite transcript store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// SQLiteDSNForFile enables WAL and a busy timeout so the TUI and a second
// streamchat process can share the file.
func SQLiteDSNForFile(path string) (string, error) {
	if path == "" {
		return "", errors.New("sqlite transcript store: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path), nil
}

// OpenFile opens (and creates) the transcript database at path.
func OpenFile(path string) (*SQLiteStore, error) {
	dsn, err := SQLiteDSNForFile(path)
	if err != nil {
		return nil, err
	}
	return NewSQLiteStore(dsn)
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	if s == nil || s.db == nil {
		return errors.New("sqlite transcript store: db is nil")
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS exchanges (
		  id INTEGER PRIMARY KEY AUTOINCREMENT,
		  stream_id TEXT NOT NULL UNIQUE,
		  session_id INTEGER,
		  user_input TEXT NOT NULL,
		  answer TEXT NOT NULL,
		  tools_json TEXT NOT NULL DEFAULT '[]',
		  content_hash TEXT NOT NULL,
		  hash_algorithm TEXT NOT NULL DEFAULT 'sha256-canonical-json-v1',
		  created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS exchanges_by_session
		  ON exchanges(session_id, created_at_ms);`,
		`CREATE INDEX IF NOT EXISTS exchanges_by_created
		  ON exchanges(created_at_ms);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite transcript store: migrate")
		}
	}
	return nil
}

func (s *SQLiteStore) Append(ctx context.Context, e Exchange) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("sqlite transcript store: db is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	e.StreamID = strings.TrimSpace(e.StreamID)
	if e.StreamID == "" {
		return 0, errors.New("sqlite transcript store: stream id is empty")
	}
	e, err := normalizeExchange(e, time.Now().UnixMilli())
	if err != nil {
		return 0, errors.Wrap(err, "sqlite transcript store: hash exchange")
	}
	tools := e.Tools
	if tools == nil {
		tools = []chat.ToolInvocation{}
	}
	toolsJSON, err := json.Marshal(tools)
	if err != nil {
		return 0, errors.Wrap(err, "sqlite transcript store: marshal tools")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "sqlite transcript store: begin")
	}
	defer func() { _ = tx.Rollback() }()

	var (
		existingID   int64
		existingHash string
	)
	err = tx.QueryRowContext(ctx, `SELECT id, content_hash FROM exchanges WHERE stream_id = ?`, e.StreamID).
		Scan(&existingID, &existingHash)
	switch {
	case err == nil:
		if existingHash != e.ContentHash {
			return 0, errors.Errorf("sqlite transcript store: stream %s already recorded with different content", e.StreamID)
		}
		return existingID, nil
	case !errors.Is(err, sql.ErrNoRows):
		return 0, errors.Wrap(err, "sqlite transcript store: lookup stream")
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO exchanges (
			stream_id, session_id, user_input, answer, tools_json,
			content_hash, hash_algorithm, created_at_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.StreamID, nullableID(e.SessionID), e.UserInput, e.Answer, string(toolsJSON),
		e.ContentHash, ExchangeHashAlgorithmV1, e.CreatedAtMs)
	if err != nil {
		return 0, errors.Wrap(err, "sqlite transcript store: insert exchange")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, errors.Wrap(err, "sqlite transcript store: last insert id")
	}
	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "sqlite transcript store: commit")
	}
	return id, nil
}

// List returns the newest Limit exchanges matching q, oldest first.
func (s *SQLiteStore) List(ctx context.Context, q Query) ([]Exchange, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite transcript store: db is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	limit := q.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	query := `
		SELECT id, stream_id, session_id, user_input, answer, tools_json, content_hash, created_at_ms
		FROM exchanges
	`
	var (
		where []string
		args  []any
	)
	if q.SessionID != nil {
		where = append(where, `session_id = ?`)
		args = append(args, *q.SessionID)
	}
	if q.SinceMs > 0 {
		where = append(where, `created_at_ms >= ?`)
		args = append(args, q.SinceMs)
	}
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	query += ` ORDER BY created_at_ms DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite transcript store: list exchanges")
	}
	defer func() { _ = rows.Close() }()

	out := make([]Exchange, 0, limit)
	for rows.Next() {
		var (
			e         Exchange
			sessionID sql.NullInt64
			toolsJSON string
		)
		if err := rows.Scan(&e.ID, &e.StreamID, &sessionID, &e.UserInput, &e.Answer, &toolsJSON, &e.ContentHash, &e.CreatedAtMs); err != nil {
			return nil, errors.Wrap(err, "sqlite transcript store: scan exchange")
		}
		if sessionID.Valid {
			v := sessionID.Int64
			e.SessionID = &v
		}
		if err := json.Unmarshal([]byte(toolsJSON), &e.Tools); err != nil {
			return nil, errors.Wrap(err, "sqlite transcript store: unmarshal tools")
		}
		if len(e.Tools) == 0 {
			e.Tools = nil
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "sqlite transcript store: iterate exchanges")
	}
	slices.Reverse(out)
	return out, nil
}

// Sessions lists sessions by most recent activity.
func (s *SQLiteStore) Sessions(ctx context.Context, limit int) ([]SessionRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite transcript store: db is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if limit <= 0 {
		limit = defaultSessionsLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, COUNT(*), MAX(created_at_ms)
		FROM exchanges
		GROUP BY session_id
		ORDER BY MAX(created_at_ms) DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite transcript store: list sessions")
	}
	defer func() { _ = rows.Close() }()

	var out []SessionRecord
	for rows.Next() {
		var (
			r         SessionRecord
			sessionID sql.NullInt64
		)
		if err := rows.Scan(&sessionID, &r.Exchanges, &r.LastActivityMs); err != nil {
			return nil, errors.Wrap(err, "sqlite transcript store: scan session")
		}
		if sessionID.Valid {
			v := sessionID.Int64
			r.SessionID = &v
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "sqlite transcript store: iterate sessions")
	}
	return out, nil
}

func nullableID(id *int64) any {
	if id == nil {
		return nil
	}
	return *id
}
