package transcriptstore

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// InMemoryStore is a size-limited Store with the ordering semantics of the
// SQLite store. The oldest exchanges are evicted past maxExchanges.
type InMemoryStore struct {
	mu           sync.Mutex
	maxExchanges int
	nextID       int64
	exchanges    []Exchange
	byStream     map[string]int64
}

var _ Store = &InMemoryStore{}

func NewInMemoryStore(maxExchanges int) *InMemoryStore {
	if maxExchanges <= 0 {
		maxExchanges = 5000
	}
	return &InMemoryStore{
		maxExchanges: maxExchanges,
		nextID:       1,
		byStream:     map[string]int64{},
	}
}

func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) Append(_ context.Context, e Exchange) (int64, error) {
	if s == nil {
		return 0, errors.New("in-memory transcript store: nil store")
	}
	e.StreamID = strings.TrimSpace(e.StreamID)
	if e.StreamID == "" {
		return 0, errors.New("in-memory transcript store: stream id is empty")
	}
	e, err := normalizeExchange(e, time.Now().UnixMilli())
	if err != nil {
		return 0, errors.Wrap(err, "in-memory transcript store: hash exchange")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byStream[e.StreamID]; ok {
		for _, existing := range s.exchanges {
			if existing.ID == id && existing.ContentHash != e.ContentHash {
				return 0, errors.Errorf("in-memory transcript store: stream %s already recorded with different content", e.StreamID)
			}
		}
		return id, nil
	}

	e.ID = s.nextID
	s.nextID++
	e.Tools = slices.Clone(e.Tools)
	s.exchanges = append(s.exchanges, e)
	s.byStream[e.StreamID] = e.ID
	if over := len(s.exchanges) - s.maxExchanges; over > 0 {
		for _, dropped := range s.exchanges[:over] {
			delete(s.byStream, dropped.StreamID)
		}
		s.exchanges = slices.Clone(s.exchanges[over:])
	}
	return e.ID, nil
}

func (s *InMemoryStore) List(_ context.Context, q Query) ([]Exchange, error) {
	if s == nil {
		return nil, errors.New("in-memory transcript store: nil store")
	}
	limit := q.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Exchange
	for _, e := range s.exchanges {
		if q.SessionID != nil && (e.SessionID == nil || *e.SessionID != *q.SessionID) {
			continue
		}
		if q.SinceMs > 0 && e.CreatedAtMs < q.SinceMs {
			continue
		}
		e.Tools = slices.Clone(e.Tools)
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAtMs == out[j].CreatedAtMs {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAtMs < out[j].CreatedAtMs
	})
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *InMemoryStore) Sessions(_ context.Context, limit int) ([]SessionRecord, error) {
	if s == nil {
		return nil, errors.New("in-memory transcript store: nil store")
	}
	if limit <= 0 {
		limit = defaultSessionsLimit
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	byKey := map[int64]*SessionRecord{}
	var unassigned *SessionRecord
	for _, e := range s.exchanges {
		var r *SessionRecord
		if e.SessionID == nil {
			if unassigned == nil {
				unassigned = &SessionRecord{}
			}
			r = unassigned
		} else {
			r = byKey[*e.SessionID]
			if r == nil {
				id := *e.SessionID
				r = &SessionRecord{SessionID: &id}
				byKey[id] = r
			}
		}
		r.Exchanges++
		if e.CreatedAtMs > r.LastActivityMs {
			r.LastActivityMs = e.CreatedAtMs
		}
	}

	out := make([]SessionRecord, 0, len(byKey)+1)
	for _, r := range byKey {
		out = append(out, *r)
	}
	if unassigned != nil {
		out = append(out, *unassigned)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivityMs > out[j].LastActivityMs
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
