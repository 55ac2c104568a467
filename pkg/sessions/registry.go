// Package sessions keeps the client's notion of the current conversation
// consistent with what the server reports.
//
// The local pointer is replaced by a server-reported id only while it is
// pending, no history has been displayed and the user has not navigated
// (new chat, switch, delete of the current session). Server reports always
// refresh the list of available sessions.
package sessions

import (
	"slices"
	"sync"

	"github.com/rs/zerolog/log"
)

// Summary describes one server-side conversation.
type Summary struct {
	ID        int64  `json:"id"`
	Preview   string `json:"preview"`
	CreatedAt string `json:"created_at"`
}

// Snapshot is a copy of the registry state.
type Snapshot struct {
	Current      *int64
	Sessions     []Summary
	HistoryShown bool
	Navigated    bool
}

// Ticket binds a stream to the registry epoch it started in.
type Ticket struct {
	epoch   uint64
	Session *int64
}

// Registry is the explicit session context shared by the streaming and UI
// layers. It is safe for concurrent use.
type Registry struct {
	mu           sync.Mutex
	current      *int64
	historyShown bool
	navigated    bool
	epoch        uint64
	summaries    []Summary
	listeners    []func(Snapshot)
}

// New creates a registry. A non-nil initial id is a local choice and counts
// as navigation.
func New(initial *int64) *Registry {
	r := &Registry{}
	if initial != nil {
		r.current = ptr(*initial)
		r.navigated = true
	}
	return r
}

// OnChange registers fn to receive a snapshot after every change.
func (r *Registry) OnChange(fn func(Snapshot)) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// Current returns the local pointer; ok is false while it is pending.
func (r *Registry) Current() (id int64, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return 0, false
	}
	return *r.current, true
}

// CurrentPtr returns a copy of the pointer in the form used on the wire.
func (r *Registry) CurrentPtr() *int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return nil
	}
	return ptr(*r.current)
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// Reconcile applies a server report. It returns true when the server id was
// adopted as the local pointer.
func (r *Registry) Reconcile(serverCurrent *int64, list []Summary) bool {
	r.mu.Lock()
	r.summaries = append([]Summary(nil), list...)
	adopted := false
	if serverCurrent != nil && r.current == nil && !r.historyShown && !r.navigated {
		r.current = ptr(*serverCurrent)
		adopted = true
	}
	snap, listeners := r.changedLocked()
	r.mu.Unlock()

	if serverCurrent != nil {
		log.Debug().Str("component", "sessions").Int64("server_current", *serverCurrent).Bool("adopted", adopted).Msg("reconciled session pointer")
	}
	notify(listeners, snap)
	return adopted
}

// MarkHistoryShown records that conversation history was displayed. It stays
// set for the lifetime of the registry.
func (r *Registry) MarkHistoryShown() {
	r.mu.Lock()
	if r.historyShown {
		r.mu.Unlock()
		return
	}
	r.historyShown = true
	snap, listeners := r.changedLocked()
	r.mu.Unlock()
	notify(listeners, snap)
}

// NewChat resets the pointer to pending.
func (r *Registry) NewChat() {
	r.mu.Lock()
	r.current = nil
	r.navigated = true
	r.epoch++
	snap, listeners := r.changedLocked()
	r.mu.Unlock()
	notify(listeners, snap)
}

// SwitchTo makes id the current session.
func (r *Registry) SwitchTo(id int64) {
	r.mu.Lock()
	r.current = ptr(id)
	r.navigated = true
	r.epoch++
	snap, listeners := r.changedLocked()
	r.mu.Unlock()
	notify(listeners, snap)
}

// Delete removes id from the list. Deleting the current session resets the
// pointer to pending. It returns true when the current session was deleted.
func (r *Registry) Delete(id int64) bool {
	r.mu.Lock()
	kept := r.summaries[:0:0]
	for _, s := range r.summaries {
		if s.ID != id {
			kept = append(kept, s)
		}
	}
	r.summaries = kept
	wasCurrent := r.current != nil && *r.current == id
	if wasCurrent {
		r.current = nil
		r.navigated = true
		r.epoch++
	}
	snap, listeners := r.changedLocked()
	r.mu.Unlock()
	notify(listeners, snap)
	return wasCurrent
}

// BeginStream captures the pointer a stream is sent with.
func (r *Registry) BeginStream() Ticket {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := Ticket{epoch: r.epoch}
	if r.current != nil {
		t.Session = ptr(*r.current)
	}
	return t
}

// CompleteStream applies the id the server returned on completion. It is
// assigned only if the pointer is still pending and the user has not
// navigated since the stream started.
func (r *Registry) CompleteStream(t Ticket, serverID *int64) bool {
	if serverID == nil {
		return false
	}
	r.mu.Lock()
	if r.epoch != t.epoch || r.current != nil {
		r.mu.Unlock()
		log.Debug().Str("component", "sessions").Int64("server_id", *serverID).Msg("ignoring completion id after local navigation")
		return false
	}
	r.current = ptr(*serverID)
	snap, listeners := r.changedLocked()
	r.mu.Unlock()
	notify(listeners, snap)
	return true
}

func (r *Registry) changedLocked() (Snapshot, []func(Snapshot)) {
	return r.snapshotLocked(), slices.Clone(r.listeners)
}

func (r *Registry) snapshotLocked() Snapshot {
	s := Snapshot{
		Sessions:     append([]Summary(nil), r.summaries...),
		HistoryShown: r.historyShown,
		Navigated:    r.navigated,
	}
	if r.current != nil {
		s.Current = ptr(*r.current)
	}
	return s
}

func notify(listeners []func(Snapshot), snap Snapshot) {
	for _, fn := range listeners {
		fn(snap)
	}
}

func ptr(v int64) *int64 {
	return &v
}
