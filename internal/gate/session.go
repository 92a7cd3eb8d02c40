package gate

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/medchain/internal/idgen"
	"github.com/roach88/medchain/internal/ir"
)

// Session holds the grants of one caller session. It lives in memory only
// and is never written to a store.
type Session struct {
	id      string
	created time.Time

	mu       sync.Mutex
	grants   map[ir.SubjectID]bool
	failures map[ir.SubjectID]int
}

// NewSession creates an empty, fully locked session.
func NewSession(id string) *Session {
	return &Session{
		id:       id,
		created:  time.Now(),
		grants:   make(map[ir.SubjectID]bool),
		failures: make(map[ir.SubjectID]int),
	}
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.id
}

// Unlocked reports whether the subject was unlocked in this session.
func (s *Session) Unlocked(subject ir.SubjectID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.grants[subject]
}

// Failures returns the number of failed checks for subject.
func (s *Session) Failures(subject ir.SubjectID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures[subject]
}

// Grants returns the unlocked subjects in no particular order.
func (s *Session) Grants() []ir.SubjectID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ir.SubjectID, 0, len(s.grants))
	for subject := range s.grants {
		out = append(out, subject)
	}
	return out
}

func (s *Session) grant(subject ir.SubjectID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grants[subject] = true
}

func (s *Session) fail(subject ir.SubjectID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[subject]++
	return s.failures[subject]
}

// DefaultSessionTTL is how long an idle session keeps its grants when no
// TTL is configured.
const DefaultSessionTTL = 30 * time.Minute

// Sessions is the in-process session registry behind the HTTP session
// cookie. Sessions idle longer than the TTL are dropped on access, and
// Create sweeps out every idle session at most once per TTL.
type Sessions struct {
	ids idgen.Generator
	ttl time.Duration
	now func() time.Time

	mu        sync.Mutex
	sessions  map[string]*sessionSlot
	lastSweep time.Time
}

type sessionSlot struct {
	sess     *Session
	lastSeen time.Time
}

// NewSessions creates a registry. A non-positive ttl uses
// DefaultSessionTTL.
func NewSessions(ids idgen.Generator, ttl time.Duration) *Sessions {
	if ids == nil {
		ids = idgen.UUIDv7{}
	}
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &Sessions{ids: ids, ttl: ttl, now: time.Now, sessions: make(map[string]*sessionSlot)}
}

// Create registers a new session.
func (r *Sessions) Create() *Session {
	sess := NewSession(r.ids.Generate())

	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	if now.Sub(r.lastSweep) >= r.ttl {
		r.evictLocked(now)
	}
	r.sessions[sess.ID()] = &sessionSlot{sess: sess, lastSeen: now}
	return sess
}

// Get returns a live session and marks it used.
func (r *Sessions) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	slot, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	now := r.now()
	if now.Sub(slot.lastSeen) > r.ttl {
		delete(r.sessions, id)
		return nil, false
	}
	slot.lastSeen = now
	return slot.sess, true
}

// Evict drops every session idle longer than the TTL and returns how many
// were dropped.
func (r *Sessions) Evict() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.evictLocked(r.now())
}

func (r *Sessions) evictLocked(now time.Time) int {
	n := 0
	for id, slot := range r.sessions {
		if now.Sub(slot.lastSeen) > r.ttl {
			delete(r.sessions, id)
			n++
		}
	}
	r.lastSweep = now
	return n
}

// Run evicts idle sessions every TTL until ctx is done.
func (r *Sessions) Run(ctx context.Context) {
	ticker := time.NewTicker(r.ttl)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Evict(); n > 0 {
				slog.Debug("sessions evicted", "count", n)
			}
		}
	}
}

// Delete ends a session, dropping its grants.
func (r *Sessions) Delete(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// Len returns the number of registered sessions.
func (r *Sessions) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
