package session

import (
	"log/slog"
	"sync"
)

// Registry maps telephony stream identifiers to their active sessions.
// Sessions insert themselves on the start event and remove themselves on
// close; lookups for unknown ids are not errors, callers simply have no
// destination and drop.
type Registry struct {
	sessions map[string]*Session
	mu       sync.RWMutex
	logger   *slog.Logger
}

// NewRegistry creates an empty session registry
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		logger:   logger,
	}
}

// Register binds a stream id to a session. A stream id belongs to at most
// one session at a time: registering an id that is already taken by another
// session is rejected and returns false.
func (r *Registry) Register(streamSID string, s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.sessions[streamSID]; ok && existing != s {
		r.logger.Warn("rejecting duplicate stream registration",
			slog.String("stream_sid", streamSID),
			slog.String("existing_session", existing.ID()),
			slog.String("new_session", s.ID()),
		)
		return false
	}

	r.sessions[streamSID] = s
	return true
}

// Lookup returns the session bound to a stream id, if any
func (r *Registry) Lookup(streamSID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[streamSID]
	return s, ok
}

// Remove deletes a stream binding. Removing an unknown id is a no-op.
func (r *Registry) Remove(streamSID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[streamSID]; !ok {
		return false
	}
	delete(r.sessions, streamSID)
	return true
}

// ActiveCount returns the number of registered sessions
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Sessions returns a snapshot of all registered sessions (for monitoring)
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// CloseAll tears down every registered session. Used on shutdown and by the
// interactive termination path.
func (r *Registry) CloseAll() {
	for _, s := range r.Sessions() {
		if err := s.Close(); err != nil {
			r.logger.Warn("error closing session",
				slog.String("session_id", s.ID()),
				slog.String("error", err.Error()),
			)
		}
	}
}
