package relay

import (
	"errors"
	"log/slog"
	"sync"
)

// ErrDuplicateCall is returned by Registry.Insert when a Session already
// holds the call ID.
var ErrDuplicateCall = errors.New("relay: call already has an active session")

// Registry indexes active Sessions by call ID. It does not own them:
// removing an entry never closes a connection. All methods are safe for
// concurrent use.
type Registry struct {
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session // keyed by call ID
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:   logger.With("subsystem", "relay-registry"),
		sessions: make(map[string]*Session),
	}
}

// Insert registers s under callID.
func (r *Registry) Insert(callID string, s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[callID]; exists {
		return ErrDuplicateCall
	}
	r.sessions[callID] = s
	return nil
}

// Get returns the Session for callID, or nil.
func (r *Registry) Get(callID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[callID]
}

// Remove deletes callID only if it still maps to s, so a Session tearing
// down cannot evict another Session's entry. It reports whether an entry
// was removed.
func (r *Registry) Remove(callID string, s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.sessions[callID]; ok && cur == s {
		delete(r.sessions, callID)
		return true
	}
	return false
}

// Count returns the number of registered Sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CloseAll asks every registered Session to shut down. Entries are removed
// by the Sessions themselves as they finish teardown.
func (r *Registry) CloseAll() int {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	for _, s := range sessions {
		s.Close()
	}
	if len(sessions) > 0 {
		r.logger.Info("closing all relay sessions", "count", len(sessions))
	}
	return len(sessions)
}
