package handler

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	sessionCookieName    = "study_session"
	completionCookieName = "game_completed"
	sessionTTL           = 30 * time.Minute
)

// Session tracks one browser's progress through the stage flow. Stage
// flags gate each endpoint on the previous stage having been visited.
type Session struct {
	Token         string
	ParticipantID string // pre-generated user handle, becomes the record id
	CurrentName   string // current record filename, changes on renames
	Registered    bool
	Age           string
	Gender        string
	Stages        map[string]bool
	StimulusOrder []string
	CreatedAt     time.Time
	LastSeen      time.Time
}

// Sessions is an in-memory browser-session manager. Entries expire after
// sessionTTL of inactivity and are dropped by a background sweep.
type Sessions struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewSessions creates an empty session manager.
func NewSessions() *Sessions {
	return &Sessions{sessions: make(map[string]*Session)}
}

// Create registers a new session and returns it.
func (m *Sessions) Create() *Session {
	now := time.Now()
	s := &Session{
		Token:     uuid.NewString(),
		Stages:    make(map[string]bool),
		CreatedAt: now,
		LastSeen:  now,
	}
	m.mu.Lock()
	m.sessions[s.Token] = s
	m.mu.Unlock()
	return s
}

// Get returns the live session for a token, or nil when the token is
// unknown or expired.
func (m *Sessions) Get(token string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[token]
	if !ok {
		return nil
	}
	if time.Since(s.LastSeen) > sessionTTL {
		delete(m.sessions, token)
		return nil
	}
	s.LastSeen = time.Now()
	return s
}

// Delete removes a session.
func (m *Sessions) Delete(token string) {
	m.mu.Lock()
	delete(m.sessions, token)
	m.mu.Unlock()
}

// Count returns the number of live sessions.
func (m *Sessions) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Sweep drops sessions idle longer than the TTL and reports how many.
func (m *Sessions) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for token, s := range m.sessions {
		if time.Since(s.LastSeen) > sessionTTL {
			delete(m.sessions, token)
			removed++
		}
	}
	return removed
}

// ParticipantHandle generates a short opaque participant id of the form
// user_<6 hex chars>.
func ParticipantHandle() (string, error) {
	b := make([]byte, 3)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "user_" + hex.EncodeToString(b), nil
}

// session returns the request's live session, creating one (and setting
// the cookie) when none exists.
func (h *Handler) session(w http.ResponseWriter, r *http.Request) *Session {
	if c, err := r.Cookie(sessionCookieName); err == nil {
		if s := h.sessions.Get(c.Value); s != nil {
			return s
		}
	}
	s := h.sessions.Create()
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    s.Token,
		Path:     "/",
		HttpOnly: true,
		Secure:   h.config.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
	return s
}

// currentSession returns the request's live session without creating one.
func (h *Handler) currentSession(r *http.Request) *Session {
	c, err := r.Cookie(sessionCookieName)
	if err != nil {
		return nil
	}
	return h.sessions.Get(c.Value)
}

// completed reports whether this browser already finished a run.
func completed(r *http.Request) bool {
	c, err := r.Cookie(completionCookieName)
	return err == nil && c.Value == "true"
}

// setCompletionCookie marks this browser as done for a year.
func (h *Handler) setCompletionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     completionCookieName,
		Value:    "true",
		Path:     "/",
		MaxAge:   60 * 60 * 24 * 365,
		HttpOnly: true,
		Secure:   h.config.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}
