package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

// EndReason records why a session stopped.
type EndReason string

const (
	EndReasonClient   EndReason = "client"
	EndReasonReplaced EndReason = "replaced"
	EndReasonExpired  EndReason = "expired"
	EndReasonShutdown EndReason = "shutdown"
)

var ErrNotFound = errors.New("session not found")

type Session struct {
	ID             string    `json:"session_id"`
	KioskID        string    `json:"kiosk_id"`
	Status         Status    `json:"status"`
	EndReason      EndReason `json:"end_reason,omitempty"`
	FramesReceived int       `json:"frames_received"`
	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// Manager tracks scan sessions. At most one session is active at a time:
// creating a session ends the previous one.
type Manager struct {
	mu                sync.RWMutex
	sessions          map[string]*Session
	activeID          string
	inactivityTimeout time.Duration
	onEnd             func(*Session)
	now               func() time.Time
}

func NewManager(inactivityTimeout time.Duration) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 10 * time.Minute
	}
	return &Manager{
		sessions:          make(map[string]*Session),
		inactivityTimeout: inactivityTimeout,
		now:               func() time.Time { return time.Now().UTC() },
	}
}

func (m *Manager) InactivityTimeout() time.Duration { return m.inactivityTimeout }

// SetEndHook registers a callback invoked outside the lock whenever a
// session ends, whatever the reason.
func (m *Manager) SetEndHook(hook func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEnd = hook
}

func (m *Manager) Create(kioskID string) *Session {
	now := m.now()
	s := &Session{
		ID:             uuid.NewString(),
		KioskID:        kioskID,
		Status:         StatusActive,
		StartedAt:      now,
		LastActivityAt: now,
	}

	m.mu.Lock()
	var replaced *Session
	if prev, ok := m.sessions[m.activeID]; ok && prev.Status == StatusActive {
		endLocked(prev, EndReasonReplaced, now)
		replaced = clone(prev)
	}
	m.sessions[s.ID] = s
	m.activeID = s.ID
	hook := m.onEnd
	m.mu.Unlock()

	if replaced != nil && hook != nil {
		hook(replaced)
	}
	return clone(s)
}

func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

// Active returns the current active session, if any.
func (m *Manager) Active() (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[m.activeID]
	if !ok || s.Status != StatusActive {
		return nil, false
	}
	return clone(s), true
}

func (m *Manager) Touch(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.LastActivityAt = m.now()
	return nil
}

// RecordFrame counts a received frame and refreshes activity.
func (m *Manager) RecordFrame(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.FramesReceived++
	s.LastActivityAt = m.now()
	return nil
}

// End stops the session. Ending an already ended session returns it
// unchanged and does not call the end hook again.
func (m *Manager) End(sessionID string, reason EndReason) (*Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	if s.Status != StatusActive {
		out := clone(s)
		m.mu.Unlock()
		return out, nil
	}
	endLocked(s, reason, m.now())
	if m.activeID == s.ID {
		m.activeID = ""
	}
	out := clone(s)
	hook := m.onEnd
	m.mu.Unlock()

	if hook != nil {
		hook(out)
	}
	return out, nil
}

// EndAll ends every active session, used on shutdown.
func (m *Manager) EndAll(reason EndReason) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id, s := range m.sessions {
		if s.Status == StatusActive {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()
	for _, id := range ids {
		_, _ = m.End(id, reason)
	}
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireInactive()
			}
		}
	}()
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, s := range m.sessions {
		if s.Status == StatusActive {
			count++
		}
	}
	return count
}

func (m *Manager) expireInactive() {
	now := m.now()
	var expired []*Session

	m.mu.Lock()
	for id, s := range m.sessions {
		if s.Status != StatusActive {
			// Ended sessions are kept for one more timeout so clients can
			// still read their final state.
			if now.Sub(s.LastActivityAt) >= m.inactivityTimeout {
				delete(m.sessions, id)
			}
			continue
		}
		if now.Sub(s.LastActivityAt) < m.inactivityTimeout {
			continue
		}
		endLocked(s, EndReasonExpired, now)
		if m.activeID == id {
			m.activeID = ""
		}
		expired = append(expired, clone(s))
	}
	hook := m.onEnd
	m.mu.Unlock()

	if hook != nil {
		for _, s := range expired {
			hook(s)
		}
	}
}

func endLocked(s *Session, reason EndReason, now time.Time) {
	s.Status = StatusEnded
	s.EndReason = reason
	s.LastActivityAt = now
}

func clone(s *Session) *Session {
	c := *s
	return &c
}
