package session

import (
	"time"

	"github.com/ent0n29/gradescanner/internal/protocol"
)

// CreateRequest defines payload for creating a new scan session.
type CreateRequest struct {
	KioskID string `json:"kiosk_id"`
}

// CreateResponse returns created session metadata and the state the kiosk
// should render first.
type CreateResponse struct {
	SessionID         string                   `json:"session_id"`
	KioskID           string                   `json:"kiosk_id"`
	Status            Status                   `json:"status"`
	StartedAt         time.Time                `json:"started_at"`
	LastActivityAt    time.Time                `json:"last_activity_at"`
	InactivityTTLMS   int64                    `json:"inactivity_ttl_ms"`
	CaptureIntervalMS int64                    `json:"capture_interval_ms"`
	Snapshot          protocol.SessionSnapshot `json:"snapshot"`
}

// IntentRequest is the REST form of a client_intent message.
type IntentRequest struct {
	Action string `json:"action"`
	Value  int    `json:"value"`
}

// StateResponse is a session plus its current workflow snapshot.
type StateResponse struct {
	Session  *Session                 `json:"session"`
	Snapshot protocol.SessionSnapshot `json:"snapshot"`
}

// IntentResponse reports what an intent did and the resulting state.
type IntentResponse struct {
	Outcome  string                   `json:"outcome"`
	Snapshot protocol.SessionSnapshot `json:"snapshot"`
}
