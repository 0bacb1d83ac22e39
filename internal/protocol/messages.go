package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientFrame     MessageType = "client_frame"
	TypeClientIntent    MessageType = "client_intent"
	TypeSessionSnapshot MessageType = "session_snapshot"
	TypeSystemEvent     MessageType = "system_event"
	TypeErrorEvent      MessageType = "error_event"
)

// Intent actions accepted in client_intent.
const (
	ActionConfirmCandidate = "confirm_candidate"
	ActionSetScore         = "set_score"
	ActionAdjustScore      = "adjust_score"
	ActionDismissForm      = "dismiss_form"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// ClientFrame is one camera frame. Format is a hint for the recognizer
// ("jpeg", "png", "text"); empty means jpeg.
type ClientFrame struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	Seq         int         `json:"seq"`
	ImageBase64 string      `json:"image_base64"`
	Format      string      `json:"format,omitempty"`
	TSMs        int64       `json:"ts_ms"`
}

func (f ClientFrame) DecodeImage() ([]byte, error) {
	img, err := base64.StdEncoding.DecodeString(f.ImageBase64)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return img, nil
}

type ClientIntent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Action    string      `json:"action"`
	Value     int         `json:"value,omitempty"`
}

type User struct {
	Name   string `json:"name"`
	Avatar string `json:"avatar"`
}

type SessionSnapshot struct {
	Type       MessageType `json:"type"`
	SessionID  string      `json:"session_id"`
	Seq        uint64      `json:"seq"`
	Generation uint64      `json:"generation"`
	Step       string      `json:"step"`
	User       *User       `json:"user,omitempty"`
	Score      int         `json:"score"`
	ScoreLabel string      `json:"score_label"`
	StatusText string      `json:"status_text"`
}

type SystemEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Detail    string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

// IsIntentAction reports whether action is a known client_intent action.
func IsIntentAction(action string) bool {
	switch action {
	case ActionConfirmCandidate, ActionSetScore, ActionAdjustScore, ActionDismissForm:
		return true
	default:
		return false
	}
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientFrame:
		var msg ClientFrame
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.ImageBase64 == "" || msg.Seq < 0 {
			return nil, errors.New("invalid client_frame")
		}
		msg.Format = strings.ToLower(strings.TrimSpace(msg.Format))
		return msg, nil
	case TypeClientIntent:
		var msg ClientIntent
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		msg.Action = strings.TrimSpace(msg.Action)
		if msg.SessionID == "" || !IsIntentAction(msg.Action) {
			return nil, errors.New("invalid client_intent")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
