package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage creates a server-originated message with the current timestamp.
func NewMessage(msgType string, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Message{
		Type:      msgType,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Server → Client message types.
const (
	TypeSessionUpdate = "session.update"
	TypeSessionLines  = "session.lines"
	TypeSessionResult = "session.result"
	TypeProverStatus  = "prover.status"
	TypeError         = "error"
)

// Client → Server message types.
const (
	TypeSessionSubscribe        = "session.subscribe"
	TypeSessionStart            = "session.start"
	TypeSessionStartInteractive = "session.startInteractive"
	TypeSessionSelect           = "session.select"
	TypeSessionReset            = "session.reset"
)

// Error codes.
const (
	ErrEmptyInput          = "EMPTY_INPUT"
	ErrLaunchError         = "LAUNCH_ERROR"
	ErrProverRejectedInput = "PROVER_REJECTED_INPUT"
	ErrTimeout             = "TIMEOUT"
	ErrInvalidState        = "INVALID_STATE"
	ErrInvalidRequest      = "INVALID_REQUEST"
	ErrSessionNotFound     = "SESSION_NOT_FOUND"
	ErrMaxSessions         = "MAX_SESSIONS"
	ErrInternal            = "INTERNAL"
)

// Server → Client payloads.

type SessionUpdatePayload struct {
	ID        string `json:"id"`
	State     string `json:"state"`
	Outcome   string `json:"outcome,omitempty"`
	Error     string `json:"error,omitempty"`
	UpdatedAt string `json:"updatedAt"`
}

type SessionLinesPayload struct {
	SessionID string    `json:"sessionId"`
	Lines     []LineDTO `json:"lines"`
}

type ProverStatusPayload struct {
	Executable string `json:"executable"`
	Available  bool   `json:"available"`
	Error      string `json:"error,omitempty"`
}

type ErrorPayload struct {
	Message   string `json:"message"`
	Code      string `json:"code"`
	SessionID string `json:"sessionId,omitempty"`
}

// Client → Server payloads.

type SessionIDPayload struct {
	SessionID string `json:"sessionId" validate:"required"`
}

type SessionStartPayload struct {
	SessionID string `json:"sessionId" validate:"required"`
	StartRequest
}

type SessionSelectPayload struct {
	SessionID string `json:"sessionId" validate:"required"`
	SelectRequest
}
