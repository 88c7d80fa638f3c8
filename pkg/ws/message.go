// Package ws provides the socket message envelope and type-based dispatch
// shared by the client and executor WebSocket surfaces.
package ws

import (
	"encoding/json"
	"time"
)

// Envelope is the minimal header present on every socket message. Type is
// the discriminator; ID is an optional client-assigned correlation id echoed
// on direct replies.
type Envelope struct {
	ID   string `json:"id,omitempty"`
	Type string `json:"type"`
}

// Peek decodes just the envelope of a raw message.
func Peek(raw []byte) (Envelope, error) {
	var env Envelope
	err := json.Unmarshal(raw, &env)
	return env, err
}

// ErrorMessage is the error reply sent on a socket.
type ErrorMessage struct {
	Type      string    `json:"type"`
	ID        string    `json:"id,omitempty"`
	Code      string    `json:"code"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// TypeError is the discriminator of ErrorMessage.
const TypeError = "error"

// Error codes used on socket error replies.
const (
	ErrorCodeBadRequest    = "BAD_REQUEST"
	ErrorCodeNotFound      = "NOT_FOUND"
	ErrorCodeInternalError = "INTERNAL_ERROR"
	ErrorCodeUnauthorized  = "UNAUTHORIZED"
	ErrorCodeValidation    = "VALIDATION_ERROR"
	ErrorCodeUnknownType   = "UNKNOWN_TYPE"
)

// NewError marshals an error reply for the given correlation id.
func NewError(id, code, message string) []byte {
	data, err := json.Marshal(ErrorMessage{
		Type:      TypeError,
		ID:        id,
		Code:      code,
		Message:   message,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return []byte(`{"type":"error","code":"INTERNAL"}`)
	}
	return data
}

// Marshal encodes any typed message, panicking only on programmer error
// (unmarshalable payloads are a bug, not an input condition).
func Marshal(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic("ws: marshal message: " + err.Error())
	}
	return data
}
