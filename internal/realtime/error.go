package realtime

import (
	"errors"
	"fmt"
)

// ErrConnectionClosed is returned by Send once the connection is closed.
var ErrConnectionClosed = errors.New("realtime: connection closed")

// APIError is the payload of a server "error" event.
type APIError struct {
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Param   string `json:"param,omitempty"`
	EventID string `json:"event_id,omitempty"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("realtime: %s: %s", e.Code, e.Message)
	}
	if e.Type != "" {
		return fmt.Sprintf("realtime: %s: %s", e.Type, e.Message)
	}
	return "realtime: " + e.Message
}

// UpstreamError reports that the realtime connection failed to open or ended
// without the relay closing it.
type UpstreamError struct {
	Op         string // "dial", "configure", "read"
	StatusCode int    // handshake HTTP status, when the server answered
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("realtime %s failed (http %d): %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("realtime %s failed: %v", e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }
