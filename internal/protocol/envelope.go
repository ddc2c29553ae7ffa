// ABOUTME: Request/response envelope types and stable error codes
// ABOUTME: Provides correlation id generation and the CallError failure type

package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stable numeric error codes carried in failure responses.
const (
	CodeTimeout            = 1001
	CodeUserOffline        = 1002
	CodeInvalidRequest     = 1003
	CodeUnknownAction      = 1004
	CodeClientError        = 1101
	CodeUserRejected       = 1102
	CodeUserCancelled      = 1103
	CodePermissionDenied   = 1104
	CodeServerError        = 1201
	CodeServiceUnavailable = 1202
)

// Request is the client half of the call/response envelope.
type Request struct {
	RequestID string          `json:"requestId"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

// Response is the server half of the call/response envelope. Data is nil
// when Success is false; Error is nil when Success is true.
type Response struct {
	RequestID string          `json:"requestId"`
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data"`
	Error     *ErrorInfo      `json:"error"`
	Timestamp int64           `json:"timestamp"`
}

// ErrorInfo is the error object inside a failure response.
type ErrorInfo struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Frame is one websocket message: an event name plus its payload.
type Frame struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// NewRequestID returns a correlation id unique within this process:
// unix-millis timestamp plus a random suffix.
func NewRequestID() string {
	return fmt.Sprintf("%d-%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}

// NewRequest builds a Request envelope around an already-marshaled payload.
func NewRequest(requestID string, data json.RawMessage) Request {
	return Request{
		RequestID: requestID,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}
}

// NewResponse builds a success Response for the given request id.
func NewResponse(requestID string, data json.RawMessage) Response {
	return Response{
		RequestID: requestID,
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}
}

// NewErrorResponse builds a failure Response with a stable error code.
func NewErrorResponse(requestID string, code int, message string) Response {
	return Response{
		RequestID: requestID,
		Success:   false,
		Error:     &ErrorInfo{Code: code, Message: message},
		Timestamp: time.Now().UnixMilli(),
	}
}

// CallError is the rejection carried by a failed call: the server-supplied
// (or locally synthesized) code and message.
type CallError struct {
	Code    int
	Message string
}

// Error implements the error interface.
func (e *CallError) Error() string {
	return fmt.Sprintf("call failed (code %d): %s", e.Code, e.Message)
}

// IsTimeout reports whether the error is a call timeout.
func (e *CallError) IsTimeout() bool {
	return e.Code == CodeTimeout
}
