// Package ipc provides the admin surface of a node over a Unix socket.
// Each connection carries one JSON request and one JSON response.
package ipc

import (
	"encoding/json"
	"errors"
	"fmt"
	"syscall"
	"time"

	"github.com/felixgeelhaar/objclass/internal/domain/objclass"
)

// MessageType identifies the type of IPC message.
type MessageType string

const (
	// MessageTypeStatusRequest requests node status.
	MessageTypeStatusRequest MessageType = "status_request"
	// MessageTypeListRequest requests the class list.
	MessageTypeListRequest MessageType = "list_request"
	// MessageTypeReloadRequest unloads a class so the next open loads it fresh.
	MessageTypeReloadRequest MessageType = "reload_request"
	// MessageTypeDisableRequest unloads a class and keeps it blocked.
	MessageTypeDisableRequest MessageType = "disable_request"
	// MessageTypeUnblockRequest lifts a disable.
	MessageTypeUnblockRequest MessageType = "unblock_request"
	// MessageTypeExecRequest invokes a method.
	MessageTypeExecRequest MessageType = "exec_request"

	// MessageTypeStatusResponse contains node status.
	MessageTypeStatusResponse MessageType = "status_response"
	// MessageTypeListResponse contains the class list.
	MessageTypeListResponse MessageType = "list_response"
	// MessageTypeResultResponse answers reload, disable and unblock.
	MessageTypeResultResponse MessageType = "result_response"
	// MessageTypeExecResponse contains a method's status and output.
	MessageTypeExecResponse MessageType = "exec_response"
	// MessageTypeErrorResponse contains error details.
	MessageTypeErrorResponse MessageType = "error_response"
)

// Message is the envelope for all IPC messages.
type Message struct {
	Type      MessageType     `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewMessage creates a new message with the given type and payload.
func NewMessage(msgType MessageType, requestID string, payload interface{}) (*Message, error) {
	var payloadBytes json.RawMessage
	if payload != nil {
		var err error
		payloadBytes, err = json.Marshal(payload)
		if err != nil {
			return nil, err
		}
	}

	return &Message{
		Type:      msgType,
		RequestID: requestID,
		Timestamp: time.Now(),
		Payload:   payloadBytes,
	}, nil
}

// StatusResponse is the payload for a status response.
type StatusResponse struct {
	Version  string `json:"version,omitempty"`
	PID      int    `json:"pid"`
	ClassDir string `json:"class_dir"`
	Classes  int    `json:"classes"`
	Open     int    `json:"open"`
}

// ListResponse is the payload for a list response.
type ListResponse struct {
	Classes []objclass.ClassInfo `json:"classes"`
}

// ClassRequest names the class of a reload, disable or unblock request.
type ClassRequest struct {
	Class string `json:"class"`
}

// ResultResponse is the payload for a reload, disable or unblock response.
type ResultResponse struct {
	Class   string `json:"class"`
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Errno   int    `json:"errno"`
}

// ExecRequest is the payload for an exec request.
type ExecRequest struct {
	Class  string `json:"class"`
	Method string `json:"method"`
	Input  []byte `json:"input,omitempty"`
	// TimeoutMillis bounds the open; 0 probes, negative waits forever.
	TimeoutMillis int64 `json:"timeout_ms"`
}

// ExecResponse is the payload for an exec response. Status is the
// method's own return value.
type ExecResponse struct {
	Class  string `json:"class"`
	Method string `json:"method"`
	Status int    `json:"status"`
	Output []byte `json:"output,omitempty"`
}

// ErrorResponse is the payload for an error response.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Errno   int    `json:"errno"`
}

// Common error codes
const (
	ErrorCodeInvalidRequest   = "invalid_request"
	ErrorCodeNotFound         = "not_found"
	ErrorCodePermissionDenied = "permission_denied"
	ErrorCodeBlocked          = "blocked"
	ErrorCodeTimeout          = "timeout"
	ErrorCodeShutdown         = "shutdown"
	ErrorCodeInternalError    = "internal_error"
)

// errorCode classifies err for an ErrorResponse.
func errorCode(err error) string {
	switch {
	case objclass.IsNotFound(err), errors.Is(err, objclass.ErrMethodNotFound),
		errors.Is(err, objclass.ErrDependencyUnresolved):
		return ErrorCodeNotFound
	case errors.Is(err, objclass.ErrPermissionDenied):
		return ErrorCodePermissionDenied
	case objclass.IsBlocked(err):
		return ErrorCodeBlocked
	case objclass.IsTimeout(err):
		return ErrorCodeTimeout
	case errors.Is(err, objclass.ErrShutdown):
		return ErrorCodeShutdown
	case errors.Is(err, objclass.ErrInvalidName):
		return ErrorCodeInvalidRequest
	default:
		return ErrorCodeInternalError
	}
}

// RemoteError is an error reported by the node.
type RemoteError struct {
	Code    string
	Message string
	Errno   int
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches RemoteErrors by code.
func (e *RemoteError) Is(target error) bool {
	if t, ok := target.(*RemoteError); ok {
		return e.Code == t.Code
	}
	return false
}

// invalidRequest is the errno of a malformed request.
var invalidRequest = -int(syscall.EINVAL)
