package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"chatnest/internal/core/domain"
)

// ErrorCode represents application error codes
type ErrorCode string

const (
	ErrCodeIdentityTaken      ErrorCode = "IDENTITY_TAKEN"
	ErrCodePeerUnreachable    ErrorCode = "PEER_UNREACHABLE"
	ErrCodeChannelClosed      ErrorCode = "CHANNEL_CLOSED"
	ErrCodeMediaDenied        ErrorCode = "MEDIA_ACCESS_DENIED"
	ErrCodeCallBusy           ErrorCode = "CALL_BUSY"
	ErrCodeInvalidInput       ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound           ErrorCode = "NOT_FOUND"
	ErrCodeQuota              ErrorCode = "QUOTA_EXCEEDED"
	ErrCodeAssistant          ErrorCode = "ASSISTANT_UNAVAILABLE"
	ErrCodeRateLimited        ErrorCode = "RATE_LIMITED"
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	ErrCodeInternal           ErrorCode = "INTERNAL_ERROR"
)

// AppError represents an application error with code and context
type AppError struct {
	Code        ErrorCode
	Message     string
	Recoverable bool
	Cause       error
	Context     map[string]interface{}
}

// Error implements error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewAppError creates a new application error
func NewAppError(code ErrorCode, message string, recoverable bool) *AppError {
	return &AppError{
		Code:        code,
		Message:     message,
		Recoverable: recoverable,
		Context:     make(map[string]interface{}),
	}
}

// WrapError wraps an existing error with application error
func WrapError(err error, code ErrorCode, message string, recoverable bool) *AppError {
	return &AppError{
		Code:        code,
		Message:     message,
		Recoverable: recoverable,
		Cause:       err,
		Context:     make(map[string]interface{}),
	}
}

// GetAppError extracts AppError from error chain
func GetAppError(err error) *AppError {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return nil
}

var taxonomy = []struct {
	sentinel    error
	code        ErrorCode
	message     string
	recoverable bool
}{
	{domain.ErrIdentityTaken, ErrCodeIdentityTaken, "that ID is already online somewhere else, pick another one or try again", false},
	{domain.ErrNotRegistered, ErrCodeServiceUnavailable, "not connected to the network yet, try again in a moment", true},
	{domain.ErrPeerUnreachable, ErrCodePeerUnreachable, "could not reach that ID", true},
	{domain.ErrChannelClosed, ErrCodeChannelClosed, "connection to that ID dropped, it will reconnect on your next message", true},
	{domain.ErrMediaAccessDenied, ErrCodeMediaDenied, "camera or microphone access was denied", true},
	{domain.ErrCallBusy, ErrCodeCallBusy, "finish the current call first", true},
	{domain.ErrInvalidCallState, ErrCodeInvalidInput, "that call action is not available right now", true},
	{domain.ErrMediaTooLarge, ErrCodeInvalidInput, "file too large, pick one under 1MB", true},
	{domain.ErrEmptyMessage, ErrCodeInvalidInput, "nothing to send", true},
	{domain.ErrChatNotFound, ErrCodeNotFound, "that chat no longer exists", true},
	{domain.ErrMessageNotFound, ErrCodeNotFound, "that message no longer exists", true},
	{domain.ErrNotMessageOwner, ErrCodeInvalidInput, "you can only change your own messages", true},
	{domain.ErrQuotaExceeded, ErrCodeQuota, "storage is full, older messages were removed", true},
	{domain.ErrAssistantUnavailable, ErrCodeAssistant, "the assistant is unavailable right now", true},
}

// Classify maps any error chain onto the application taxonomy.
func Classify(err error) *AppError {
	if err == nil {
		return nil
	}
	if appErr := GetAppError(err); appErr != nil {
		return appErr
	}
	for _, t := range taxonomy {
		if stderrors.Is(err, t.sentinel) {
			return WrapError(err, t.code, t.message, t.recoverable)
		}
	}
	return WrapError(err, ErrCodeInternal, "something went wrong, please try again", true)
}

// UserMessage returns the terse sentence shown to the user for err.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	return Classify(err).Message
}

// HTTPStatus maps an error code onto the status the rendezvous HTTP surface
// replies with.
func HTTPStatus(code ErrorCode) int {
	switch code {
	case ErrCodeInvalidInput:
		return http.StatusBadRequest
	case ErrCodeNotFound, ErrCodePeerUnreachable:
		return http.StatusNotFound
	case ErrCodeIdentityTaken, ErrCodeCallBusy:
		return http.StatusConflict
	case ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case ErrCodeServiceUnavailable, ErrCodeAssistant:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
