package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode represents application error codes
type ErrorCode string

const (
	ErrCodeInvalidInput       ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound           ErrorCode = "NOT_FOUND"
	ErrCodeConflict           ErrorCode = "CONFLICT"
	ErrCodeRateLimit          ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal           ErrorCode = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"

	// Signaling error codes, returned to peers in the error envelope.
	ErrCodeTransportNotFound     ErrorCode = "TRANSPORT_NOT_FOUND"
	ErrCodeInvalidPayload        ErrorCode = "INVALID_PAYLOAD"
	ErrCodeInvalidMediaKind      ErrorCode = "INVALID_MEDIA_KIND"
	ErrCodeCapabilityMismatch    ErrorCode = "CAPABILITY_MISMATCH"
	ErrCodeNoBroadcaster         ErrorCode = "NO_BROADCASTER"
	ErrCodeNoConsumableProducers ErrorCode = "NO_CONSUMABLE_PRODUCERS"
	ErrCodeEngineUnavailable     ErrorCode = "ENGINE_UNAVAILABLE"
	ErrCodeEngineCallFailed      ErrorCode = "ENGINE_CALL_FAILED"
	ErrCodeEngineTimeout         ErrorCode = "ENGINE_TIMEOUT"
	ErrCodeProducerNotFound      ErrorCode = "PRODUCER_NOT_FOUND"
	ErrCodePeerNotFound          ErrorCode = "PEER_NOT_FOUND"
	ErrCodeBroadcasterExists     ErrorCode = "BROADCASTER_EXISTS"
	ErrCodeRoleConflict          ErrorCode = "ROLE_CONFLICT"
	ErrCodeUnknownMessage        ErrorCode = "UNKNOWN_MESSAGE"
)

// AppError represents an application error with code and context
type AppError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Cause      error
	Context    map[string]interface{}
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

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

func NewAppError(code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Context:    make(map[string]interface{}),
	}
}

// WrapError wraps an existing error with application error
func WrapError(err error, code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Cause:      err,
		Context:    make(map[string]interface{}),
	}
}

func NewInvalidInputError(message string) *AppError {
	return NewAppError(ErrCodeInvalidInput, message, http.StatusBadRequest)
}

func NewInvalidPayloadError(message string) *AppError {
	return NewAppError(ErrCodeInvalidPayload, message, http.StatusBadRequest)
}

func NewNotFoundError(resource string) *AppError {
	return NewAppError(ErrCodeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound)
}

func NewConflictError(message string) *AppError {
	return NewAppError(ErrCodeConflict, message, http.StatusConflict)
}

func NewRateLimitError() *AppError {
	return NewAppError(ErrCodeRateLimit, "rate limit exceeded", http.StatusTooManyRequests)
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrCodeInternal, message, http.StatusInternalServerError)
}

func NewServiceUnavailableError(message string) *AppError {
	return NewAppError(ErrCodeServiceUnavailable, message, http.StatusServiceUnavailable)
}

// IsAppError checks if err or anything it wraps is an AppError
func IsAppError(err error) bool {
	return GetAppError(err) != nil
}

// GetAppError extracts AppError from error chain
func GetAppError(err error) *AppError {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return nil
}

// Rule maps a sentinel error onto an application error code.
type Rule struct {
	Target     error
	Code       ErrorCode
	HTTPStatus int
}

// Translate converts err into an AppError using the first rule whose target
// matches via errors.Is. AppErrors pass through unchanged; anything else
// becomes INTERNAL_ERROR.
func Translate(err error, rules []Rule) *AppError {
	if err == nil {
		return nil
	}
	if appErr := GetAppError(err); appErr != nil {
		return appErr
	}
	for _, rule := range rules {
		if stderrors.Is(err, rule.Target) {
			return WrapError(err, rule.Code, err.Error(), rule.HTTPStatus)
		}
	}
	return WrapError(err, ErrCodeInternal, "internal error", http.StatusInternalServerError)
}
