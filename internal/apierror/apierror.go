package apierror

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Error is an API error with a stable machine-readable code. It renders as
//
//	{"error":{"code":...,"message":...},"correlationId":...,"requestId":...}
//
// where correlationId and requestId both carry the request correlation id.
type Error struct {
	Status     int
	Code       string
	Message    string
	Extra      map[string]any // additional top-level envelope fields
	underlying error
}

func (e *Error) Error() string {
	if e.underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.underlying)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.underlying
}

// Common errors. These are the base values for the gateway's error code
// taxonomy; handlers derive request-specific variants via WithMessage and
// WithExtra.
var (
	ErrMissingRequired = &Error{
		Status:  http.StatusBadRequest,
		Code:    "MISSING_REQUIRED",
		Message: "Missing required field",
	}

	ErrInvalidFunctionID = &Error{
		Status:  http.StatusBadRequest,
		Code:    "INVALID_FUNCTION_ID",
		Message: "Invalid function id",
	}

	ErrInvalidJSON = &Error{
		Status:  http.StatusBadRequest,
		Code:    "VALIDATION_FAILED",
		Message: "Invalid JSON body",
	}

	ErrValidationFailed = &Error{
		Status:  http.StatusBadRequest,
		Code:    "VALIDATION_FAILED",
		Message: "Validation failed",
	}

	ErrFunctionNotFound = &Error{
		Status:  http.StatusNotFound,
		Code:    "FUNCTION_NOT_FOUND",
		Message: "Function not found",
	}

	ErrTaskNotFound = &Error{
		Status:  http.StatusNotFound,
		Code:    "TASK_NOT_FOUND",
		Message: "Task not found",
	}

	ErrNotFound = &Error{
		Status:  http.StatusNotFound,
		Code:    "NOT_FOUND",
		Message: "Not found",
	}

	ErrMethodNotAllowed = &Error{
		Status:  http.StatusMethodNotAllowed,
		Code:    "METHOD_NOT_ALLOWED",
		Message: "Method not allowed",
	}

	ErrPayloadTooLarge = &Error{
		Status:  http.StatusRequestEntityTooLarge,
		Code:    "PAYLOAD_TOO_LARGE",
		Message: "Request body too large",
	}

	ErrCSRFInvalid = &Error{
		Status:  http.StatusForbidden,
		Code:    "CSRF_INVALID",
		Message: "CSRF token validation failed",
	}

	ErrUnauthenticated = &Error{
		Status:  http.StatusUnauthorized,
		Code:    "UNAUTHENTICATED",
		Message: "Authentication required",
	}

	ErrAuthNotConfigured = &Error{
		Status:  http.StatusNotImplemented,
		Code:    "AUTH_NOT_CONFIGURED",
		Message: "No credential backend configured",
	}

	ErrRateLimited = &Error{
		Status:  http.StatusTooManyRequests,
		Code:    "RATE_LIMITED",
		Message: "Rate limit exceeded",
	}

	ErrExecutorUnavailable = &Error{
		Status:  http.StatusNotImplemented,
		Code:    "EXECUTOR_UNAVAILABLE",
		Message: "Executor not configured",
	}

	ErrExecutionTimeout = &Error{
		Status:  http.StatusRequestTimeout,
		Code:    "EXECUTION_TIMEOUT",
		Message: "Function execution timed out",
	}

	ErrExecutionFailed = &Error{
		Status:  http.StatusInternalServerError,
		Code:    "EXECUTION_FAILED",
		Message: "Function execution failed",
	}

	ErrServiceUnavailable = &Error{
		Status:  http.StatusServiceUnavailable,
		Code:    "SERVICE_UNAVAILABLE",
		Message: "Service unavailable",
	}

	ErrTaskExpired = &Error{
		Status:  http.StatusGone,
		Code:    "TASK_EXPIRED",
		Message: "Task has expired",
	}

	ErrInvalidState = &Error{
		Status:  http.StatusBadRequest,
		Code:    "INVALID_STATE",
		Message: "Invalid state transition",
	}

	ErrInternal = &Error{
		Status:  http.StatusInternalServerError,
		Code:    "INTERNAL_ERROR",
		Message: "Internal server error",
	}
)

// prePrefix holds the envelope bytes for base error singletons up to and
// including `,"correlationId":"`. Write appends the request id to finish the
// body without re-marshaling on hot paths (401, 404, 429).
var prePrefix map[*Error][]byte

func init() {
	bases := []*Error{
		ErrMissingRequired, ErrInvalidFunctionID, ErrInvalidJSON,
		ErrValidationFailed, ErrFunctionNotFound, ErrTaskNotFound,
		ErrNotFound, ErrMethodNotAllowed, ErrPayloadTooLarge, ErrCSRFInvalid,
		ErrUnauthenticated, ErrAuthNotConfigured, ErrRateLimited,
		ErrExecutorUnavailable, ErrExecutionTimeout, ErrExecutionFailed,
		ErrServiceUnavailable, ErrTaskExpired, ErrInvalidState, ErrInternal,
	}
	prePrefix = make(map[*Error][]byte, len(bases))
	for _, e := range bases {
		body, _ := json.Marshal(map[string]string{"code": e.Code, "message": e.Message})
		buf := make([]byte, 0, len(body)+32)
		buf = append(buf, `{"error":`...)
		buf = append(buf, body...)
		buf = append(buf, `,"correlationId":"`...)
		prePrefix[e] = buf
	}
}

// New creates an Error with an explicit status and code.
func New(status int, code, message string) *Error {
	return &Error{
		Status:  status,
		Code:    code,
		Message: message,
	}
}

// Wrap attaches an underlying cause. The cause appears in logs via Error()
// but is never serialized to clients.
func Wrap(err error, status int, code, message string) *Error {
	return &Error{
		Status:     status,
		Code:       code,
		Message:    message,
		underlying: err,
	}
}

// WithMessage returns a copy with the message replaced.
func (e *Error) WithMessage(message string) *Error {
	return &Error{
		Status:     e.Status,
		Code:       e.Code,
		Message:    message,
		Extra:      e.Extra,
		underlying: e.underlying,
	}
}

// WithMessagef returns a copy with a formatted message.
func (e *Error) WithMessagef(format string, args ...any) *Error {
	return e.WithMessage(fmt.Sprintf(format, args...))
}

// WithExtra returns a copy carrying an additional top-level envelope field,
// e.g. retryAfter on rate-limit refusals.
func (e *Error) WithExtra(key string, value any) *Error {
	extra := make(map[string]any, len(e.Extra)+1)
	for k, v := range e.Extra {
		extra[k] = v
	}
	extra[key] = value
	return &Error{
		Status:     e.Status,
		Code:       e.Code,
		Message:    e.Message,
		Extra:      extra,
		underlying: e.underlying,
	}
}

// WithCause returns a copy wrapping err.
func (e *Error) WithCause(err error) *Error {
	return &Error{
		Status:     e.Status,
		Code:       e.Code,
		Message:    e.Message,
		Extra:      e.Extra,
		underlying: err,
	}
}

// Write serializes the envelope with the given correlation id and writes it
// with the error's HTTP status. Base errors use a pre-serialized prefix.
func (e *Error) Write(w http.ResponseWriter, requestID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Status)
	w.Write(e.Body(requestID))
}

// Body returns the serialized envelope without writing it.
func (e *Error) Body(requestID string) []byte {
	if prefix, ok := prePrefix[e]; ok && len(e.Extra) == 0 {
		buf := make([]byte, 0, len(prefix)+2*len(requestID)+24)
		buf = append(buf, prefix...)
		buf = append(buf, requestID...)
		buf = append(buf, `","requestId":"`...)
		buf = append(buf, requestID...)
		buf = append(buf, `"}`...)
		return buf
	}

	env := map[string]any{
		"error": map[string]string{
			"code":    e.Code,
			"message": e.Message,
		},
		"correlationId": requestID,
		"requestId":     requestID,
	}
	for k, v := range e.Extra {
		env[k] = v
	}
	b, err := json.Marshal(env)
	if err != nil {
		return []byte(`{"error":{"code":"INTERNAL_ERROR","message":"Internal server error"}}`)
	}
	return b
}

// Is reports whether err is an *Error with the same code.
func (e *Error) Is(err error) bool {
	other, ok := err.(*Error)
	return ok && other.Code == e.Code && other.Status == e.Status
}

// From extracts an *Error from err, or wraps it as INTERNAL_ERROR.
func From(err error) *Error {
	if ae, ok := err.(*Error); ok {
		return ae
	}
	return ErrInternal.WithCause(err)
}
