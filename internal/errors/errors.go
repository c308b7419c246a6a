package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	CategoryClient    ErrorCategory = "client"
	CategoryServer    ErrorCategory = "server"
	CategoryExternal  ErrorCategory = "external"
	CategoryCancelled ErrorCategory = "cancelled"
)

// Common error codes
const (
	// Client errors (4xx)
	CodeValidationError = "VALIDATION_ERROR"
	CodeInvalidRequest  = "INVALID_REQUEST"
	CodeUnauthorized    = "UNAUTHORIZED"
	CodeForbidden       = "FORBIDDEN"
	CodeNotFound        = "NOT_FOUND"
	CodeConflict        = "CONFLICT"

	// API authentication
	CodeInvalidToken = "INVALID_TOKEN"
	CodeTokenExpired = "TOKEN_EXPIRED"

	// Resource specific
	CodeBatchNotFound    = "BATCH_NOT_FOUND"
	CodeJobNotFound      = "JOB_NOT_FOUND"
	CodeUnsupportedMedia = "UNSUPPORTED_MEDIA"

	// Server errors (5xx)
	CodeInternalError = "INTERNAL_ERROR"
	CodeDatabaseError = "DATABASE_ERROR"
	CodeStorageError  = "STORAGE_ERROR"
	CodeDiskWrite     = "DISK_WRITE"
	CodeMetadataWrite = "METADATA_WRITE"

	// External service errors
	CodeCatalogError      = "CATALOG_ERROR"
	CodeTransient         = "TRANSIENT"
	CodeRateLimited       = "RATE_LIMITED"
	CodeExternalTimeout   = "EXTERNAL_TIMEOUT"
	CodeAuthRejected      = "AUTH_REJECTED"
	CodeAssetNotFound     = "ASSET_NOT_FOUND"
	CodeInvalidResponse   = "INVALID_RESPONSE"
	CodeRetriesExhausted  = "RETRIES_EXHAUSTED"
	CodeDownloadCancelled = "CANCELLED"
)

// fatalExternalCodes are external failures that retrying cannot fix.
var fatalExternalCodes = map[string]bool{
	CodeAuthRejected:     true,
	CodeAssetNotFound:    true,
	CodeInvalidResponse:  true,
	CodeRetriesExhausted: true,
}

// AppError represents a structured application error
type AppError struct {
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	Category   ErrorCategory  `json:"-"`
	HTTPStatus int            `json:"-"`
	Details    map[string]any `json:"details,omitempty"`
	Cause      error          `json:"-"`
}

// Error implements the error interface
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

// WithDetails adds details to the error
func (e *AppError) WithDetails(details map[string]any) *AppError {
	e.Details = details
	return e
}

// WithCause sets the underlying cause of the error
func (e *AppError) WithCause(err error) *AppError {
	e.Cause = err
	return e
}

// ErrorResponse is the JSON structure returned to clients
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody contains the error details
type ErrorBody struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// New creates a new AppError
func New(code string, message string, category ErrorCategory, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		Category:   category,
		HTTPStatus: httpStatus,
	}
}

// As extracts an *AppError from anywhere in err's chain.
func As(err error) (*AppError, bool) {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// Client error constructors

func BadRequest(message string) *AppError {
	return New(CodeInvalidRequest, message, CategoryClient, http.StatusBadRequest)
}

func ValidationError(message string) *AppError {
	return New(CodeValidationError, message, CategoryClient, http.StatusBadRequest)
}

func Unauthorized(message string) *AppError {
	return New(CodeUnauthorized, message, CategoryClient, http.StatusUnauthorized)
}

func Forbidden(message string) *AppError {
	return New(CodeForbidden, message, CategoryClient, http.StatusForbidden)
}

func InvalidToken(message string) *AppError {
	return New(CodeInvalidToken, message, CategoryClient, http.StatusUnauthorized)
}

func TokenExpired() *AppError {
	return New(CodeTokenExpired, "token has expired", CategoryClient, http.StatusUnauthorized)
}

func NotFound(resource string) *AppError {
	return New(CodeNotFound, fmt.Sprintf("%s not found", resource), CategoryClient, http.StatusNotFound)
}

func BatchNotFound() *AppError {
	return New(CodeBatchNotFound, "batch not found", CategoryClient, http.StatusNotFound)
}

func JobNotFound() *AppError {
	return New(CodeJobNotFound, "job not found", CategoryClient, http.StatusNotFound)
}

func Conflict(message string) *AppError {
	return New(CodeConflict, message, CategoryClient, http.StatusConflict)
}

func UnsupportedMedia(mediaType string) *AppError {
	return New(CodeUnsupportedMedia, fmt.Sprintf("unsupported media type: %s", mediaType), CategoryClient, http.StatusBadRequest)
}

// Server error constructors

func InternalError(message string) *AppError {
	return New(CodeInternalError, message, CategoryServer, http.StatusInternalServerError)
}

func DatabaseError(message string) *AppError {
	return New(CodeDatabaseError, message, CategoryServer, http.StatusInternalServerError)
}

func StorageError(message string) *AppError {
	return New(CodeStorageError, message, CategoryServer, http.StatusInternalServerError)
}

func DiskWrite(path string) *AppError {
	return New(CodeDiskWrite, fmt.Sprintf("failed to write %s", path), CategoryServer, http.StatusInternalServerError)
}

func MetadataWrite(path string) *AppError {
	return New(CodeMetadataWrite, fmt.Sprintf("failed to tag %s", path), CategoryServer, http.StatusInternalServerError)
}

// External service error constructors

func CatalogError(message string) *AppError {
	return New(CodeCatalogError, message, CategoryExternal, http.StatusBadGateway)
}

func Transient(message string) *AppError {
	return New(CodeTransient, message, CategoryExternal, http.StatusBadGateway)
}

func RateLimited() *AppError {
	return New(CodeRateLimited, "rate limit exceeded", CategoryExternal, http.StatusTooManyRequests)
}

func ExternalTimeout(service string) *AppError {
	return New(CodeExternalTimeout, fmt.Sprintf("%s request timed out", service), CategoryExternal, http.StatusGatewayTimeout)
}

func AuthRejected(message string) *AppError {
	return New(CodeAuthRejected, message, CategoryExternal, http.StatusBadGateway)
}

func AssetNotFound(asset string) *AppError {
	return New(CodeAssetNotFound, fmt.Sprintf("asset %s not found", asset), CategoryExternal, http.StatusNotFound)
}

func InvalidResponse(message string) *AppError {
	return New(CodeInvalidResponse, message, CategoryExternal, http.StatusBadGateway)
}

func RetriesExhausted(attempts int) *AppError {
	return New(CodeRetriesExhausted, fmt.Sprintf("gave up after %d attempts", attempts), CategoryExternal, http.StatusBadGateway)
}

func Cancelled() *AppError {
	return New(CodeDownloadCancelled, "cancelled", CategoryCancelled, http.StatusConflict)
}

// WriteError writes an error response to the HTTP response writer
func WriteError(w http.ResponseWriter, requestID string, err error) {
	appErr, ok := As(err)
	if !ok {
		// Wrap unknown errors as internal errors
		appErr = InternalError("an unexpected error occurred").WithCause(err)
	}

	resp := ErrorResponse{
		Error: ErrorBody{
			Code:      appErr.Code,
			Message:   appErr.Message,
			RequestID: requestID,
			Details:   appErr.Details,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	if requestID != "" {
		w.Header().Set("X-Request-ID", requestID)
	}
	w.WriteHeader(appErr.HTTPStatus)
	json.NewEncoder(w).Encode(resp)
}

// WriteJSON writes a JSON response with the request ID header
func WriteJSON(w http.ResponseWriter, requestID string, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	if requestID != "" {
		w.Header().Set("X-Request-ID", requestID)
	}
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// IsRetryable returns true if the error is retryable
func IsRetryable(err error) bool {
	appErr, ok := As(err)
	if !ok {
		return false
	}

	switch appErr.Category {
	case CategoryExternal:
		return !fatalExternalCodes[appErr.Code]
	case CategoryServer:
		// Local disk and database failures do not heal by retrying the transfer.
		switch appErr.Code {
		case CodeDatabaseError, CodeDiskWrite, CodeMetadataWrite:
			return false
		}
		return true
	default:
		return false
	}
}

// IsCancelled returns true if the error represents a user-initiated cancellation
func IsCancelled(err error) bool {
	appErr, ok := As(err)
	if !ok {
		return false
	}
	return appErr.Category == CategoryCancelled
}

// IsClientError returns true if the error is a client error
func IsClientError(err error) bool {
	appErr, ok := As(err)
	if !ok {
		return false
	}
	return appErr.Category == CategoryClient
}

// IsServerError returns true if the error is a server error
func IsServerError(err error) bool {
	appErr, ok := As(err)
	if !ok {
		return false
	}
	return appErr.Category == CategoryServer
}

// IsExternalError returns true if the error is an external service error
func IsExternalError(err error) bool {
	appErr, ok := As(err)
	if !ok {
		return false
	}
	return appErr.Category == CategoryExternal
}

// CodeOf returns the AppError code in err's chain, or "" if none.
func CodeOf(err error) string {
	if appErr, ok := As(err); ok {
		return appErr.Code
	}
	return ""
}
