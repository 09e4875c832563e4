// Package errors provides the classified error system for mediaops with
// error codes, categories, retry hints, and actionable recommendations.
package errors

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ErrorCode identifies a classified failure mode.
type ErrorCode string

const (
	// Configuration errors
	ErrCodeInvalidConfig ErrorCode = "INVALID_CONFIG"
	ErrCodeMissingConfig ErrorCode = "MISSING_CONFIG"

	// Transient provider errors (retryable)
	ErrCodeNetworkError          ErrorCode = "NETWORK_ERROR"
	ErrCodeConnectionTimeout     ErrorCode = "CONNECTION_TIMEOUT"
	ErrCodeOperationTimeout      ErrorCode = "OPERATION_TIMEOUT"
	ErrCodeServiceUnavailable    ErrorCode = "SERVICE_UNAVAILABLE"
	ErrCodeThrottled             ErrorCode = "THROTTLED"
	ErrCodeInvalidationThrottled ErrorCode = "INVALIDATION_THROTTLED"

	// Permanent provider errors (never retried)
	ErrCodeAccessDenied         ErrorCode = "ACCESS_DENIED"
	ErrCodeObjectNotFound       ErrorCode = "OBJECT_NOT_FOUND"
	ErrCodeBucketNotFound       ErrorCode = "BUCKET_NOT_FOUND"
	ErrCodeDistributionNotFound ErrorCode = "DISTRIBUTION_NOT_FOUND"
	ErrCodeQuotaExceeded        ErrorCode = "QUOTA_EXCEEDED"
	ErrCodeMalformedRequest     ErrorCode = "MALFORMED_REQUEST"

	// Validation errors (rejected synchronously)
	ErrCodeInvalidArgument ErrorCode = "INVALID_ARGUMENT"
	ErrCodeFileTooLarge    ErrorCode = "FILE_TOO_LARGE"
	ErrCodeTooManyFiles    ErrorCode = "TOO_MANY_FILES"
	ErrCodeUnsupportedType ErrorCode = "UNSUPPORTED_TYPE"
	ErrCodeMissingFile     ErrorCode = "MISSING_FILE"
	ErrCodeStorageQuota    ErrorCode = "STORAGE_QUOTA"

	// Rollback errors (rejected without side effects)
	ErrCodeExecutionActive    ErrorCode = "EXECUTION_ACTIVE"
	ErrCodeRollbackValidation ErrorCode = "ROLLBACK_VALIDATION"

	// Operation / internal errors
	ErrCodeRetryExhausted ErrorCode = "RETRY_EXHAUSTED"
	ErrCodeInternalError  ErrorCode = "INTERNAL_ERROR"
)

// ErrorCategory groups codes by the subsystem they belong to.
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryStorage       ErrorCategory = "storage"
	CategoryCDN           ErrorCategory = "cdn"
	CategoryValidation    ErrorCategory = "validation"
	CategoryRollback      ErrorCategory = "rollback"
	CategoryOperation     ErrorCategory = "operation"
	CategoryInternal      ErrorCategory = "internal"
)

// maskToken replaces credential-like context values before they reach logs.
const maskToken = "***"

// sensitiveKeyFragments flags context keys whose values must never be logged.
var sensitiveKeyFragments = []string{
	"secret", "token", "password", "credential", "access_key", "session",
}

// Error is the classified error type used across component boundaries.
// Component-local retries are invisible to callers; only a final Error
// crosses a boundary.
type Error struct {
	Code     ErrorCode              `json:"code"`
	Category ErrorCategory          `json:"category"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`

	Context   map[string]string `json:"context,omitempty"`
	Cause     error             `json:"-"`
	Timestamp time.Time         `json:"timestamp"`

	Component string `json:"component,omitempty"`
	Operation string `json:"operation,omitempty"`

	Retryable  bool `json:"retryable"`
	HTTPStatus int  `json:"http_status,omitempty"`
}

// New creates a classified error with defaults derived from the code.
func New(code ErrorCode, message string) *Error {
	return &Error{
		Code:       code,
		Category:   CategoryOf(code),
		Message:    message,
		Timestamp:  time.Now(),
		Retryable:  RetryableByDefault(code),
		HTTPStatus: HTTPStatusOf(code),
	}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Component != "" {
		if e.Operation != "" {
			return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Code, e.Message)
		}
		return fmt.Sprintf("[%s] %s: %s", e.Component, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As chains.
func (e *Error) Unwrap() error { return e.Cause }

// Is matches on error code so callers can compare against sentinel codes.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// JSON renders the error for API responses and structured logs.
func (e *Error) JSON() string {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf(`{"error":%q}`, err.Error())
	}
	return string(data)
}

// WithContext attaches a contextual field. Credential-like values are
// replaced with a mask token before they can reach a log line.
func (e *Error) WithContext(key, value string) *Error {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	if isSensitiveKey(key) {
		value = maskToken
	}
	e.Context[key] = value
	return e
}

// WithDetail attaches a structured detail value.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithComponent tags the originating component.
func (e *Error) WithComponent(component string) *Error {
	e.Component = component
	return e
}

// WithOperation tags the operation that failed.
func (e *Error) WithOperation(operation string) *Error {
	e.Operation = operation
	return e
}

// WithCause records the underlying provider error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, frag := range sensitiveKeyFragments {
		if strings.Contains(lower, frag) {
			return true
		}
	}
	return false
}

// CategoryOf maps an error code to its category.
func CategoryOf(code ErrorCode) ErrorCategory {
	switch code {
	case ErrCodeInvalidConfig, ErrCodeMissingConfig:
		return CategoryConfiguration
	case ErrCodeObjectNotFound, ErrCodeBucketNotFound, ErrCodeQuotaExceeded, ErrCodeStorageQuota:
		return CategoryStorage
	case ErrCodeDistributionNotFound, ErrCodeInvalidationThrottled:
		return CategoryCDN
	case ErrCodeInvalidArgument, ErrCodeFileTooLarge, ErrCodeTooManyFiles,
		ErrCodeUnsupportedType, ErrCodeMissingFile:
		return CategoryValidation
	case ErrCodeExecutionActive, ErrCodeRollbackValidation:
		return CategoryRollback
	case ErrCodeNetworkError, ErrCodeConnectionTimeout, ErrCodeOperationTimeout,
		ErrCodeServiceUnavailable, ErrCodeThrottled, ErrCodeAccessDenied,
		ErrCodeMalformedRequest, ErrCodeRetryExhausted:
		return CategoryOperation
	default:
		return CategoryInternal
	}
}

// RetryableByDefault reports whether a code represents a transient failure.
// The split is fixed: networking, timeouts, throttling and transient
// unavailability retry; everything else fails immediately.
func RetryableByDefault(code ErrorCode) bool {
	switch code {
	case ErrCodeNetworkError, ErrCodeConnectionTimeout, ErrCodeOperationTimeout,
		ErrCodeServiceUnavailable, ErrCodeThrottled, ErrCodeInvalidationThrottled:
		return true
	}
	return false
}

// HTTPStatusOf returns the management API status for a code.
func HTTPStatusOf(code ErrorCode) int {
	switch code {
	case ErrCodeInvalidArgument, ErrCodeMalformedRequest, ErrCodeTooManyFiles,
		ErrCodeUnsupportedType, ErrCodeMissingFile, ErrCodeInvalidConfig,
		ErrCodeRollbackValidation:
		return 400
	case ErrCodeAccessDenied:
		return 403
	case ErrCodeObjectNotFound, ErrCodeBucketNotFound, ErrCodeDistributionNotFound:
		return 404
	case ErrCodeExecutionActive:
		return 409
	case ErrCodeFileTooLarge:
		return 413
	case ErrCodeThrottled, ErrCodeInvalidationThrottled, ErrCodeQuotaExceeded:
		return 429
	case ErrCodeStorageQuota:
		return 507
	case ErrCodeServiceUnavailable:
		return 503
	case ErrCodeOperationTimeout, ErrCodeConnectionTimeout:
		return 504
	default:
		return 500
	}
}

// Recommendation returns the actionable hint attached to permanent provider
// failures. Transient codes get a generic retry note.
func (e *Error) Recommendation() string {
	recommendations := map[ErrorCode]string{
		ErrCodeAccessDenied: "Check IAM permissions: the configured credentials need " +
			"s3:GetObject, s3:PutObject, s3:DeleteObject and cloudfront:CreateInvalidation.",
		ErrCodeBucketNotFound: "The configured bucket does not exist or is in another " +
			"region. Verify MEDIAOPS_BUCKET and the bucket region.",
		ErrCodeDistributionNotFound: "The CDN distribution id is wrong or the " +
			"distribution was deleted. Verify MEDIAOPS_DISTRIBUTION_ID.",
		ErrCodeQuotaExceeded: "A provider quota was exceeded. Request a quota increase " +
			"or reduce request volume.",
		ErrCodeMalformedRequest: "The provider rejected the request shape. This is a " +
			"bug in the caller, not a transient condition; do not retry.",
		ErrCodeObjectNotFound: "The object key does not exist. Verify the key and the " +
			"category/timestamp naming convention.",
		ErrCodeMissingConfig: "A required environment variable is missing. The service " +
			"fails fast at startup; set the variable and restart.",
		ErrCodeInvalidationThrottled: "The distribution hit its concurrent invalidation " +
			"limit. Submissions back off automatically; reduce invalidation frequency.",
		ErrCodeExecutionActive: "A rollback execution is already in progress. Wait for " +
			"it to reach a terminal state before triggering another.",
	}
	if rec, ok := recommendations[e.Code]; ok {
		return rec
	}
	if e.Retryable {
		return "Transient provider condition; the operation retries with backoff automatically."
	}
	return "Check the error context and the service logs for details."
}
