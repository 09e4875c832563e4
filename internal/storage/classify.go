package storage

import (
	"context"
	stderr "errors"
	"net"

	"github.com/aws/smithy-go"

	"github.com/mediaops/mediaops/pkg/errors"
)

// providerErrorCodes maps provider error codes to the classified taxonomy.
// Anything not listed is treated as an internal (non-retryable) failure.
var providerErrorCodes = map[string]errors.ErrorCode{
	// Permanent
	"AccessDenied":          errors.ErrCodeAccessDenied,
	"InvalidAccessKeyId":    errors.ErrCodeAccessDenied,
	"SignatureDoesNotMatch": errors.ErrCodeAccessDenied,
	"NoSuchBucket":          errors.ErrCodeBucketNotFound,
	"NoSuchKey":             errors.ErrCodeObjectNotFound,
	"NotFound":              errors.ErrCodeObjectNotFound,
	"NoSuchDistribution":    errors.ErrCodeDistributionNotFound,
	"QuotaExceeded":         errors.ErrCodeQuotaExceeded,
	"ServiceQuotaExceeded":  errors.ErrCodeQuotaExceeded,
	"MalformedXML":          errors.ErrCodeMalformedRequest,
	"InvalidRequest":        errors.ErrCodeMalformedRequest,
	"InvalidArgument":       errors.ErrCodeMalformedRequest,
	"BatchTooLarge":         errors.ErrCodeMalformedRequest,

	// Transient
	"SlowDown":                       errors.ErrCodeThrottled,
	"Throttling":                     errors.ErrCodeThrottled,
	"ThrottlingException":            errors.ErrCodeThrottled,
	"RequestLimitExceeded":           errors.ErrCodeThrottled,
	"TooManyRequests":                errors.ErrCodeThrottled,
	"TooManyInvalidationsInProgress": errors.ErrCodeInvalidationThrottled,
	"RequestTimeout":                 errors.ErrCodeConnectionTimeout,
	"ServiceUnavailable":             errors.ErrCodeServiceUnavailable,
	"InternalError":                  errors.ErrCodeServiceUnavailable,
	"InternalServerError":            errors.ErrCodeServiceUnavailable,
}

// ClassifyProviderError translates a raw provider error into a classified
// error. The classification table is closed: new provider codes fall back
// to a non-retryable internal error rather than being string-matched.
func ClassifyProviderError(err error, operation, key string) *errors.Error {
	if err == nil {
		return nil
	}

	classified := classify(err)
	classified.WithComponent("storage-gateway").
		WithOperation(operation).
		WithCause(err)
	if key != "" {
		classified.WithContext("key", key)
	}
	return classified
}

func classify(err error) *errors.Error {
	if stderr.Is(err, context.DeadlineExceeded) {
		return errors.New(errors.ErrCodeOperationTimeout, "provider call timed out")
	}
	if stderr.Is(err, context.Canceled) {
		return errors.New(errors.ErrCodeOperationTimeout, "provider call canceled")
	}

	var apiErr smithy.APIError
	if stderr.As(err, &apiErr) {
		if code, ok := providerErrorCodes[apiErr.ErrorCode()]; ok {
			return errors.New(code, apiErr.ErrorMessage())
		}
		return errors.New(errors.ErrCodeInternalError, apiErr.ErrorMessage()).
			WithDetail("provider_code", apiErr.ErrorCode())
	}

	var netErr net.Error
	if stderr.As(err, &netErr) {
		if netErr.Timeout() {
			return errors.New(errors.ErrCodeConnectionTimeout, "network timeout")
		}
		return errors.New(errors.ErrCodeNetworkError, "network error")
	}

	return errors.New(errors.ErrCodeInternalError, err.Error())
}
