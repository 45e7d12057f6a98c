package client

import (
	"context"
	"errors"
	"strings"

	"github.com/sony/gobreaker"
)

// ErrorCategory is a stable label for error classification in metrics and logs.
type ErrorCategory string

const (
	ErrorCategoryTimeout     ErrorCategory = "timeout"
	ErrorCategoryCanceled    ErrorCategory = "canceled"
	ErrorCategoryCircuitOpen ErrorCategory = "circuit_open"
	ErrorCategoryUpstream    ErrorCategory = "upstream_unavailable"
	ErrorCategoryConnection  ErrorCategory = "connection"
	ErrorCategoryDecode      ErrorCategory = "decode"
	ErrorCategoryUnknown     ErrorCategory = "unknown"
)

// CategorizeError maps an error to a stable ErrorCategory.
func CategorizeError(err error) ErrorCategory {
	if err == nil {
		return ""
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorCategoryTimeout
	}
	if errors.Is(err, context.Canceled) {
		return ErrorCategoryCanceled
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrorCategoryCircuitOpen
	}
	if errors.Is(err, ErrUpstreamUnavailable) {
		return ErrorCategoryUpstream
	}

	errStr := err.Error()
	if strings.Contains(errStr, "timeout") {
		return ErrorCategoryTimeout
	}
	if strings.Contains(errStr, "connection") || strings.Contains(errStr, "network") {
		return ErrorCategoryConnection
	}
	if strings.Contains(errStr, "unmarshal") || strings.Contains(errStr, "decode") {
		return ErrorCategoryDecode
	}
	return ErrorCategoryUnknown
}
