package client

import (
	"context"
	"errors"
	"net"
	"net/url"
)

// ErrorCategory labels why a source fetch failed. Used in fetch logs.
type ErrorCategory string

const (
	ErrorCategoryTimeout         ErrorCategory = "timeout"
	ErrorCategoryNetwork         ErrorCategory = "network"
	ErrorCategoryInvalidAPIKey   ErrorCategory = "invalid_api_key"
	ErrorCategoryStationNotFound ErrorCategory = "station_not_found"
	ErrorCategoryRateLimited     ErrorCategory = "rate_limited"
	ErrorCategoryUpstream        ErrorCategory = "upstream_error"
	ErrorCategoryBreakerOpen     ErrorCategory = "breaker_open"
	ErrorCategoryMalformed       ErrorCategory = "malformed_payload"
	ErrorCategoryUnknown         ErrorCategory = "unknown"
)

// categoryBySentinel is checked in order; the first match wins.
var categoryBySentinel = []struct {
	err      error
	category ErrorCategory
}{
	{ErrCircuitOpen, ErrorCategoryBreakerOpen},
	{ErrMalformedPayload, ErrorCategoryMalformed},
	{ErrInvalidAPIKey, ErrorCategoryInvalidAPIKey},
	{ErrStationNotFound, ErrorCategoryStationNotFound},
	{ErrRateLimited, ErrorCategoryRateLimited},
	{ErrUpstreamFailure, ErrorCategoryUpstream},
	{context.DeadlineExceeded, ErrorCategoryTimeout},
	{context.Canceled, ErrorCategoryTimeout},
}

// CategorizeError maps a fetch error to a stable category. nil maps to "".
func CategorizeError(err error) ErrorCategory {
	if err == nil {
		return ""
	}
	for _, c := range categoryBySentinel {
		if errors.Is(err, c.err) {
			return c.category
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ErrorCategoryTimeout
		}
		return ErrorCategoryNetwork
	}
	var urlErr *url.Error
	var opErr *net.OpError
	if errors.As(err, &urlErr) || errors.As(err, &opErr) {
		return ErrorCategoryNetwork
	}
	return ErrorCategoryUnknown
}
