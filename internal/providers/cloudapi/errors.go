package cloudapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"outreach/internal/transport"
)

// APIError is the error object the hosted API returns in non-2xx bodies.
type APIError struct {
	HTTPStatus int    `json:"-"`
	Code       int    `json:"code"`
	Subcode    int    `json:"error_subcode"`
	Type       string `json:"type"`
	Message    string `json:"message"`
	TraceID    string `json:"fbtrace_id"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("cloudapi: %s (code %d, http %d)", e.Message, e.Code, e.HTTPStatus)
}

var (
	banCodes       = map[int]bool{368: true, 131031: true}
	rateLimitCodes = map[int]bool{4: true, 80007: true, 130429: true, 131048: true, 131056: true}
	authCodes      = map[int]bool{10: true, 190: true, 200: true}
	invalidCodes   = map[int]bool{100: true, 131008: true, 131009: true, 131026: true, 131051: true, 131052: true, 131053: true}
)

// Category maps provider error codes onto the transport contract so the
// dispatch queue and ban detector treat hosted failures like session ones.
func (e *APIError) Category() transport.Category {
	switch {
	case banCodes[e.Code]:
		return transport.CategoryBanned
	case rateLimitCodes[e.Code] || e.HTTPStatus == http.StatusTooManyRequests:
		return transport.CategoryRateLimited
	case authCodes[e.Code] || e.HTTPStatus == http.StatusUnauthorized:
		return transport.CategoryAuth
	case invalidCodes[e.Code]:
		return transport.CategoryInvalid
	case e.HTTPStatus >= 500:
		return transport.CategoryTransient
	}
	return transport.CategoryUnknown
}

// ShouldRetry reports whether a failed call is worth repeating.
func ShouldRetry(err error, httpStatus int) bool {
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return true
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return true
		}
		var c transport.Categorized
		if errors.As(err, &c) {
			return c.Category() == transport.CategoryTransient || c.Category() == transport.CategoryRateLimited
		}
		return false
	}
	return httpStatus == http.StatusTooManyRequests || httpStatus == http.StatusRequestTimeout || httpStatus >= 500
}

func Backoff(attempt int) time.Duration {
	base := []time.Duration{200 * time.Millisecond, 600 * time.Millisecond, 1400 * time.Millisecond}
	if attempt <= 0 {
		return base[0]
	}
	if attempt >= len(base) {
		return base[len(base)-1]
	}
	return base[attempt]
}
