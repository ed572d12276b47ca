package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/tidwall/gjson"
)

// Kind is the closed taxonomy of provider failures. Values match the error
// type names the provider itself uses.
type Kind string

const (
	KindInvalidRequest  Kind = "invalid_request_error"
	KindAuthentication  Kind = "authentication_error"
	KindPermission      Kind = "permission_error"
	KindNotFound        Kind = "not_found_error"
	KindRequestTooLarge Kind = "request_too_large"
	KindRateLimit       Kind = "rate_limit_error"
	KindOverloaded      Kind = "overloaded_error"
	KindNetwork         Kind = "network_error"
	KindTimeout         Kind = "timeout_error"
	KindAPI             Kind = "api_error"
)

// Retryable reports whether a failure of this kind may succeed when retried.
func (k Kind) Retryable() bool {
	switch k {
	case KindRateLimit, KindOverloaded, KindAPI, KindNetwork, KindTimeout:
		return true
	default:
		return false
	}
}

// APIError is one classified provider failure. It is built once and not
// modified afterwards.
type APIError struct {
	Kind       Kind
	Message    string
	Status     int           // HTTP status, 0 when none was received
	RetryAfter time.Duration // provider-supplied retry hint, 0 when absent
	Err        error
}

func (e *APIError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s (status %d): %s", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *APIError) Unwrap() error { return e.Err }

// Retryable reports whether the failure may succeed on retry.
func (e *APIError) Retryable() bool { return e.Kind.Retryable() }

// AsAPIError extracts an *APIError from err's chain.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// KindFromStatus maps an HTTP status to a failure kind.
func KindFromStatus(status int) Kind {
	switch {
	case status == http.StatusBadRequest:
		return KindInvalidRequest
	case status == http.StatusUnauthorized:
		return KindAuthentication
	case status == http.StatusForbidden:
		return KindPermission
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusRequestEntityTooLarge:
		return KindRequestTooLarge
	case status == http.StatusRequestTimeout:
		return KindTimeout
	case status == http.StatusTooManyRequests:
		return KindRateLimit
	case status == 529:
		return KindOverloaded
	case status >= 500:
		return KindAPI
	case status >= 400:
		return KindInvalidRequest
	default:
		return KindAPI
	}
}

// FromStatus builds an APIError for an HTTP failure. The Retry-After hint is
// read from header when present.
func FromStatus(status int, message string, header http.Header, now time.Time) *APIError {
	if message == "" {
		message = http.StatusText(status)
	}
	e := &APIError{Kind: KindFromStatus(status), Message: message, Status: status}
	if d, ok := RetryAfterFromHeader(header, now); ok {
		e.RetryAfter = d
	}
	return e
}

// RetryAfterFromHeader reads retry-after-ms, then Retry-After.
func RetryAfterFromHeader(header http.Header, now time.Time) (time.Duration, bool) {
	if header == nil {
		return 0, false
	}
	if ms := strings.TrimSpace(header.Get("Retry-After-Ms")); ms != "" {
		if v, err := strconv.ParseFloat(ms, 64); err == nil && v >= 0 {
			return time.Duration(v * float64(time.Millisecond)), true
		}
	}
	return ParseRetryAfter(header.Get("Retry-After"), now)
}

// ParseRetryAfter accepts delta-seconds or an HTTP date.
func ParseRetryAfter(value string, now time.Time) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs * float64(time.Second)), true
	}
	if at, err := http.ParseTime(value); err == nil {
		d := at.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

// kindFromType maps an error type name found in a provider error body.
func kindFromType(t string) (Kind, bool) {
	switch Kind(t) {
	case KindInvalidRequest, KindAuthentication, KindPermission, KindNotFound,
		KindRequestTooLarge, KindRateLimit, KindOverloaded, KindAPI:
		return Kind(t), true
	}
	if t == "billing_error" {
		return KindPermission, true
	}
	if t == "timeout_error" {
		return KindTimeout, true
	}
	return "", false
}

const streamErrorPrefix = "received error while streaming:"

// Classify maps any upstream failure onto the APIError taxonomy. Context
// cancellation is returned unchanged since it is not a provider failure.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if apiErr, ok := AsAPIError(err); ok {
		return apiErr
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	now := time.Now()

	var sdkErr *anthropic.Error
	if errors.As(err, &sdkErr) {
		body := sdkErr.RawJSON()
		var header http.Header
		if sdkErr.Response != nil {
			header = sdkErr.Response.Header
		}
		apiErr := FromStatus(sdkErr.StatusCode, gjson.Get(body, "error.message").String(), header, now)
		apiErr.Err = err
		return apiErr
	}

	// in-stream "event: error" frames surface as plain errors carrying the JSON body
	if msg := err.Error(); strings.Contains(msg, streamErrorPrefix) {
		body := strings.TrimSpace(msg[strings.Index(msg, streamErrorPrefix)+len(streamErrorPrefix):])
		kind, ok := kindFromType(gjson.Get(body, "error.type").String())
		if !ok {
			kind = KindAPI
		}
		message := gjson.Get(body, "error.message").String()
		if message == "" {
			message = "stream interrupted by provider error"
		}
		return &APIError{Kind: kind, Message: message, Err: err}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &APIError{Kind: KindTimeout, Message: "provider call exceeded its deadline", Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &APIError{Kind: KindTimeout, Message: netErr.Error(), Err: err}
	}
	var dnsErr *net.DNSError
	var opErr *net.OpError
	if errors.As(err, &dnsErr) || errors.As(err, &opErr) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return &APIError{Kind: KindNetwork, Message: err.Error(), Err: err}
	}
	return &APIError{Kind: KindAPI, Message: err.Error(), Err: err}
}
