package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrReauthRequired signals that the stored refresh token no longer works and
	// the user has to reconnect their account.
	ErrReauthRequired = errors.New("reauthentication required")
	// ErrStoreUnavailable marks store failures that affect every record, not just one.
	ErrStoreUnavailable = errors.New("activity store unavailable")
	// ErrInvalidRecord is returned for normalized records that cannot be written.
	ErrInvalidRecord = errors.New("invalid activity record")
	// ErrInvalidGrant is returned when a token request carries neither or both of
	// an authorization code and a refresh token.
	ErrInvalidGrant = errors.New("exactly one of authorization code or refresh token is required")
	// ErrMissingCredentials is returned when the OAuth client id or secret is empty.
	ErrMissingCredentials = errors.New("oauth client credentials are not configured")
)

// VendorAuthError means the vendor rejected the code, token or credentials.
type VendorAuthError struct {
	StatusCode int
	Body       string
}

func (e *VendorAuthError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("vendor rejected credentials (status %d): %s", e.StatusCode, truncate(e.Body))
	}
	return fmt.Sprintf("vendor rejected credentials (status %d)", e.StatusCode)
}

// TransportError wraps network and timeout failures talking to the vendor or the store.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// RateLimitError is a vendor 429. It is the only vendor status the sync pass retries.
type RateLimitError struct {
	RetryAfter time.Duration
	Body       string
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("vendor rate limit exceeded (retry after %s)", e.RetryAfter)
	}
	return "vendor rate limit exceeded"
}

// APIError is any other non-success vendor response. It is not retried.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("vendor api error (status %d): %s", e.StatusCode, truncate(e.Body))
	}
	return fmt.Sprintf("vendor api error (status %d)", e.StatusCode)
}

// WriteFailure records one record that could not be persisted.
type WriteFailure struct {
	VendorID VendorID
	Err      error
}

func (e *WriteFailure) Error() string {
	return fmt.Sprintf("write activity %s: %v", e.VendorID, e.Err)
}

func (e *WriteFailure) Unwrap() error { return e.Err }

// FatalStoreError aborts a write batch. Remaining counts the records never attempted.
type FatalStoreError struct {
	Err       error
	Remaining int
}

func (e *FatalStoreError) Error() string {
	return fmt.Sprintf("store failure aborted batch with %d records remaining: %v", e.Remaining, e.Err)
}

func (e *FatalStoreError) Unwrap() error { return e.Err }

// Retryable reports whether the caller may retry the failed operation later.
func Retryable(err error) bool {
	var transport *TransportError
	var limited *RateLimitError
	return errors.As(err, &transport) || errors.As(err, &limited)
}

const maxErrorBody = 500

func truncate(s string) string {
	if len(s) <= maxErrorBody {
		return s
	}
	return s[:maxErrorBody] + "..."
}
