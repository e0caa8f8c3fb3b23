package directory

import (
	"errors"
	"fmt"
)

// ErrorClass buckets every directory API failure into exactly one retry category
type ErrorClass string

const (
	// ClassTransient covers network timeouts, 429 throttling and 5xx gateway
	// errors; eligible for retry with backoff
	ClassTransient ErrorClass = "transient"

	// ClassConflict means a remote object already exists for this identity;
	// triggers the find-by-email reconciliation path
	ClassConflict ErrorClass = "conflict"

	// ClassValidation is a 400-class schema or field rejection; terminal until
	// the local data is fixed
	ClassValidation ErrorClass = "validation"

	// ClassAuth is a 401/403; the client refreshes the token and re-attempts
	// once before surfacing this
	ClassAuth ErrorClass = "auth"

	// ClassNotFound is a 404 on update/disable, meaning the remote object was
	// deleted out-of-band and the stored linkage is stale
	ClassNotFound ErrorClass = "not_found"

	// ClassUnclassified is anything not matching the above, treated
	// conservatively as terminal
	ClassUnclassified ErrorClass = "unclassified"
)

// ErrAuthFailure indicates a credential-level failure detected by the token
// provider (invalid client secret, revoked credential). It is surfaced
// immediately so callers can mark the attempt terminal instead of burning
// retry budget on a structurally broken credential.
var ErrAuthFailure = errors.New("directory credential failure")

// Error is a classified directory API failure
type Error struct {
	// Class is the retry category
	Class ErrorClass

	// StatusCode is the HTTP status of the response, 0 for transport errors
	StatusCode int

	// Code is the error code from the API response body, when present
	Code string

	// Message is a human-actionable description
	Message string

	// Err is the underlying error, when present
	Err error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("directory request failed (%s, HTTP %d): %s", e.Class, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("directory request failed (%s): %s", e.Class, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ClassOf returns the error class of err, or ClassUnclassified when err is not
// a directory error. A token-provider auth failure classifies as auth.
func ClassOf(err error) ErrorClass {
	var dirErr *Error
	if errors.As(err, &dirErr) {
		return dirErr.Class
	}
	if errors.Is(err, ErrAuthFailure) {
		return ClassAuth
	}
	return ClassUnclassified
}

// IsTransient reports whether err is eligible for retry with backoff
func IsTransient(err error) bool {
	return ClassOf(err) == ClassTransient
}
