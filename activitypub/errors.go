package activitypub

import (
	"errors"
	"fmt"
)

// Error kinds map onto HTTP statuses at the route boundary; see
// web.statusForError. The verify pipeline returns these instead of
// panicking or throwing so every branch stays testable.

// SSRFBlockedError rejects a URL that resolves into a forbidden network
// range (or carries a non-http scheme).
type SSRFBlockedError struct {
	Host   string
	Reason string
}

func (e *SSRFBlockedError) Error() string {
	return fmt.Sprintf("ssrf blocked for host %q: %s", e.Host, e.Reason)
}

// Fetcher errors.
var (
	ErrResponseTooLarge = errors.New("response exceeds size limit")
	ErrInvalidJSON      = errors.New("response body is not valid JSON")
	ErrFetchTimeout     = errors.New("fetch deadline exceeded")
)

// Signature verification errors. All of them map to 401.
var (
	ErrMissingSignature = errors.New("missing or unparseable Signature header")
	ErrClockSkew        = errors.New("Date header outside the allowed clock skew")
	ErrDigestMismatch   = errors.New("Digest header does not match the request body")
	ErrSignatureInvalid = errors.New("http signature verification failed")
	ErrActorMismatch    = errors.New("activity actor does not match the verified signer")
)

// Inbox processing errors.
var (
	ErrMalformedActivity = errors.New("activity is missing required fields")
	ErrObjectMismatch    = errors.New("activity object does not address a local actor")
	ErrUnknownUser       = errors.New("no such local user")
)

// Resolver errors.
var (
	ErrInvalidHandle   = errors.New("invalid account handle")
	ErrNoActorLink     = errors.New("webfinger response has no self link to an actor document")
	ErrActorIdMismatch = errors.New("actor document id does not match the requested uri")
	ErrActorIncomplete = errors.New("actor document is missing inbox or public key")
)

// UpstreamError wraps a failure talking to a remote server. Interactive
// endpoints surface it as 502; the delivery worker turns it into a
// retry/dead-letter decision.
type UpstreamError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("upstream %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("upstream %s: status %d", e.URL, e.StatusCode)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}
