package streaming

import (
	"errors"
	"fmt"
)

// ErrChannelNotOpen is returned when an operation requires an open channel.
var ErrChannelNotOpen = errors.New("channel not open")

// DiscoveryError reports a failed ingest host resolution. Fatal for Open;
// the caller may retry the whole initialization.
type DiscoveryError struct {
	Err error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("ingest host discovery failed: %v", e.Err)
}

func (e *DiscoveryError) Unwrap() error {
	return e.Err
}

// ChannelOpenError reports a rejected or malformed channel-open handshake.
// Fatal for the session.
type ChannelOpenError struct {
	StatusCode int
	Err        error
}

func (e *ChannelOpenError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("channel open failed with status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("channel open failed: %v", e.Err)
}

func (e *ChannelOpenError) Unwrap() error {
	return e.Err
}

// FailureKind classifies an append failure.
type FailureKind string

const (
	// FailureTransient covers network errors, timeouts, and 5xx responses.
	// Retrying the identical batch is safe: the offset was never advanced, so
	// the server deduplicates a repeat by its offset token.
	FailureTransient FailureKind = "transient"
	// FailureRejected covers 4xx responses: the offset or continuation token
	// was not accepted. Retrying identically will not help; the caller needs
	// a fresh channel.
	FailureRejected FailureKind = "rejected"
)

// AppendError reports a failed append attempt. The session's offset and
// continuation tokens are untouched when this is returned.
type AppendError struct {
	Kind       FailureKind
	StatusCode int
	Err        error
}

func (e *AppendError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("append %s (status %d): %v", e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("append %s: %v", e.Kind, e.Err)
}

func (e *AppendError) Unwrap() error {
	return e.Err
}

// classifyStatus maps an HTTP status to a failure kind. Throttling responses
// are worth retrying even though they arrive as 4xx.
func classifyStatus(status int) FailureKind {
	if status >= 500 || status == 408 || status == 429 {
		return FailureTransient
	}
	return FailureRejected
}
