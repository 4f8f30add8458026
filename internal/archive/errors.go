package archive

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"hindsight/internal/breaker"
	"hindsight/internal/model"
)

// ErrNotCaptured is returned by fetchers when the archive reports that the
// requested capture does not exist in its store.
var ErrNotCaptured = errors.New("capture not present in archive")

// SourceError wraps a failure from an archive source with its retriability
// classification. Classification happens at the strategy boundary; raw
// transport errors never leave the package.
type SourceError struct {
	Source     model.ArchiveSource
	StatusCode int
	Retriable  bool
	Err        error
}

func (e *SourceError) Error() string {
	kind := "permanent"
	if e.Retriable {
		kind = "retriable"
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %s error (HTTP %d): %v", e.Source, kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %s error: %v", e.Source, kind, e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }

// retriableError tags a source failure as retriable: network errors, 5xx,
// 429, and the source-specific 522 timeout.
func retriableError(source model.ArchiveSource, status int, err error) error {
	return &SourceError{Source: source, StatusCode: status, Retriable: true, Err: err}
}

// permanentError tags a source failure as permanent: other 4xx, protocol
// errors, malformed responses.
func permanentError(source model.ArchiveSource, status int, err error) error {
	return &SourceError{Source: source, StatusCode: status, Retriable: false, Err: err}
}

// classifyTransport classifies an HTTP transport-level failure.
func classifyTransport(source model.ArchiveSource, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return retriableError(source, 0, err)
	}
	// Unknown transport failures are treated as retriable; the breaker
	// bounds the damage if they persist.
	return retriableError(source, 0, err)
}

// classifyStatus classifies a non-2xx HTTP response from a source.
func classifyStatus(source model.ArchiveSource, status int) error {
	err := fmt.Errorf("unexpected status %d", status)
	switch {
	case status == 429 || status == 522 || status >= 500:
		return retriableError(source, status, err)
	default:
		return permanentError(source, status, err)
	}
}

// IsRetriable reports whether err is worth retrying against the same
// source. Circuit-open and cancellation are not retriable in place.
func IsRetriable(err error) bool {
	var se *SourceError
	if errors.As(err, &se) {
		return se.Retriable
	}
	return false
}

// IsCancelled reports whether err is a cooperative cancellation.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// IsCircuitOpen reports whether err means a breaker blocked the call.
func IsCircuitOpen(err error) bool {
	return errors.Is(err, breaker.ErrOpen)
}

// Attempt records one per-source try for stats and error aggregation.
type Attempt struct {
	Source    model.ArchiveSource `json:"source"`
	Success   bool                `json:"success"`
	ErrorType string              `json:"error_type,omitempty"`
	Error     string              `json:"error,omitempty"`
	Duration  time.Duration       `json:"duration_ms"`
	Records   int                 `json:"records"`
}

// AllSourcesFailed aggregates attempt-level failures when every source in
// the resolved order was exhausted.
type AllSourcesFailed struct {
	Attempts []Attempt
}

func (e *AllSourcesFailed) Error() string {
	return fmt.Sprintf("all archive sources failed after %d attempts", len(e.Attempts))
}

// errorType maps an error to the label used in attempt stats and metrics.
func errorType(err error) string {
	switch {
	case err == nil:
		return ""
	case IsCircuitOpen(err):
		return "circuit_open"
	case IsCancelled(err):
		return "cancelled"
	case errors.Is(err, ErrNotCaptured):
		return "not_captured"
	case IsRetriable(err):
		return "retriable"
	default:
		return "permanent"
	}
}
