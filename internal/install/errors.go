package install

import (
	"context"
	"errors"
	"fmt"
)

// Failure classes. Every install failure wraps exactly one of them.
var (
	ErrSourceUnavailable = errors.New("package source unavailable")
	ErrPackageNotFound   = errors.New("package not found")
	ErrRateLimited       = errors.New("package source rate limited")
	ErrExtractionFailed  = errors.New("extraction failed")
	ErrCacheWriteFailed  = errors.New("cache write failed")
	ErrTimeout           = errors.New("install timed out")
	ErrCanceled          = errors.New("install canceled")

	// ErrInvalidDescriptor is a caller contract violation; it aborts a
	// batch before any install starts.
	ErrInvalidDescriptor = errors.New("invalid plugin descriptor")

	// ErrNotFound is a cache miss, not a failure.
	ErrNotFound = errors.New("cache entry not found")

	// ErrInUse refuses to evict a cache entry a job still links or an
	// install is about to link.
	ErrInUse = errors.New("cache entry in use")

	// ErrJobBusy refuses to start a batch for a job that already has one
	// running.
	ErrJobBusy = errors.New("job has a batch in progress")
)

// InstallError records which phase of an install failed for which key.
type InstallError struct {
	Key Key
	Op  string // "fetch", "extract", "store" or "link"
	Err error
}

func (e *InstallError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Key, e.Err)
}

func (e *InstallError) Unwrap() error { return e.Err }

// Classify names the failure class of err for outputs and metrics.
func Classify(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrPackageNotFound):
		return "package_not_found"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, ErrExtractionFailed):
		return "extraction_failed"
	case errors.Is(err, ErrCacheWriteFailed):
		return "cache_write_failed"
	case errors.Is(err, ErrCanceled), errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, ErrInvalidDescriptor):
		return "invalid_descriptor"
	default:
		return "source_unavailable"
	}
}
