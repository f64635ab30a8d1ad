package scrape

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrRateLimited marks an upstream 429. The job is deferred, not failed.
var ErrRateLimited = errors.New("rate limited by origin")

// ErrRobotsDisallowed marks a URL excluded by the origin's robots rules.
var ErrRobotsDisallowed = errors.New("disallowed by robots rules")

// TransientError wraps failures worth retrying with backoff.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError wraps failures where retrying cannot help.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return fmt.Sprintf("permanent: %v", e.Err) }
func (e *PermanentError) Unwrap() error { return e.Err }

// IsTransient reports whether an error should be retried.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// IsPermanent reports whether an error is terminal on first sight.
func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}

// ClassifyStatus maps an HTTP status to the crawl error taxonomy:
// 429 defers, other 4xx fail permanently, 5xx retry.
func ClassifyStatus(status int) error {
	switch {
	case status < 400:
		return nil
	case status == 429:
		return ErrRateLimited
	case status < 500:
		return &PermanentError{Err: fmt.Errorf("status %d", status)}
	default:
		return &TransientError{Err: fmt.Errorf("status %d", status)}
	}
}

// ClassifyNetErr maps transport-level failures. Timeouts and connection
// errors are transient; context cancellation passes through untouched.
func ClassifyNetErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return &TransientError{Err: err}
	}
	return &TransientError{Err: err}
}
