package pipeline

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"strings"
	"time"
)

// Class is the two-bucket outcome of error classification.
type Class int

const (
	// ClassTransient errors are retried with backoff up to the bound.
	ClassTransient Class = iota
	// ClassPermanent errors go straight to the dead-letter channel.
	ClassPermanent
)

// PermanentError marks an error that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so the retry policy classifies it as permanent.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// TransientError marks an error as retryable regardless of its text.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err so the retry policy classifies it as transient.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// transientHints is the fallback substring heuristic carried over from the
// first-generation consumers. Structured classification runs first; this only
// catches errors from clients that expose nothing better than text.
var transientHints = []string{
	"timeout",
	"temporar",
	"connection",
	"network",
	"reset",
	"unavailable",
}

// RetryPolicy bounds and paces the retry loop for one message.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the initial attempt.
	MaxRetries int
	// BaseDelay is the backoff base; attempt n sleeps BaseDelay * 2^n plus
	// jitter. Defaults to 500ms when zero.
	BaseDelay time.Duration
}

// Classify sorts err into the transient or permanent bucket. Structured
// error kinds win over the text heuristic, and anything unrecognised is
// permanent: unknown errors are not retried forever.
func (p RetryPolicy) Classify(err error) Class {
	if err == nil {
		return ClassTransient
	}

	var permanent *PermanentError
	if errors.As(err, &permanent) {
		return ClassPermanent
	}
	var transient *TransientError
	if errors.As(err, &transient) {
		return ClassTransient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTransient
	}

	msg := strings.ToLower(err.Error())
	for _, hint := range transientHints {
		if strings.Contains(msg, hint) {
			return ClassTransient
		}
	}
	return ClassPermanent
}

// Delay computes the backoff before retry number attempt (starting at 0):
// exponential in the base with an added uniform jitter of up to 20%.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	delay := float64(base) * float64(int64(1)<<uint(attempt))
	jitter := rand.Float64() * 0.2 * delay
	return time.Duration(delay + jitter)
}
