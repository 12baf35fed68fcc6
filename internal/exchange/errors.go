package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrRejected marks a venue-level business rejection. Terminal for the
	// intent: never retried.
	ErrRejected = errors.New("exchange: order rejected")

	// ErrConnection marks a transient network or venue failure. Retried with
	// bounded backoff before escalating.
	ErrConnection = errors.New("exchange: connection error")

	ErrOrderNotFound = errors.New("exchange: order not found")
	ErrAssetNotFound = errors.New("exchange: asset not found")
)

// RejectionError carries the venue's reason for refusing an intent.
type RejectionError struct {
	Token  string
	Reason string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("order %s rejected: %s", e.Token, e.Reason)
}

func (e *RejectionError) Unwrap() error { return ErrRejected }

// Reject builds a terminal rejection for an intent.
func Reject(token, format string, args ...any) error {
	return &RejectionError{Token: token, Reason: fmt.Sprintf(format, args...)}
}

// IsTransient reports whether an error is worth retrying. Rejections and
// context cancellation are terminal; network-shaped failures are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRejected) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrConnection) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}
