package activitypub

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorKind classifies a failed fetch or delivery. I/O call sites only
// classify; the delivery engine owns every retry decision.
type ErrorKind int

const (
	// KindNotFound means the entity is absent. Terminal, no retry.
	KindNotFound ErrorKind = iota
	// KindTransient covers timeouts, connection failures and 5xx responses.
	KindTransient
	// KindPermanent covers 410 Gone, other non-retryable rejections and
	// malformed responses.
	KindPermanent
	// KindRateLimited is a 429; retried after the server-specified delay.
	KindRateLimited
)

func (k ErrorKind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindRateLimited:
		return "rate_limited"
	default:
		return "unknown"
	}
}

// FetchError is the typed result of a failed remote fetch or delivery
type FetchError struct {
	Kind ErrorKind
	Err  error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

func newFetchError(kind ErrorKind, err error) *FetchError {
	return &FetchError{Kind: kind, Err: err}
}

// NewError builds a typed FetchError for callers outside this package
func NewError(kind ErrorKind, err error) *FetchError {
	return newFetchError(kind, err)
}

// ClassifyStatus maps an HTTP response status to an ErrorKind. A nil return
// means the status is a success.
func ClassifyStatus(status int) *FetchError {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == 404:
		return newFetchError(KindNotFound, fmt.Errorf("remote returned status %d", status))
	case status == 410:
		return newFetchError(KindPermanent, fmt.Errorf("remote returned status %d", status))
	case status == 429:
		return newFetchError(KindRateLimited, fmt.Errorf("remote returned status %d", status))
	case status == 408:
		return newFetchError(KindTransient, fmt.Errorf("remote returned status %d", status))
	case status >= 400 && status < 500:
		return newFetchError(KindPermanent, fmt.Errorf("remote returned status %d", status))
	default:
		return newFetchError(KindTransient, fmt.Errorf("remote returned status %d", status))
	}
}

// ClassifyNetError wraps a transport-level error (dial, TLS, timeout) as
// transient; everything at this layer is worth retrying with backoff.
func ClassifyNetError(err error) *FetchError {
	return newFetchError(KindTransient, err)
}

// Kind extracts the ErrorKind from err, defaulting to transient for
// unclassified errors so unknown failures are retried rather than dropped.
func Kind(err error) ErrorKind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	return KindTransient
}

// IsNotFound reports whether err is a typed NotFound
func IsNotFound(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Kind == KindNotFound
}
