// Package archerr collects the error kinds of §7: a small, closed set of
// sentinel errors that every store and query path returns instead of ad-hoc
// strings, so callers (and the lite-query dispatcher's wire-code mapper) can
// switch on kind with errors.Is.
package archerr

import (
	"errors"
	"fmt"
)

// The eight error kinds of spec §7. Exactly one of these should be the root
// cause wrapped by errors.Is-compatible chains returned from any store or
// query method.
var (
	ErrNotReady          = errors.New("archerr: not ready")
	ErrNotFound          = errors.New("archerr: not found")
	ErrProtocolViolation = errors.New("archerr: protocol violation")
	ErrCorruption        = errors.New("archerr: corruption")
	ErrTimeout           = errors.New("archerr: timeout")
	ErrCancelled         = errors.New("archerr: cancelled")
	ErrIO                = errors.New("archerr: io error")
	ErrUnavailable       = errors.New("archerr: unavailable")
)

// Wrap adds context to err while preserving its errors.Is chain. It returns
// nil if err is nil, mirroring pkg/utils.Wrap.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf is Wrap with a format string.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Kind classifies err against the sentinels above; it returns ErrIO (the
// most conservative "bubble up, don't retry silently" kind) if err matches
// none of them.
func Kind(err error) error {
	for _, k := range []error{ErrNotReady, ErrNotFound, ErrProtocolViolation, ErrCorruption, ErrTimeout, ErrCancelled, ErrIO, ErrUnavailable} {
		if errors.Is(err, k) {
			return k
		}
	}
	return ErrIO
}

// WireCode maps an error kind to the distinct lite-server wire error code of
// §7 "Propagation policy" / §4.9. Codes are stable across releases because
// remote clients hard-code them.
func WireCode(err error) int32 {
	switch Kind(err) {
	case ErrNotReady:
		return 651
	case ErrNotFound:
		return 652
	case ErrProtocolViolation:
		return 653
	case ErrCorruption:
		return 654
	case ErrTimeout:
		return 655
	case ErrCancelled:
		return 656
	case ErrUnavailable:
		return 657
	default: // ErrIO and anything unclassified
		return 650
	}
}
