// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package errclass gives transport failures stable sentinel identities for
// errors.Is, plus a classifier for turning an arbitrary error into a short
// label for log fields. The classifier never drives control flow; only the
// sentinels do.
package errclass

import (
	"context"
	"errors"
	"net"
)

var (
	// ErrDial means the broker could not establish a connection to a peer
	// pipe at all (no listener, or the OS refused the connection).
	ErrDial = errors.New("transport: dial failed")
	// ErrTimeout means a connection or read/write exceeded its deadline.
	ErrTimeout = errors.New("transport: timed out")
	// ErrFraming means the bytes read off the wire did not form a valid
	// length-prefixed frame.
	ErrFraming = errors.New("transport: malformed frame")
	// ErrPipeClosed means the peer closed the connection before a
	// complete response frame arrived.
	ErrPipeClosed = errors.New("transport: pipe closed")
)

// Classifier maps an error to a short label for structured log fields.
type Classifier interface {
	Classify(err error) string
}

// ClassifierFunc adapts a plain function to Classifier.
type ClassifierFunc func(error) string

// Classify implements Classifier.
func (f ClassifierFunc) Classify(err error) string { return f(err) }

// Default classifies the sentinels this package defines plus the common
// net/context cases, falling back to "unknown" for anything else.
var Default = ClassifierFunc(func(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrDial):
		return "dial"
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, ErrFraming):
		return "framing"
	case errors.Is(err, ErrPipeClosed):
		return "closed"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return "timeout"
		}
		return "unknown"
	}
})
