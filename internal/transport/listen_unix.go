// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

//go:build !windows

package transport

import (
	"net"
	"os"

	"github.com/hyper-ai-inc/consolebroker/internal/platform"
)

// Listen opens a Unix-domain-socket listener at address, removing any stale
// socket file left behind by a prior broker process that did not shut down
// cleanly, and restricting access to the owning user.
func Listen(address string) (net.Listener, error) {
	if err := platform.EnsureSocketDir(); err != nil {
		return nil, err
	}
	_ = os.Remove(address)

	l, err := net.Listen("unix", address)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(address, 0o600); err != nil {
		l.Close()
		return nil, err
	}
	return l, nil
}
