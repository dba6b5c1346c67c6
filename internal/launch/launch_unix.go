// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

//go:build !windows

package launch

import "syscall"

// detachAttr puts the peer process in its own process group so a signal
// sent to the broker's group (e.g. Ctrl+C at the controlling terminal)
// doesn't also kill the console the broker just launched.
func detachAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}
