// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

//go:build windows

package launch

import "syscall"

// detachAttr starts the peer in its own process group so closing the
// broker's console window does not send a Ctrl+Break to the peer.
func detachAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{CreationFlags: 0x00000200} // CREATE_NEW_PROCESS_GROUP
}
