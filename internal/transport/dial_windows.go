// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

//go:build windows

package transport

import (
	"context"
	"net"

	"github.com/Microsoft/go-winio"
)

// Dial connects to a peer addressed by its \\.\pipe\ name.
func Dial(ctx context.Context, address string) (net.Conn, error) {
	return winio.DialPipeContext(ctx, address)
}
