// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

//go:build windows

package transport

import (
	"errors"
	"fmt"
	"net"
	"os/user"
	"regexp"
	"strings"

	"github.com/Microsoft/go-winio"
)

var validSIDPattern = regexp.MustCompile(`^S-1(-\d+)+$`)

// Listen opens a named-pipe listener at address with a DACL restricted to
// the current user and SYSTEM, so another local account cannot connect to
// or impersonate the broker.
func Listen(address string) (net.Listener, error) {
	sd, err := currentUserSecurityDescriptor()
	if err != nil {
		return nil, err
	}
	return winio.ListenPipe(address, &winio.PipeConfig{
		SecurityDescriptor: sd,
		MessageMode:        false,
		InputBufferSize:    int32(MaxFrameBytes),
		OutputBufferSize:   int32(MaxFrameBytes),
	})
}

func currentUserSecurityDescriptor() (string, error) {
	current, err := user.Current()
	if err != nil {
		return "", fmt.Errorf("resolve current user: %w", err)
	}
	sid := strings.TrimSpace(current.Uid)
	if sid == "" {
		return "", errors.New("current user SID is unavailable")
	}
	if !validSIDPattern.MatchString(sid) {
		return "", fmt.Errorf("current user SID has unexpected format: %s", sid)
	}
	// D:P = protected DACL, no inheritance.
	// (A;;GA;;;SY) grants SYSTEM full access; (A;;GA;;;%s) grants the
	// current user full access. No other principal can open the pipe.
	return fmt.Sprintf("D:P(A;;GA;;;SY)(A;;GA;;;%s)", sid), nil
}
