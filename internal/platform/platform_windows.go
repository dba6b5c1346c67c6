// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

//go:build windows

package platform

import (
	"fmt"
	"os"
	"strings"
)

// Address converts a logical pipe name into a \\.\pipe\ address.
func Address(name string) string {
	return fmt.Sprintf(`\\.\pipe\%s`, name)
}

// Enumerate lists the logical pipe names currently present in the \\.\pipe\
// namespace whose name begins with base. Windows has no directory listing
// for named pipes comparable to Unix socket files, so this walks the
// well-known pipe filesystem root exposed under \\.\pipe.
func Enumerate(base string) ([]string, error) {
	entries, err := os.ReadDir(`\\.\pipe`)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, base+".") || name == base {
			names = append(names, name)
		}
	}
	return names, nil
}

// EnsureSocketDir is a no-op on Windows: go-winio manages the pipe
// namespace itself and requires no directory to be created up front.
func EnsureSocketDir() error {
	return nil
}
