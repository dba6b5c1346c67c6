// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package logging configures the broker's structured logger. Info is used
// for lifecycle events (broker start and shutdown, peer launched,
// registration accepted or rejected) and Debug for per-call events (tool
// call received, best-effort failures, accept and read errors); Warn and
// Error mark failures the broker recovers from or exits on.
package logging

import (
	"log/slog"
	"os"
)

// New builds the process logger. It always writes to stderr: stdout carries
// the JSON-RPC stream to the MCP client and must never receive log output.
func New(level slog.Level) *slog.Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return slog.New(handler)
}

// ParseLevel maps a CLI/env level name to a slog.Level, defaulting to Info
// for anything unrecognized.
func ParseLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
