// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package launch starts a new peer console host process and waits for it
// to clear the registration gate and become reachable under its owned
// pipe name, per §4.5.4 step 3.
package launch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/hyper-ai-inc/consolebroker/internal/peer"
	"github.com/hyper-ai-inc/consolebroker/internal/pipename"
	"github.com/hyper-ai-inc/consolebroker/internal/platform"
	"github.com/hyper-ai-inc/consolebroker/internal/registration"
	"github.com/hyper-ai-inc/consolebroker/internal/session"
)

// DefaultPollInterval is how often Launch checks the owned pipe for
// reachability once registration has been accepted.
const DefaultPollInterval = 100 * time.Millisecond

// DefaultWaitTimeout bounds how long Launch waits for the peer to
// register and come up before reporting failure (§5 "Console-startup
// wait: 40 s").
const DefaultWaitTimeout = 40 * time.Second

// Launcher spawns peer console host processes using a configurable command
// template, so the broker does not hardcode a single shell or platform.
type Launcher struct {
	// Command and Args describe the peer host binary to run. The peer
	// discovers its own identity and registers itself; no placeholders are
	// needed in Args.
	Command string
	Args    []string

	Base string
	Mgr  *session.Manager
	Reg  *registration.Server
	Log  *slog.Logger
}

// Launch starts a new peer process for agentID, waits for it to register
// with the broker's registration server, claims its unowned pipe, and
// blocks until the resulting owned pipe answers, or DefaultWaitTimeout
// elapses.
func (l *Launcher) Launch(ctx context.Context, agentID string) (int, error) {
	cmd := exec.CommandContext(context.Background(), l.Command, l.Args...)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = detachAttr()
	cmd.Env = os.Environ()

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("launch: start %s: %w", l.Command, err)
	}
	peerPid := cmd.Process.Pid
	l.Log.Info("[launch] peer process started", "agentId", agentID, "peerPid", peerPid, "command", l.Command)

	// The process is detached: reap it in the background so it never
	// becomes a zombie once it exits, without the broker blocking on it.
	go func() {
		_ = cmd.Wait()
	}()

	waitCtx, cancel := context.WithTimeout(ctx, DefaultWaitTimeout)
	defer cancel()

	if err := l.Reg.Await(waitCtx, peerPid); err != nil {
		return 0, fmt.Errorf("launch: peer pid %d did not register within %s: %w", peerPid, DefaultWaitTimeout, err)
	}

	proxyPid := os.Getpid()
	unownedName := pipename.UnownedName(l.Base, peerPid)
	_ = peer.New(platform.Address(unownedName)).Claim(waitCtx, proxyPid, agentID)

	ownedName := l.Mgr.GetPipeNameForPids(proxyPid, agentID, peerPid)
	ownedClient := peer.New(platform.Address(ownedName))

	ticker := time.NewTicker(DefaultPollInterval)
	defer ticker.Stop()
	for {
		if status, err := ownedClient.GetStatus(waitCtx); err == nil && !status.Dead() {
			return peerPid, nil
		}
		select {
		case <-waitCtx.Done():
			return 0, fmt.Errorf("launch: peer pid %d did not become reachable under %s within %s", peerPid, ownedName, DefaultWaitTimeout)
		case <-ticker.C:
		}
	}
}

// DefaultCommandFor returns a reasonable default peer-launch command for the
// current platform, used when no --peer-command override is configured.
func DefaultCommandFor(goos string) (string, []string) {
	switch goos {
	case "windows":
		return "powershell.exe", []string{"-NoExit", "-Command", "-"}
	default:
		return firstAvailable([]string{"pwsh", "powershell"}), nil
	}
}

func firstAvailable(candidates []string) string {
	for _, c := range candidates {
		if path, err := exec.LookPath(c); err == nil {
			return path
		}
	}
	return candidates[0]
}
