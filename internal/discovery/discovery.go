// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package discovery implements FindReadyPipe and CollectAllCachedOutputs:
// the two sweeps the tool handlers run before talking to a console, and
// after, respectively (wait_for_completion runs only the second).
package discovery

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hyper-ai-inc/consolebroker/internal/domain"
	"github.com/hyper-ai-inc/consolebroker/internal/peer"
	"github.com/hyper-ai-inc/consolebroker/internal/platform"
	"github.com/hyper-ai-inc/consolebroker/internal/session"
)

// claimPollAttempts and claimPollInterval bound how long FindReadyPipe
// waits for a freshly claimed pipe to come up under its new owned name.
const (
	claimPollAttempts = 20
	claimPollInterval = 100 * time.Millisecond
)

func clientFor(name string) *peer.Client {
	return peer.New(platform.Address(name))
}

func closedMessage(pid int) string {
	return fmt.Sprintf("Console PID %d was closed", pid)
}

func formatBusyLine(status domain.PeerStatus) string {
	if status.StatusLine != "" {
		return status.StatusLine
	}
	pipeline := ""
	if status.Pipeline != nil {
		pipeline = *status.Pipeline
	}
	if status.Reason != "" {
		return fmt.Sprintf("PID %d busy (%s): %s", status.Pid, status.Reason, pipeline)
	}
	return fmt.Sprintf("PID %d busy: %s", status.Pid, pipeline)
}

// FindReadyPipe implements the §4.4 algorithm: detect closures since the
// last call, probe the agent's active pipe, probe its other owned
// siblings, and finally try to claim an unowned pipe on the system. It
// returns the first ready pipe it finds, or an aggregated status report if
// none is ready.
func FindReadyPipe(ctx context.Context, mgr *session.Manager, agentID string) (domain.PipeDiscoveryResult, error) {
	proxyPid := os.Getpid()

	// Step 1: detect closures.
	live, err := mgr.EnumeratePipes(proxyPid, agentID)
	if err != nil {
		return domain.PipeDiscoveryResult{}, fmt.Errorf("discovery: enumerate pipes: %w", err)
	}
	liveSet := make(map[int]bool, len(live))
	for _, name := range live {
		if pid, err := mgr.GetPidFromPipeName(name); err == nil {
			liveSet[pid] = true
		}
	}
	var closedMessages []string
	reported := make(map[int]bool)
	for _, pid := range mgr.ConsumeKnownBusyPids(agentID) {
		if !liveSet[pid] {
			closedMessages = append(closedMessages, closedMessage(pid))
			reported[pid] = true
		}
	}

	var busyLines []string

	// Step 2: probe the active pipe.
	if active, ok := mgr.GetActivePipeName(agentID); ok {
		status, err := clientFor(active).GetStatus(ctx)
		if err != nil || status.Dead() {
			mgr.ClearDeadPipe(agentID, active)
			if pid, perr := mgr.GetPidFromPipeName(active); perr == nil && !reported[pid] {
				closedMessages = append(closedMessages, closedMessage(pid))
			}
		} else {
			switch status.Status {
			case domain.StatusStandby, domain.StatusCompleted:
				mgr.UnmarkPipeBusy(agentID, status.Pid)
				return domain.PipeDiscoveryResult{ReadyPipeName: active, ConsoleSwitched: false, ClosedConsoleMessages: closedMessages}, nil
			case domain.StatusBusy:
				mgr.MarkPipeBusy(agentID, status.Pid)
				busyLines = append(busyLines, formatBusyLine(status))
			}
		}
	}

	active, _ := mgr.GetActivePipeName(agentID)

	// Step 3: probe owned siblings.
	for _, name := range live {
		if name == active {
			continue
		}
		status, err := clientFor(name).GetStatus(ctx)
		if err != nil || status.Dead() {
			continue
		}
		switch status.Status {
		case domain.StatusStandby, domain.StatusCompleted:
			mgr.SetActivePipeName(agentID, name)
			mgr.UnmarkPipeBusy(agentID, status.Pid)
			return domain.PipeDiscoveryResult{ReadyPipeName: name, ConsoleSwitched: true, ClosedConsoleMessages: closedMessages}, nil
		case domain.StatusBusy:
			mgr.MarkPipeBusy(agentID, status.Pid)
			busyLines = append(busyLines, formatBusyLine(status))
		}
	}

	// Step 4: claim an unowned pipe.
	unowned, err := mgr.EnumerateUnownedPipes()
	if err == nil {
		for _, name := range unowned {
			status, err := clientFor(name).GetStatus(ctx)
			if err != nil || status.Dead() {
				continue
			}
			if status.Status != domain.StatusStandby && status.Status != domain.StatusCompleted {
				continue
			}
			peerPid, err := mgr.GetPidFromPipeName(name)
			if err != nil {
				continue
			}

			_ = clientFor(name).Claim(ctx, proxyPid, agentID)

			newName := mgr.GetPipeNameForPids(proxyPid, agentID, peerPid)
			newClient := clientFor(newName)
			for attempt := 0; attempt < claimPollAttempts; attempt++ {
				select {
				case <-ctx.Done():
					return domain.PipeDiscoveryResult{}, ctx.Err()
				case <-time.After(claimPollInterval):
				}
				s, err := newClient.GetStatus(ctx)
				if err == nil && !s.Dead() {
					mgr.SetActivePipeName(agentID, newName)
					mgr.UnmarkPipeBusy(agentID, peerPid)
					return domain.PipeDiscoveryResult{ReadyPipeName: newName, ConsoleSwitched: true, ClosedConsoleMessages: closedMessages}, nil
				}
			}
		}
	}

	// Step 5: nothing ready.
	return domain.PipeDiscoveryResult{
		ClosedConsoleMessages: closedMessages,
		AllPipesStatusInfo:    strings.Join(busyLines, "\n"),
	}, nil
}

// CollectAllCachedOutputs sweeps every owned pipe for agentID except
// excludePipe, consuming and rewriting completed output and accumulating
// busy-sibling status lines per §4.4.
func CollectAllCachedOutputs(ctx context.Context, mgr *session.Manager, agentID, excludePipe string) domain.CachedOutputResult {
	proxyPid := os.Getpid()
	live, err := mgr.EnumeratePipes(proxyPid, agentID)
	if err != nil {
		return domain.CachedOutputResult{}
	}

	var completed []string
	var busyLines []string
	for _, name := range live {
		if name == excludePipe {
			continue
		}
		client := clientFor(name)
		status, err := client.GetStatus(ctx)
		if err != nil || status.Dead() {
			mgr.ClearDeadPipe(agentID, name)
			continue
		}
		switch status.Status {
		case domain.StatusCompleted:
			if out, err := client.ConsumeOutput(ctx); err == nil {
				rewritten := strings.ReplaceAll(out, "| Status: Ready |", "| Status: Standby |")
				completed = append(completed, rewritten)
			}
			mgr.UnmarkPipeBusy(agentID, status.Pid)
		case domain.StatusBusy:
			busyLines = append(busyLines, formatBusyLine(status))
			mgr.MarkPipeBusy(agentID, status.Pid)
		case domain.StatusStandby:
			mgr.UnmarkPipeBusy(agentID, status.Pid)
		}
	}

	return domain.CachedOutputResult{
		CompletedOutput: strings.Join(completed, "\n\n"),
		BusyStatusInfo:  strings.Join(busyLines, "\n"),
	}
}
