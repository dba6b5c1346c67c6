// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package session is the broker's only mutable shared state: which pipe is
// active for each agent, and which peer pids that agent has seen report
// busy since the last sweep. One Manager is constructed at startup and
// lives for the process's lifetime; it is never destroyed or reset.
package session

import (
	"fmt"
	"sort"
	"sync"

	"github.com/hyper-ai-inc/consolebroker/internal/pipename"
	"github.com/hyper-ai-inc/consolebroker/internal/platform"
)

// agentState holds the two pieces of state §3 assigns to an agent: the
// pipe it is currently pinned to, and the peer pids it has observed busy
// since the last ConsumeKnownBusyPids call.
type agentState struct {
	activePipeName string
	knownBusyPids  map[int]bool
}

func newAgentState() *agentState {
	return &agentState{knownBusyPids: make(map[int]bool)}
}

// Manager implements the full §4.3 Session Manager API. Every method that
// reads or writes agent state takes the same mutex; enumeration methods and
// the pipe-name helpers touch no agent state and take no lock. Enumeration
// calls out to internal/platform but never opens a pipe itself.
type Manager struct {
	base string

	mu     sync.Mutex
	agents map[string]*agentState
}

// NewManager returns a Manager scoped to base, the pipe-name prefix this
// broker and its peers share.
func NewManager(base string) *Manager {
	if base == "" {
		base = pipename.DefaultBase
	}
	return &Manager{base: base, agents: make(map[string]*agentState)}
}

// Base returns the pipe-name prefix this manager was constructed with.
func (m *Manager) Base() string {
	return m.base
}

// agentLocked returns the state for agentID, creating it on first use.
// Callers must hold m.mu.
func (m *Manager) agentLocked(agentID string) *agentState {
	st, ok := m.agents[agentID]
	if !ok {
		st = newAgentState()
		m.agents[agentID] = st
	}
	return st
}

// GetActivePipeName returns the pipe currently pinned to agentID, if any.
func (m *Manager) GetActivePipeName(agentID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.agentLocked(agentID)
	if st.activePipeName == "" {
		return "", false
	}
	return st.activePipeName, true
}

// SetActivePipeName pins agentID to name. Passing "" clears it.
func (m *Manager) SetActivePipeName(agentID, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agentLocked(agentID).activePipeName = name
}

// MarkPipeBusy records peerPid as observed busy for agentID.
func (m *Manager) MarkPipeBusy(agentID string, peerPid int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agentLocked(agentID).knownBusyPids[peerPid] = true
}

// UnmarkPipeBusy clears peerPid from agentID's busy set, e.g. once it is
// observed standby or completed again.
func (m *Manager) UnmarkPipeBusy(agentID string, peerPid int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.agentLocked(agentID).knownBusyPids, peerPid)
}

// ConsumeKnownBusyPids returns every peer pid accumulated since the last
// call and clears the set, so a closure is only ever reported once.
func (m *Manager) ConsumeKnownBusyPids(agentID string) []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.agentLocked(agentID)
	out := make([]int, 0, len(st.knownBusyPids))
	for pid := range st.knownBusyPids {
		out = append(out, pid)
	}
	st.knownBusyPids = make(map[int]bool)
	sort.Ints(out)
	return out
}

// ClearDeadPipe removes pipeName's peer pid from agentID's busy set and
// clears the active pipe if it was pinned to pipeName.
func (m *Manager) ClearDeadPipe(agentID, pipeName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.agentLocked(agentID)
	if st.activePipeName == pipeName {
		st.activePipeName = ""
	}
	if pid, err := pipename.PeerPid(m.base, pipeName); err == nil {
		delete(st.knownBusyPids, pid)
	}
}

// EnumeratePipes lists every live owned pipe matching
// <base>.<proxyPid>.<agentID>.*. It must not open any pipe it finds.
func (m *Manager) EnumeratePipes(proxyPid int, agentID string) ([]string, error) {
	prefix := fmt.Sprintf("%s.%d.%s", m.base, proxyPid, agentID)
	return platform.Enumerate(prefix)
}

// EnumerateAllOwned lists every live owned pipe belonging to proxyPid,
// across every agent. Used by the registration server, which must decide
// "is any pipe for this broker ready" without being scoped to one agent.
func (m *Manager) EnumerateAllOwned(proxyPid int) ([]string, error) {
	prefix := fmt.Sprintf("%s.%d", m.base, proxyPid)
	names, err := platform.Enumerate(prefix)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, n := range names {
		parsed, err := pipename.Parse(m.base, n)
		if err == nil && parsed.Kind == pipename.Owned {
			out = append(out, n)
		}
	}
	return out, nil
}

// EnumerateUnownedPipes lists every live pipe of shape <base>.<peerPid>,
// i.e. registered but not yet claimed by any broker/agent pair.
func (m *Manager) EnumerateUnownedPipes() ([]string, error) {
	names, err := platform.Enumerate(m.base)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, n := range names {
		parsed, err := pipename.Parse(m.base, n)
		if err == nil && parsed.Kind == pipename.Unowned {
			out = append(out, n)
		}
	}
	return out, nil
}

// GetPipeNameForPids constructs the owned pipe name for the given
// (proxyPid, agentID, peerPid) triple.
func (m *Manager) GetPipeNameForPids(proxyPid int, agentID string, peerPid int) string {
	return pipename.OwnedName(m.base, proxyPid, agentID, peerPid)
}

// GetPidFromPipeName extracts the trailing peer pid from name, whatever
// its shape (owned or unowned).
func (m *Manager) GetPidFromPipeName(name string) (int, error) {
	return pipename.PeerPid(m.base, name)
}
