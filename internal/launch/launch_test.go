// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package launch

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/hyper-ai-inc/consolebroker/internal/domain"
	"github.com/hyper-ai-inc/consolebroker/internal/logging"
	"github.com/hyper-ai-inc/consolebroker/internal/pipename"
	"github.com/hyper-ai-inc/consolebroker/internal/platform"
	"github.com/hyper-ai-inc/consolebroker/internal/registration"
	"github.com/hyper-ai-inc/consolebroker/internal/session"
	"github.com/hyper-ai-inc/consolebroker/internal/transport"
)

// waitForPid polls pidFile (written by the spawned shell with "echo $$")
// until it contains the real OS pid Launch is about to wait on, since that
// pid is only assigned once the process actually starts.
func waitForPid(t *testing.T, pidFile string) int {
	t.Helper()
	deadline := time.Now().Add(4 * time.Second)
	for time.Now().Before(deadline) {
		raw, err := os.ReadFile(pidFile)
		if err == nil && strings.TrimSpace(string(raw)) != "" {
			pid, perr := strconv.Atoi(strings.TrimSpace(string(raw)))
			if perr == nil {
				return pid
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("pid file %s never appeared", pidFile)
	return 0
}

// simulatePeerHost plays the peer binary's side of the startup protocol for
// the real OS process Launch spawns: register, wait to be claimed, then
// answer get_status on the resulting owned pipe.
func simulatePeerHost(t *testing.T, base string, peerPid int) {
	t.Helper()

	regAddr := platform.Address(pipename.RegistrationName(base))
	var conn interface {
		Close() error
	}
	var dialed bool
	for i := 0; i < 100; i++ {
		c, err := transport.Dial(context.Background(), regAddr)
		if err == nil {
			conn = c
			dialed = true
			_ = transport.WriteFrame(c, []byte(fmt.Sprintf("REGISTER:%d", peerPid)))
			_, _ = transport.ReadFrame(bufio.NewReader(c))
			c.Close()
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if !dialed {
		t.Errorf("simulatePeerHost: could not reach registration pipe")
		return
	}
	_ = conn

	unownedAddr := platform.Address(pipename.UnownedName(base, peerPid))
	ul, err := transport.Listen(unownedAddr)
	if err != nil {
		t.Errorf("simulatePeerHost: listen unowned: %v", err)
		return
	}
	defer func() {
		ul.Close()
		os.Remove(unownedAddr)
	}()

	claimConn, err := ul.Accept()
	if err != nil {
		t.Errorf("simulatePeerHost: accept claim: %v", err)
		return
	}
	req, err := transport.ReadFrame(bufio.NewReader(claimConn))
	claimConn.Close()
	if err != nil {
		t.Errorf("simulatePeerHost: read claim: %v", err)
		return
	}
	var decoded struct {
		ProxyPid int    `json:"proxy_pid"`
		AgentID  string `json:"agent_id"`
	}
	_ = json.Unmarshal(req, &decoded)

	ownedAddr := platform.Address(pipename.OwnedName(base, decoded.ProxyPid, decoded.AgentID, peerPid))
	ol, err := transport.Listen(ownedAddr)
	if err != nil {
		t.Errorf("simulatePeerHost: listen owned: %v", err)
		return
	}
	defer func() {
		ol.Close()
		os.Remove(ownedAddr)
	}()

	for {
		c, err := ol.Accept()
		if err != nil {
			return
		}
		if _, err := transport.ReadFrame(bufio.NewReader(c)); err != nil {
			c.Close()
			return
		}
		hdr, _ := json.Marshal(domain.PeerStatus{Status: domain.StatusStandby, Pid: peerPid})
		_ = transport.WriteFrame(c, append(hdr, []byte("\n\n")...))
		c.Close()
	}
}

func TestLaunchWaitsForRegistrationThenClaim(t *testing.T) {
	base := fmt.Sprintf("test.launch.%d", time.Now().UnixNano())
	mgr := session.NewManager(base)
	log := logging.New(logging.ParseLevel("error"))
	reg := registration.New(base, mgr, log)
	if err := reg.Start(); err != nil {
		t.Fatalf("registration Start: %v", err)
	}
	defer reg.Stop()

	pidFile := filepath.Join(t.TempDir(), "peer.pid")
	launcher := &Launcher{
		Command: "/bin/sh",
		Args:    []string{"-c", fmt.Sprintf("echo $$ > %s; sleep 3", pidFile)},
		Base:    base,
		Mgr:     mgr,
		Reg:     reg,
		Log:     log,
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		peerPid := waitForPid(t, pidFile)
		simulatePeerHost(t, base, peerPid)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 6*time.Second)
	defer cancel()

	peerPid, err := launcher.Launch(ctx, "agent-1")
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if peerPid == 0 {
		t.Fatalf("Launch returned pid 0")
	}
}

func TestDefaultCommandForReturnsNonEmptyCommand(t *testing.T) {
	cmd, _ := DefaultCommandFor("linux")
	if cmd == "" {
		t.Fatalf("expected a non-empty fallback command")
	}
}
