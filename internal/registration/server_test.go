// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package registration

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/hyper-ai-inc/consolebroker/internal/domain"
	"github.com/hyper-ai-inc/consolebroker/internal/logging"
	"github.com/hyper-ai-inc/consolebroker/internal/pipename"
	"github.com/hyper-ai-inc/consolebroker/internal/platform"
	"github.com/hyper-ai-inc/consolebroker/internal/session"
	"github.com/hyper-ai-inc/consolebroker/internal/transport"
)

func testBase(t *testing.T) string {
	return fmt.Sprintf("test.registration.%d", time.Now().UnixNano())
}

func dialAndRegister(t *testing.T, base string, peerPid int) string {
	t.Helper()
	addr := platform.Address(pipename.RegistrationName(base))

	conn, err := transport.Dial(context.Background(), addr)
	if err != nil {
		t.Fatalf("dial registration pipe: %v", err)
	}
	defer conn.Close()

	if err := transport.WriteFrame(conn, []byte(fmt.Sprintf("REGISTER:%d", peerPid))); err != nil {
		t.Fatalf("write register frame: %v", err)
	}
	raw, err := transport.ReadFrame(bufio.NewReader(conn))
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	return string(raw)
}

func TestRegistrationAcceptsWhenNoOtherPipeIsReady(t *testing.T) {
	base := testBase(t)
	mgr := session.NewManager(base)
	log := logging.New(logging.ParseLevel("error"))
	srv := New(base, mgr, log)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer srv.Stop()

	reply := dialAndRegister(t, base, 4242)
	if reply != "OK" {
		t.Fatalf("reply = %q, want OK", reply)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := srv.Await(ctx, 4242); err != nil {
		t.Fatalf("Await: %v", err)
	}
}

func TestRegistrationRejectsWhenAnotherPipeIsReady(t *testing.T) {
	base := testBase(t)
	mgr := session.NewManager(base)
	log := logging.New(logging.ParseLevel("error"))
	srv := New(base, mgr, log)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer srv.Stop()

	unownedName := pipename.UnownedName(base, 1000)
	addr := platform.Address(unownedName)
	l, err := transport.Listen(addr)
	if err != nil {
		t.Fatalf("listen stub pipe: %v", err)
	}
	defer func() {
		l.Close()
		os.Remove(addr)
	}()
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				if _, err := transport.ReadFrame(bufio.NewReader(conn)); err != nil {
					return
				}
				hdr, _ := json.Marshal(domain.PeerStatus{Status: domain.StatusStandby, Pid: 1000})
				resp := append(hdr, []byte("\n\n")...)
				_ = transport.WriteFrame(conn, resp)
			}()
		}
	}()

	reply := dialAndRegister(t, base, 5555)
	if reply != "REJECT" {
		t.Fatalf("reply = %q, want REJECT", reply)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := srv.Await(ctx, 5555); err == nil {
		t.Fatalf("Await should not resolve for a rejected peer")
	}
}

func TestRegistrationRejectsOversizedMessage(t *testing.T) {
	base := testBase(t)
	mgr := session.NewManager(base)
	log := logging.New(logging.ParseLevel("error"))
	srv := New(base, mgr, log)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer srv.Stop()

	addr := platform.Address(pipename.RegistrationName(base))
	conn, err := transport.Dial(context.Background(), addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	oversized := make([]byte, maxRegisterMessageBytes+1)
	if err := transport.WriteFrame(conn, oversized); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	if _, err := transport.ReadFrame(bufio.NewReader(conn)); err == nil {
		t.Fatalf("expected the server to close without replying to an oversized message")
	}
}
