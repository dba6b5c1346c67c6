// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package session

import (
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/hyper-ai-inc/consolebroker/internal/platform"
)

func TestActivePipeNameLifecycle(t *testing.T) {
	mgr := NewManager("Base")
	if _, ok := mgr.GetActivePipeName("a1"); ok {
		t.Fatalf("expected no active pipe before SetActivePipeName")
	}
	mgr.SetActivePipeName("a1", "Base.100.a1.200")
	got, ok := mgr.GetActivePipeName("a1")
	if !ok || got != "Base.100.a1.200" {
		t.Fatalf("GetActivePipeName() = (%q, %v), want (\"Base.100.a1.200\", true)", got, ok)
	}
	mgr.SetActivePipeName("a1", "")
	if _, ok := mgr.GetActivePipeName("a1"); ok {
		t.Fatalf("expected no active pipe after clearing")
	}
}

func TestAgentIsolation(t *testing.T) {
	mgr := NewManager("Base")
	mgr.SetActivePipeName("a1", "Base.100.a1.200")
	mgr.SetActivePipeName("a2", "Base.100.a2.300")
	got1, _ := mgr.GetActivePipeName("a1")
	got2, _ := mgr.GetActivePipeName("a2")
	if got1 == got2 {
		t.Fatalf("agents must not share an active pipe name: %q == %q", got1, got2)
	}
}

func TestConsumeKnownBusyPidsClears(t *testing.T) {
	mgr := NewManager("Base")
	mgr.MarkPipeBusy("a1", 100)
	mgr.MarkPipeBusy("a1", 200)
	got := mgr.ConsumeKnownBusyPids("a1")
	if len(got) != 2 || got[0] != 100 || got[1] != 200 {
		t.Fatalf("ConsumeKnownBusyPids() = %v, want [100 200]", got)
	}
	if got := mgr.ConsumeKnownBusyPids("a1"); len(got) != 0 {
		t.Fatalf("second ConsumeKnownBusyPids() = %v, want empty", got)
	}
}

func TestUnmarkPipeBusyRemovesSingleEntry(t *testing.T) {
	mgr := NewManager("Base")
	mgr.MarkPipeBusy("a1", 100)
	mgr.MarkPipeBusy("a1", 200)
	mgr.UnmarkPipeBusy("a1", 100)
	got := mgr.ConsumeKnownBusyPids("a1")
	if len(got) != 1 || got[0] != 200 {
		t.Fatalf("ConsumeKnownBusyPids() = %v, want [200]", got)
	}
}

func TestClearDeadPipeClearsActiveAndBusy(t *testing.T) {
	mgr := NewManager("Base")
	name := mgr.GetPipeNameForPids(100, "a1", 200)
	mgr.SetActivePipeName("a1", name)
	mgr.MarkPipeBusy("a1", 200)

	mgr.ClearDeadPipe("a1", name)

	if _, ok := mgr.GetActivePipeName("a1"); ok {
		t.Fatalf("expected active pipe cleared")
	}
	if got := mgr.ConsumeKnownBusyPids("a1"); len(got) != 0 {
		t.Fatalf("expected busy set cleared, got %v", got)
	}
}

func TestPipeNameRoundTrip(t *testing.T) {
	mgr := NewManager("Base")
	name := mgr.GetPipeNameForPids(100, "a1", 200)
	pid, err := mgr.GetPidFromPipeName(name)
	if err != nil || pid != 200 {
		t.Fatalf("GetPidFromPipeName(%q) = (%d, %v), want (200, nil)", name, pid, err)
	}
}

// touchSocket creates an empty socket-shaped file so platform.Enumerate
// picks it up without needing a real listener.
func touchSocket(t *testing.T, name string) {
	t.Helper()
	if err := platform.EnsureSocketDir(); err != nil {
		t.Fatalf("EnsureSocketDir: %v", err)
	}
	f, err := os.Create(platform.Address(name))
	if err != nil {
		t.Fatalf("create stub socket file: %v", err)
	}
	f.Close()
	t.Cleanup(func() { os.Remove(platform.Address(name)) })
}

func TestEnumerateAllOwnedSpansEveryAgent(t *testing.T) {
	base := fmt.Sprintf("test.session.%d", time.Now().UnixNano())
	mgr := NewManager(base)

	owned1 := mgr.GetPipeNameForPids(111, "a1", 10)
	owned2 := mgr.GetPipeNameForPids(111, "a2", 20)
	unowned := fmt.Sprintf("%s.30", base)
	touchSocket(t, owned1)
	touchSocket(t, owned2)
	touchSocket(t, unowned)

	got, err := mgr.EnumerateAllOwned(111)
	if err != nil {
		t.Fatalf("EnumerateAllOwned: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("EnumerateAllOwned() = %v, want 2 entries spanning both agents", got)
	}

	unownedGot, err := mgr.EnumerateUnownedPipes()
	if err != nil {
		t.Fatalf("EnumerateUnownedPipes: %v", err)
	}
	if len(unownedGot) != 1 || unownedGot[0] != unowned {
		t.Fatalf("EnumerateUnownedPipes() = %v, want [%s]", unownedGot, unowned)
	}
}
