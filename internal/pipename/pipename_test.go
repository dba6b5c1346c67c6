// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package pipename

import "testing"

func TestOwnedRoundTrip(t *testing.T) {
	name := Name{Base: DefaultBase, Kind: Owned, ProxyPid: 1234, AgentID: "abcd1234", PeerPid: 5678}
	parsed, err := Parse(DefaultBase, name.String())
	if err != nil {
		t.Fatalf("Parse(%q): %v", name.String(), err)
	}
	if parsed != name {
		t.Fatalf("round trip mismatch: got %+v, want %+v", parsed, name)
	}
}

func TestUnownedRoundTrip(t *testing.T) {
	name := Name{Base: DefaultBase, Kind: Unowned, PeerPid: 4242}
	parsed, err := Parse(DefaultBase, name.String())
	if err != nil {
		t.Fatalf("Parse(%q): %v", name.String(), err)
	}
	if parsed != name {
		t.Fatalf("round trip mismatch: got %+v, want %+v", parsed, name)
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	cases := []string{
		"",
		"onlyonepart",
		DefaultBase + ".notanumber.agent.123",
		DefaultBase + ".123.agent.notanumber",
		DefaultBase + ".123.agent.456.extra",
		"WrongBase.123",
	}
	for _, c := range cases {
		if _, err := Parse(DefaultBase, c); err == nil {
			t.Errorf("Parse(%q): expected error, got nil", c)
		}
	}
}

func TestPeerPidWorksForBothShapes(t *testing.T) {
	owned := OwnedName(DefaultBase, 1234, "a1", 5678)
	if pid, err := PeerPid(DefaultBase, owned); err != nil || pid != 5678 {
		t.Fatalf("PeerPid(owned) = (%d, %v), want (5678, nil)", pid, err)
	}
	unowned := UnownedName(DefaultBase, 4242)
	if pid, err := PeerPid(DefaultBase, unowned); err != nil || pid != 4242 {
		t.Fatalf("PeerPid(unowned) = (%d, %v), want (4242, nil)", pid, err)
	}
}

func TestRegistrationName(t *testing.T) {
	got := RegistrationName("MyBase")
	want := "MyBase.Registration"
	if got != want {
		t.Fatalf("RegistrationName() = %q, want %q", got, want)
	}
	if !IsRegistration(got, "MyBase") {
		t.Fatalf("IsRegistration(%q) = false, want true", got)
	}
	parsed, err := Parse("MyBase", got)
	if err != nil || parsed.Kind != Registration {
		t.Fatalf("Parse(registration) = (%+v, %v), want Kind=Registration", parsed, err)
	}
}

func TestRegistrationNameDefaultsBase(t *testing.T) {
	got := RegistrationName("")
	want := DefaultBase + ".Registration"
	if got != want {
		t.Fatalf("RegistrationName(\"\") = %q, want %q", got, want)
	}
}
