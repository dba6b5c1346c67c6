// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package pipename builds and parses the dotted named-pipe identifiers the
// broker and its peers use to find each other.
//
// Three shapes share one base prefix:
//
//	<Base>.<ProxyPid>.<AgentID>.<PeerPid>   owned:   claimed by one broker/agent
//	<Base>.<PeerPid>                        unowned: not yet claimed by anyone
//	<Base>.Registration                     the broker's well-known inbound pipe
//
// Base itself may contain dots (the default, "PowerShell.MCP.Communication",
// has two), so parsing always strips a known base prefix first rather than
// guessing field boundaries from dot count alone.
package pipename

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// DefaultBase is the pipe-name prefix used unless overridden by
// configuration. It matches the identifier the peer console host uses.
const DefaultBase = "PowerShell.MCP.Communication"

// RegistrationSuffix names the broker's well-known inbound pipe.
const RegistrationSuffix = "Registration"

// ErrMalformed is returned when a string does not match the expected dotted
// pipe-name grammar for any known shape.
var ErrMalformed = errors.New("pipename: malformed pipe name")

// Kind distinguishes the three pipe-name shapes.
type Kind int

const (
	Unknown Kind = iota
	Owned
	Unowned
	Registration
)

// Name identifies one pipe, owned, unowned, or the registration pipe.
// ProxyPid and AgentID are zero/empty for Unowned and Registration names.
type Name struct {
	Base     string
	Kind     Kind
	ProxyPid int
	AgentID  string
	PeerPid  int
}

// RegistrationName builds the well-known registration pipe name for base.
func RegistrationName(base string) string {
	if base == "" {
		base = DefaultBase
	}
	return base + "." + RegistrationSuffix
}

// OwnedName renders the owned-pipe form directly, without constructing a
// Name value first.
func OwnedName(base string, proxyPid int, agentID string, peerPid int) string {
	return fmt.Sprintf("%s.%d.%s.%d", base, proxyPid, agentID, peerPid)
}

// UnownedName renders the unowned-pipe form.
func UnownedName(base string, peerPid int) string {
	return fmt.Sprintf("%s.%d", base, peerPid)
}

// String renders n in its canonical dotted form for its Kind.
func (n Name) String() string {
	switch n.Kind {
	case Owned:
		return OwnedName(n.Base, n.ProxyPid, n.AgentID, n.PeerPid)
	case Unowned:
		return UnownedName(n.Base, n.PeerPid)
	case Registration:
		return RegistrationName(n.Base)
	default:
		return ""
	}
}

// Parse decodes a dotted pipe name against a known base prefix, identifying
// which of the three shapes it is.
func Parse(base, s string) (Name, error) {
	if base == "" {
		base = DefaultBase
	}
	if s == RegistrationName(base) {
		return Name{Base: base, Kind: Registration}, nil
	}
	if !strings.HasPrefix(s, base+".") {
		return Name{}, fmt.Errorf("%w: %q does not start with base %q", ErrMalformed, s, base)
	}
	rest := strings.TrimPrefix(s, base+".")
	parts := strings.Split(rest, ".")

	switch len(parts) {
	case 1:
		peerPid, err := strconv.Atoi(parts[0])
		if err != nil {
			return Name{}, fmt.Errorf("%w: peer pid %q: %v", ErrMalformed, parts[0], err)
		}
		return Name{Base: base, Kind: Unowned, PeerPid: peerPid}, nil
	case 3:
		proxyPid, err := strconv.Atoi(parts[0])
		if err != nil {
			return Name{}, fmt.Errorf("%w: proxy pid %q: %v", ErrMalformed, parts[0], err)
		}
		agentID := parts[1]
		peerPid, err := strconv.Atoi(parts[2])
		if err != nil {
			return Name{}, fmt.Errorf("%w: peer pid %q: %v", ErrMalformed, parts[2], err)
		}
		return Name{Base: base, Kind: Owned, ProxyPid: proxyPid, AgentID: agentID, PeerPid: peerPid}, nil
	default:
		return Name{}, fmt.Errorf("%w: %q", ErrMalformed, s)
	}
}

// PeerPid extracts the trailing peer-pid component from any pipe name shape
// (owned or unowned) without the caller needing to know which shape it is.
// This is the GetPidFromPipeName operation.
func PeerPid(base, s string) (int, error) {
	n, err := Parse(base, s)
	if err != nil {
		return 0, err
	}
	if n.Kind != Owned && n.Kind != Unowned {
		return 0, fmt.Errorf("%w: %q has no peer pid", ErrMalformed, s)
	}
	return n.PeerPid, nil
}

// IsRegistration reports whether s names the registration pipe for base.
func IsRegistration(s, base string) bool {
	return s == RegistrationName(base)
}
