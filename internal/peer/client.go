// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package peer is the typed client the broker uses to talk to a peer
// console over its named pipe. Every method dials, sends one request
// frame, reads one response frame, and closes the connection; there is no
// persistent session with a peer.
//
// Every request body is a JSON object carrying "name" (the verb) and
// "proxy_version", plus verb-specific fields. Every response body, except
// claim_console's, is "<jsonHeader>\n\n<body>": one line of JSON decoding
// into a status header, a blank line, then a free-form text body.
package peer

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hyper-ai-inc/consolebroker/internal/domain"
	"github.com/hyper-ai-inc/consolebroker/internal/errclass"
	"github.com/hyper-ai-inc/consolebroker/internal/transport"
)

// ProxyVersion is sent as the "proxy_version" field on every request. It is
// a var, not a const, so cmd/proxyd can stamp it with the build version.
var ProxyVersion = "1.0.0.0"

type baseRequest struct {
	Name         string `json:"name"`
	ProxyVersion string `json:"proxy_version"`
}

type invokeRequest struct {
	baseRequest
	Pipeline       string            `json:"pipeline"`
	TimeoutSeconds int               `json:"timeout_seconds"`
	Env            map[string]string `json:"env,omitempty"`
}

type claimRequest struct {
	baseRequest
	ProxyPid int    `json:"proxy_pid"`
	AgentID  string `json:"agent_id"`
}

type titleRequest struct {
	baseRequest
	Title string `json:"title"`
}

func newBase(name string) baseRequest {
	return baseRequest{Name: name, ProxyVersion: ProxyVersion}
}

// Client issues requests against a single peer pipe address.
type Client struct {
	address string
}

// New returns a Client bound to a peer pipe's resolved OS address.
func New(address string) *Client {
	return &Client{address: address}
}

func (c *Client) roundTrip(ctx context.Context, req any) ([]byte, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("peer: encode request: %w", err)
	}
	return transport.Exchange(ctx, c.address, payload)
}

// splitHeaderBody decodes the "<jsonHeader>\n\n<body>" wire format. A
// header that fails to parse as JSON is not an error: §7 requires treating
// a non-JSON header as an opaque success with the entire response as body.
func splitHeaderBody(raw []byte) (domain.PeerStatus, string) {
	s := string(raw)
	idx := strings.Index(s, "\n\n")
	headerStr, body := s, ""
	if idx >= 0 {
		headerStr, body = s[:idx], s[idx+2:]
	}
	if strings.TrimSpace(headerStr) == "" {
		return domain.PeerStatus{}, body
	}
	var hdr domain.PeerStatus
	if err := json.Unmarshal([]byte(headerStr), &hdr); err != nil {
		return domain.PeerStatus{Status: domain.StatusSuccess}, s
	}
	return hdr, body
}

// GetStatus probes the peer for its current status header. A peer that
// cannot be reached returns the zero PeerStatus, which PeerStatus.Dead
// reports as dead.
func (c *Client) GetStatus(ctx context.Context) (domain.PeerStatus, error) {
	raw, err := c.roundTrip(ctx, newBase("get_status"))
	if err != nil {
		return domain.PeerStatus{}, err
	}
	hdr, _ := splitHeaderBody(raw)
	return hdr, nil
}

// GetCurrentLocation asks the peer for a human-readable description of its
// current working location.
func (c *Client) GetCurrentLocation(ctx context.Context) (string, error) {
	raw, err := c.roundTrip(ctx, newBase("get_current_location"))
	if err != nil {
		return "", err
	}
	_, body := splitHeaderBody(raw)
	return body, nil
}

// ConsumeOutput drains and returns the peer's cached completed output,
// clearing it on the peer's side.
func (c *Client) ConsumeOutput(ctx context.Context) (string, error) {
	raw, err := c.roundTrip(ctx, newBase("consume_output"))
	if err != nil {
		return "", err
	}
	_, body := splitHeaderBody(raw)
	return body, nil
}

// InvokeExpression asks the peer to evaluate pipeline, waiting up to
// timeoutSeconds before caching the result and reporting timeout instead.
func (c *Client) InvokeExpression(ctx context.Context, pipeline string, timeoutSeconds int, env map[string]string) (domain.ExecutionResult, error) {
	req := invokeRequest{
		baseRequest:    newBase("invoke_expression"),
		Pipeline:       pipeline,
		TimeoutSeconds: timeoutSeconds,
		Env:            env,
	}
	raw, err := c.roundTrip(ctx, req)
	if err != nil {
		return domain.ExecutionResult{}, err
	}
	hdr, body := splitHeaderBody(raw)

	result := domain.ExecutionResult{
		Output:     body,
		StatusLine: hdr.StatusLine,
		Pid:        hdr.Pid,
		Duration:   hdr.Duration,
		Pipeline:   pipeline,
		BusyReason: hdr.Reason,
	}
	switch hdr.Status {
	case domain.StatusSuccess:
		result.Tag = domain.TagSuccess
	case domain.StatusTimeout:
		result.Tag = domain.TagTimeout
	case domain.StatusCompleted:
		result.Tag = domain.TagCompleted
	case domain.StatusBusy:
		result.Tag = domain.TagBusy
	default:
		result.Tag = domain.TagError
	}
	return result, nil
}

// Claim asks the peer to migrate from its unowned pipe to the owned pipe
// named <base>.<proxyPid>.<agentID>.<peerPid>. The peer closes its pipe as
// part of the rename before it can reply, so the read half of the exchange
// is expected to fail; per §4.2/§9 this is fire-and-forget, the caller's
// only real signal is polling the new owned name until it answers.
func (c *Client) Claim(ctx context.Context, proxyPid int, agentID string) error {
	payload, err := json.Marshal(claimRequest{
		baseRequest: newBase("claim_console"),
		ProxyPid:    proxyPid,
		AgentID:     agentID,
	})
	if err != nil {
		return fmt.Errorf("peer: encode request: %w", err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, transport.DefaultDialTimeout)
	defer cancel()
	conn, err := transport.Dial(dialCtx, c.address)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", errclass.ErrDial, c.address, err)
	}
	defer conn.Close()

	if err := transport.WriteFrame(conn, payload); err != nil {
		return err
	}
	_, _ = transport.ReadFrame(bufio.NewReader(conn))
	return nil
}

// SetWindowTitle asks the peer to change the console window's title.
// Failures are the caller's to ignore per §4.2: this is best-effort.
func (c *Client) SetWindowTitle(ctx context.Context, title string) error {
	_, err := c.roundTrip(ctx, titleRequest{baseRequest: newBase("set_window_title"), Title: title})
	return err
}
