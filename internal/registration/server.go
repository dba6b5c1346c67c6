// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package registration runs the broker's well-known inbound pipe. A peer
// console, once it starts, dials this pipe once and sends
// "REGISTER:<pid>" as a length-prefixed UTF-8 string. The server accepts
// (OK) only if no other pipe belonging to this broker currently reports a
// non-busy status, since at most one ready console may exist at import
// time; otherwise it rejects (REJECT) and the peer aborts its import.
package registration

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hyper-ai-inc/consolebroker/internal/domain"
	"github.com/hyper-ai-inc/consolebroker/internal/peer"
	"github.com/hyper-ai-inc/consolebroker/internal/pipename"
	"github.com/hyper-ai-inc/consolebroker/internal/platform"
	"github.com/hyper-ai-inc/consolebroker/internal/session"
	"github.com/hyper-ai-inc/consolebroker/internal/transport"
)

const (
	// maxRegisterMessageBytes is the §4.6 "length > 1 KiB" error threshold,
	// tighter than the general control-frame cap since a REGISTER message
	// is a few bytes of ASCII.
	maxRegisterMessageBytes = 1024

	// connectionBudget bounds one registration exchange end to end: read
	// the REGISTER frame, probe every existing pipe, write the reply.
	// Spec's 1s "registration exchange" figure describes the steady-state
	// case; this budget also covers the bounded (tens-of-pipes) fan-out
	// probe, so it is set generously above that nominal figure.
	connectionBudget = 5 * time.Second

	maxConcurrentAccepts  = 32
	connSlotAcquireWindow = 5 * time.Second
	decisionLogCapacity   = 64

	// maxProbeConcurrency bounds how many pipes findReadyOtherPipe probes
	// in parallel, so a broker with many stale pipes doesn't open that many
	// simultaneous dials during one registration exchange.
	maxProbeConcurrency = 8
)

// Decision is one recorded accept/reject outcome, kept only in memory for
// tests and diagnostics; the broker persists nothing across restarts.
type Decision struct {
	PeerPid  int
	Accepted bool
	Reason   string
	At       time.Time
}

// Server listens on the base's registration pipe.
type Server struct {
	base     string
	proxyPid int
	mgr      *session.Manager
	log      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	listener  net.Listener
	started   bool
	wg        sync.WaitGroup
	connSlots chan struct{}

	waitersMu sync.Mutex
	accepted  map[int]bool
	waiters   map[int][]chan struct{}

	decisionsMu sync.Mutex
	decisions   []Decision
}

// New constructs a registration Server for base.
func New(base string, mgr *session.Manager, log *slog.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		base:      base,
		proxyPid:  os.Getpid(),
		mgr:       mgr,
		log:       log,
		ctx:       ctx,
		cancel:    cancel,
		connSlots: make(chan struct{}, maxConcurrentAccepts),
		accepted:  make(map[int]bool),
		waiters:   make(map[int][]chan struct{}),
	}
}

// Start opens the registration pipe and begins accepting announcements.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("registration: already started")
	}

	address := platform.Address(pipename.RegistrationName(s.base))
	listener, err := transport.Listen(address)
	if err != nil {
		return fmt.Errorf("registration: listen %s: %w", address, err)
	}

	s.listener = listener
	s.started = true
	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Stop closes the listener and waits for in-flight connections to finish.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	s.cancel()
	listener := s.listener
	s.listener = nil
	s.mu.Unlock()

	if listener != nil {
		if err := listener.Close(); err != nil {
			s.log.Warn("[registration] close listener", "error", err)
		}
	}
	s.wg.Wait()
	return nil
}

// Await blocks until peerPid is accepted by a REGISTER exchange, or ctx is
// done. It is how the launcher learns that a freshly spawned peer has
// cleared the registration gate, without polling.
func (s *Server) Await(ctx context.Context, peerPid int) error {
	s.waitersMu.Lock()
	if s.accepted[peerPid] {
		s.waitersMu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	s.waiters[peerPid] = append(s.waiters[peerPid], ch)
	s.waitersMu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) markAccepted(peerPid int) {
	s.waitersMu.Lock()
	defer s.waitersMu.Unlock()
	s.accepted[peerPid] = true
	for _, ch := range s.waiters[peerPid] {
		close(ch)
	}
	delete(s.waiters, peerPid)
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	consecutiveErrors := 0
	for {
		s.mu.Lock()
		listener := s.listener
		s.mu.Unlock()
		if listener == nil {
			return
		}

		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				consecutiveErrors++
				if consecutiveErrors > 10 {
					s.log.Warn("[registration] accept loop repeated failures", "error", err, "count", consecutiveErrors)
					time.Sleep(500 * time.Millisecond)
				} else {
					s.log.Debug("[registration] accept error", "error", err)
				}
				continue
			}
		}
		consecutiveErrors = 0

		if !s.acquireSlot() {
			conn.Close()
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.releaseSlot()
			s.handleConnection(conn)
		}()
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()
	if err := conn.SetDeadline(time.Now().Add(connectionBudget)); err != nil {
		s.log.Warn("[registration] set deadline", "error", err)
		return
	}

	raw, err := transport.ReadFrame(bufio.NewReader(conn))
	if err != nil {
		s.log.Debug("[registration] read frame", "error", err)
		return
	}
	if len(raw) > maxRegisterMessageBytes {
		s.log.Warn("[registration] message too large", "bytes", len(raw))
		return
	}

	msg := string(raw)
	pidStr, ok := strings.CutPrefix(msg, "REGISTER:")
	if !ok {
		s.log.Warn("[registration] malformed announce", "message", msg)
		return
	}
	peerPid, err := strconv.Atoi(strings.TrimSpace(pidStr))
	if err != nil {
		s.log.Warn("[registration] non-numeric pid", "message", msg, "error", err)
		return
	}

	ctx, cancel := context.WithDeadline(s.ctx, time.Now().Add(connectionBudget))
	defer cancel()

	if other, reason, found := s.findReadyOtherPipe(ctx); found {
		s.recordDecision(Decision{PeerPid: peerPid, Accepted: false, Reason: reason, At: time.Now()})
		s.log.Info("[registration] rejected", "peerPid", peerPid, "readyPipe", other)
		s.writeReply(conn, "REJECT")
		return
	}

	s.recordDecision(Decision{PeerPid: peerPid, Accepted: true, At: time.Now()})
	s.log.Info("[registration] accepted", "peerPid", peerPid)
	s.writeReply(conn, "OK")
	s.markAccepted(peerPid)
}

// findReadyOtherPipe scans every currently owned and unowned live pipe for
// this broker and reports the first one that answers with a non-busy
// status, implementing the "at most one ready console at import time"
// invariant. Probes run with bounded concurrency, since a broker can
// accumulate dozens of stale pipes over a long session and probing them
// one at a time would blow past connectionBudget.
func (s *Server) findReadyOtherPipe(ctx context.Context) (name, reason string, found bool) {
	owned, err := s.mgr.EnumerateAllOwned(s.proxyPid)
	if err != nil {
		s.log.Warn("[registration] enumerate owned pipes", "error", err)
	}
	unowned, err := s.mgr.EnumerateUnownedPipes()
	if err != nil {
		s.log.Warn("[registration] enumerate unowned pipes", "error", err)
	}
	candidates := append(owned, unowned...)

	probeCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(probeCtx)
	g.SetLimit(maxProbeConcurrency)

	var mu sync.Mutex

	for _, n := range candidates {
		n := n
		g.Go(func() error {
			status, err := peer.New(platform.Address(n)).GetStatus(gctx)
			if err != nil || status.Dead() || status.Status == domain.StatusBusy {
				return nil
			}
			mu.Lock()
			defer mu.Unlock()
			if !found {
				name = n
				reason = fmt.Sprintf("pipe %s is already %s", n, status.Status)
				found = true
				cancel()
			}
			return nil
		})
	}
	_ = g.Wait()
	return name, reason, found
}

func (s *Server) writeReply(conn net.Conn, verb string) {
	if err := transport.WriteControlFrame(conn, []byte(verb)); err != nil {
		s.log.Debug("[registration] write reply", "error", err)
	}
}

// recordDecision keeps a bounded ring buffer of the last accept/reject
// outcomes, surfaced only to tests: the broker persists nothing across
// restarts.
func (s *Server) recordDecision(d Decision) {
	s.decisionsMu.Lock()
	defer s.decisionsMu.Unlock()
	s.decisions = append(s.decisions, d)
	if len(s.decisions) > decisionLogCapacity {
		s.decisions = s.decisions[len(s.decisions)-decisionLogCapacity:]
	}
}

// Decisions returns a copy of the recorded accept/reject ring buffer.
func (s *Server) Decisions() []Decision {
	s.decisionsMu.Lock()
	defer s.decisionsMu.Unlock()
	out := make([]Decision, len(s.decisions))
	copy(out, s.decisions)
	return out
}

func (s *Server) acquireSlot() bool {
	timer := time.NewTimer(connSlotAcquireWindow)
	defer timer.Stop()
	select {
	case s.connSlots <- struct{}{}:
		return true
	case <-timer.C:
		s.log.Warn("[registration] connection slots exhausted")
		return false
	case <-s.ctx.Done():
		return false
	}
}

func (s *Server) releaseSlot() {
	select {
	case <-s.connSlots:
	default:
		s.log.Warn("[registration] release with no slot held")
	}
}
