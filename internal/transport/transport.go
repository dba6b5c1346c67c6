// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package transport implements the wire framing used on every peer pipe
// connection: a 4-byte little-endian length prefix followed by exactly that
// many bytes of UTF-8 payload. Every exchange is one request frame
// followed by one response frame on a freshly dialed connection; the
// connection is not reused.
package transport

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/hyper-ai-inc/consolebroker/internal/errclass"
)

// MaxFrameBytes bounds the size of a single frame. Execution responses have
// no cap beyond available memory per spec; this ceiling exists only to
// reject a runaway or hostile peer, so it is set far above any realistic
// console output rather than at the 1 MiB control-message cap.
const MaxFrameBytes = 256 * 1024 * 1024

// MaxControlFrameBytes is the ceiling WriteControlFrame and
// ReadControlFrame enforce; the registration server writes its replies with
// WriteControlFrame. Exchange and Claim use WriteFrame/ReadFrame, so peer
// requests and responses (get_status included) are bounded only by
// MaxFrameBytes, not by this 1 MiB cap.
const MaxControlFrameBytes = 1 * 1024 * 1024

// DefaultDialTimeout bounds how long dialing a peer pipe may take.
const DefaultDialTimeout = 3 * time.Second

// DefaultExchangeTimeout bounds a full request/response round trip once
// connected.
const DefaultExchangeTimeout = 30 * time.Second

// WriteFrame writes payload as a single length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameBytes {
		return fmt.Errorf("%w: payload of %d bytes exceeds %d", errclass.ErrFraming, len(payload), MaxFrameBytes)
	}
	var header [4]byte
	binary.LittleEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return classifyIOErr(err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return classifyIOErr(err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame from r.
func ReadFrame(r *bufio.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, classifyReadErr(err)
	}
	n := binary.LittleEndian.Uint32(header[:])
	if n > MaxFrameBytes {
		return nil, fmt.Errorf("%w: frame of %d bytes exceeds %d", errclass.ErrFraming, n, MaxFrameBytes)
	}
	if n == 0 {
		return nil, nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, classifyReadErr(err)
	}
	return buf, nil
}

// WriteControlFrame is WriteFrame with the tighter MaxControlFrameBytes
// ceiling, for the registration pipe and other non-payload-bearing frames.
func WriteControlFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxControlFrameBytes {
		return fmt.Errorf("%w: control payload of %d bytes exceeds %d", errclass.ErrFraming, len(payload), MaxControlFrameBytes)
	}
	return WriteFrame(w, payload)
}

// ReadControlFrame is ReadFrame with the tighter MaxControlFrameBytes
// ceiling.
func ReadControlFrame(r *bufio.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, classifyReadErr(err)
	}
	n := binary.LittleEndian.Uint32(header[:])
	if n > MaxControlFrameBytes {
		return nil, fmt.Errorf("%w: control frame of %d bytes exceeds %d", errclass.ErrFraming, n, MaxControlFrameBytes)
	}
	if n == 0 {
		return nil, nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, classifyReadErr(err)
	}
	return buf, nil
}

func classifyReadErr(err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return fmt.Errorf("%w: %v", errclass.ErrPipeClosed, err)
	}
	return classifyIOErr(err)
}

func classifyIOErr(err error) error {
	var netErr net.Error
	if ok := asNetError(err, &netErr); ok && netErr.Timeout() {
		return fmt.Errorf("%w: %v", errclass.ErrTimeout, err)
	}
	return err
}

func asNetError(err error, target *net.Error) bool {
	if ne, ok := err.(net.Error); ok {
		*target = ne
		return true
	}
	return false
}

// Exchange dials address (a platform pipe address produced by
// platform.Address), writes
// request as a single frame, reads back exactly one response frame, and
// closes the connection. It is the only way the broker talks to a peer:
// every call is independent, there is no persistent connection or
// connection pool.
func Exchange(ctx context.Context, address string, request []byte) ([]byte, error) {
	dialCtx, cancel := context.WithTimeout(ctx, DefaultDialTimeout)
	defer cancel()

	conn, err := Dial(dialCtx, address)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", errclass.ErrDial, address, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(DefaultExchangeTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, err
	}

	if err := WriteFrame(conn, request); err != nil {
		return nil, err
	}
	response, err := ReadFrame(bufio.NewReader(conn))
	if err != nil {
		return nil, err
	}
	return response, nil
}
