// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package transport

import (
	"bufio"
	"bytes"
	"errors"
	"testing"

	"github.com/hyper-ai-inc/consolebroker/internal/errclass"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte(`{"hello":"world"}`)

	if err := WriteFrame(&buf, payload); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	got, err := ReadFrame(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("ReadFrame() = %q, want %q", got, payload)
	}
}

func TestWriteFrameEmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, nil); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	got, err := ReadFrame(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("ReadFrame() = %q, want empty", got)
	}
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xff, 0xff, 0xff, 0xff}) // declares a 4GiB frame
	_, err := ReadFrame(bufio.NewReader(&buf))
	if !errors.Is(err, errclass.ErrFraming) {
		t.Fatalf("ReadFrame() error = %v, want errclass.ErrFraming", err)
	}
}

func TestReadFrameShortReadIsPipeClosed(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{10, 0, 0, 0}) // declares 10 bytes, provides none
	_, err := ReadFrame(bufio.NewReader(&buf))
	if !errors.Is(err, errclass.ErrPipeClosed) {
		t.Fatalf("ReadFrame() error = %v, want errclass.ErrPipeClosed", err)
	}
}

func TestWriteControlFrameRejectsOversizedPayload(t *testing.T) {
	var buf bytes.Buffer
	oversized := make([]byte, MaxControlFrameBytes+1)
	err := WriteControlFrame(&buf, oversized)
	if !errors.Is(err, errclass.ErrFraming) {
		t.Fatalf("WriteControlFrame() error = %v, want errclass.ErrFraming", err)
	}
}

func TestReadControlFrameRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xff, 0xff, 0xff, 0xff})
	_, err := ReadControlFrame(bufio.NewReader(&buf))
	if !errors.Is(err, errclass.ErrFraming) {
		t.Fatalf("ReadControlFrame() error = %v, want errclass.ErrFraming", err)
	}
}
