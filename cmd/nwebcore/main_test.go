package main

import (
	"bufio"
	"bytes"
	"context"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte(`{"id":"1","method":"stats"}`)

	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	if err := writeFrame(w, payload); err != nil {
		t.Fatalf("writeFrame: %v", err)
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	got, err := readFrame(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("readFrame: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("got %s, want %s", got, payload)
	}
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	var lenBuf [4]byte
	lenBuf[0], lenBuf[1], lenBuf[2], lenBuf[3] = 0, 0, 0, 0xFF // huge length
	buf.Write(lenBuf[:])

	if _, err := readFrame(bufio.NewReader(&buf)); err == nil {
		t.Error("expected an error for a frame length above maxFrameSize")
	}
}

func TestRunLoopStopsOnEmptyInput(t *testing.T) {
	var in, out bytes.Buffer
	// No handler is ever reached: readFrame fails on the empty input
	// before runLoop would dispatch anything, so a nil handler is safe.
	err := runLoop(context.Background(), nil, &in, &out)
	if err == nil {
		t.Fatal("expected runLoop to return an error once the input is exhausted")
	}
}
