// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package frame_test

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/shvgo/broker/frame"
)

func testFraming(t *testing.T, f frame.Framing) {
	t.Helper()
	msgs := [][]byte{
		[]byte("hello"),
		{},
		{0xA2, 0xA3, 0xA4, 0xAA, 0x00, 0xFF},
		bytes.Repeat([]byte{0x7f}, 300),
	}
	var buf bytes.Buffer
	for _, m := range msgs {
		if err := f.WriteFrame(&buf, m); err != nil {
			t.Fatalf("WriteFrame(%v): %v", m, err)
		}
	}
	r := bufio.NewReader(&buf)
	for _, want := range msgs {
		got, err := f.ReadFrame(r)
		if err != nil {
			t.Fatalf("ReadFrame: %v", err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("ReadFrame = %v, want %v", got, want)
		}
	}
}

func TestBlockFraming(t *testing.T) {
	testFraming(t, frame.Block{})
}

func TestSerialFraming(t *testing.T) {
	testFraming(t, frame.Serial{})
}

func TestSerialCRCFraming(t *testing.T) {
	testFraming(t, frame.SerialCRC{})
}

func TestSerialResetIndication(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xA2, 0xA4, 0xA3}) // empty aborted frame: a reset
	if err := (frame.Serial{}).WriteFrame(&buf, []byte("next")); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	r := bufio.NewReader(&buf)
	if _, err := (frame.Serial{}).ReadFrame(r); err != frame.ErrReset {
		t.Fatalf("ReadFrame = %v, want ErrReset", err)
	}
	got, err := (frame.Serial{}).ReadFrame(r)
	if err != nil || !bytes.Equal(got, []byte("next")) {
		t.Fatalf("ReadFrame after reset = %q, %v; want next, nil", got, err)
	}
}

func TestSerialCRCDetectsCorruption(t *testing.T) {
	var buf bytes.Buffer
	msg := []byte("payload")
	if err := (frame.SerialCRC{}).WriteFrame(&buf, msg); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	corrupted := buf.Bytes()
	corrupted[len(corrupted)/2] ^= 0xFF

	r := bufio.NewReader(bytes.NewReader(corrupted))
	got, err := (frame.SerialCRC{}).ReadFrame(r)
	if err == nil && bytes.Equal(got, msg) {
		t.Fatalf("expected corruption to be detected, got clean frame")
	}
}
