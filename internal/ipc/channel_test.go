// Copyright 2026 The Relayd Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ipc

import (
	"net"
	"os"
	"testing"

	"golang.org/x/sys/unix"
)

func socketpair(t *testing.T) (*Channel, *Channel) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	a := toChannel(t, fds[0])
	b := toChannel(t, fds[1])
	return a, b
}

func toChannel(t *testing.T, fd int) *Channel {
	t.Helper()
	f := os.NewFile(uintptr(fd), "sock")
	conn, err := net.FileConn(f)
	if err != nil {
		t.Fatalf("FileConn: %v", err)
	}
	f.Close()
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		t.Fatalf("not a unix conn")
	}
	return NewChannel(uc)
}

func TestComposeFlushGet(t *testing.T) {
	a, b := socketpair(t)
	defer a.Close()
	defer b.Close()

	payload := []byte("hello key custodian")
	if err := a.Compose(CaPrivEnc, 3, NoFD, payload); err != nil {
		t.Fatalf("compose: %v", err)
	}
	if err := a.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if err := b.ReadSome(); err != nil {
		t.Fatalf("read: %v", err)
	}
	msg, ok := b.Get()
	if !ok {
		t.Fatalf("expected a complete message")
	}
	if msg.Header.Type != CaPrivEnc {
		t.Fatalf("type = %v, want CA_PRIVENC", msg.Header.Type)
	}
	if msg.Header.PeerID != 3 {
		t.Fatalf("peer id = %d, want 3", msg.Header.PeerID)
	}
	if string(msg.Payload) != string(payload) {
		t.Fatalf("payload = %q, want %q", msg.Payload, payload)
	}
	if msg.FD != NoFD {
		t.Fatalf("fd = %d, want NoFD", msg.FD)
	}
}

func TestGetShortBuffer(t *testing.T) {
	a, b := socketpair(t)
	defer a.Close()
	defer b.Close()

	if err := a.Composev(CfgDone, 0, NoFD, [][]byte{{1, 2, 3}}); err != nil {
		t.Fatalf("composev: %v", err)
	}

	// Write only the header, hold back the payload, by flushing a
	// truncated copy directly instead of going through a.Flush().
	raw := a.sendBuf.Bytes()[:HeaderSize]
	if _, err := a.conn.Write(raw); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := b.ReadSome(); err != nil {
		t.Fatalf("read: %v", err)
	}
	if _, ok := b.Get(); ok {
		t.Fatalf("expected short buffer, got a complete message")
	}
}

func TestOrderingPreservedPerPeer(t *testing.T) {
	a, b := socketpair(t)
	defer a.Close()
	defer b.Close()

	for i := 0; i < 5; i++ {
		if err := a.Compose(CfgRelay, uint32(i), NoFD, []byte{byte(i)}); err != nil {
			t.Fatalf("compose %d: %v", i, err)
		}
	}
	if err := a.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if err := b.ReadSome(); err != nil {
		t.Fatalf("read: %v", err)
	}
	for i := 0; i < 5; i++ {
		msg, ok := b.Get()
		if !ok {
			t.Fatalf("message %d missing", i)
		}
		if msg.Header.PeerID != uint32(i) {
			t.Fatalf("message %d: peer id = %d, want %d", i, msg.Header.PeerID, i)
		}
	}
}

func TestCheckSize(t *testing.T) {
	msg := &Message{Header: Header{Length: 2}, Payload: []byte{1, 2}}
	if err := CheckSize(msg, 2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := CheckSize(msg, 3); err == nil {
		t.Fatal("expected size mismatch error")
	}
}
