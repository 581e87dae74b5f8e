// Copyright 2026 The Relayd Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"bufio"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/halfbit/relayd/internal/config"
)

func TestControlSocketStatus(t *testing.T) {
	d := &daemonState{shutdown: make(chan struct{})}
	path := filepath.Join(t.TempDir(), "relayd.sock")

	ln, err := controlSocket(path, d)
	if err != nil {
		t.Fatalf("controlSocket: %v", err)
	}
	defer ln.Close()

	conn, err := net.DialTimeout("unix", path, time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("status\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("ReadString: %v", err)
	}
	if line != "running\n" {
		t.Fatalf("got %q, want %q", line, "running\n")
	}
}

func TestControlSocketStatusDuringReload(t *testing.T) {
	d := &daemonState{shutdown: make(chan struct{}), counter: config.NewReloadCounter(1)}
	path := filepath.Join(t.TempDir(), "relayd.sock")

	ln, err := controlSocket(path, d)
	if err != nil {
		t.Fatalf("controlSocket: %v", err)
	}
	defer ln.Close()

	conn, err := net.DialTimeout("unix", path, time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("status\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("ReadString: %v", err)
	}
	if line == "running\n" {
		t.Fatalf("expected a reload-in-progress status, got %q", line)
	}
}
