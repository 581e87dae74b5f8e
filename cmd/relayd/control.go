// Copyright 2026 The Relayd Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strings"

	"v.io/x/lib/vlog"
)

// controlSocket listens on a unix socket at path and services one-line
// text commands from a local administrative client ("reload", "status"),
// the Go analogue of relayd.c's RELAYD_SOCKET control channel. It runs
// until the listener is closed; an error on one connection ends that
// connection only, without being logged and without affecting the daemon.
func controlSocket(path string, d *daemonState) (net.Listener, error) {
	os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("relayd: control socket %s: %w", path, err)
	}
	go serveControl(ln, d)
	return ln, nil
}

func serveControl(ln net.Listener, d *daemonState) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go handleControlConn(conn, d)
	}
}

func handleControlConn(conn net.Conn, d *daemonState) {
	defer conn.Close()
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return
	}
	switch strings.TrimSpace(line) {
	case "reload":
		d.ReloadRequested()
		fmt.Fprintln(conn, "ok")
	case "status":
		fmt.Fprintf(conn, "%s\n", d.status())
	default:
		fmt.Fprintln(conn, "unknown command")
	}
}

// status reports whether a reload round is currently in flight, for the
// control socket's "status" command.
func (d *daemonState) status() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch {
	case d.draining:
		return "shutting down"
	case d.counter != nil && d.counter.InProgress():
		return fmt.Sprintf("reload in progress, %d acks outstanding", d.counter.Remaining())
	default:
		vlog.VI(2).Infof("relayd: status query, no reload in progress")
		return "running"
	}
}
