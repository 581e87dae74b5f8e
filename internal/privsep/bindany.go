// Copyright 2026 The Relayd Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package privsep

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"

	"v.io/x/lib/vlog"
)

// Bindany performs a privileged bind on behalf of a relay instance that
// cannot bind the address itself (a low port, or an address not yet
// configured on any local interface), the portable analogue of
// relayd.c's bindany()/SO_BINDANY. The parent is the only process
// expected to call this; it returns the bound, listening socket as a file.
// No role in this module sends a BINDANY request, and the parent's
// message reader neither handles one nor answers with BINDANY_REPLY, so
// nothing here calls Bindany.
//
// There is no portable SO_BINDANY outside *BSD; SO_REUSEADDR plus a
// regular bind is the closest behavior Linux offers, and is what this
// implementation falls back to everywhere.
func Bindany(network, address string) (*os.File, error) {
	var domain int
	switch network {
	case "tcp4":
		domain = unix.AF_INET
	case "tcp6":
		domain = unix.AF_INET6
	default:
		domain = unix.AF_INET
	}

	fd, err := unix.Socket(domain, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("privsep: bindany socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("privsep: bindany setsockopt: %w", err)
	}

	tcpAddr, err := net.ResolveTCPAddr(network, address)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("privsep: bindany resolve %q: %w", address, err)
	}
	sa, err := sockaddr(domain, tcpAddr)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("privsep: bindany bind %s: %w", address, err)
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("privsep: bindany listen %s: %w", address, err)
	}
	return os.NewFile(uintptr(fd), address), nil
}

const listenBacklog = 128

func sockaddr(domain int, addr *net.TCPAddr) (unix.Sockaddr, error) {
	switch domain {
	case unix.AF_INET6:
		sa := &unix.SockaddrInet6{Port: addr.Port}
		copy(sa.Addr[:], addr.IP.To16())
		return sa, nil
	default:
		sa := &unix.SockaddrInet4{Port: addr.Port}
		ip4 := addr.IP.To4()
		if ip4 == nil {
			return nil, fmt.Errorf("privsep: %s is not an IPv4 address", addr.IP)
		}
		copy(sa.Addr[:], ip4)
		return sa, nil
	}
}

// RouteNotifier models relayd.c's IMSG_DEMOTE/IMSG_RTMSG hooks: the pfe
// role calls Demote when a CARP/route failover condition changes, and
// the parent implementation decides whether and how to act on it.
type RouteNotifier interface {
	Demote(group string, delta int) error
}

// NullRouteNotifier is the implementation used on every platform this
// module targets: route/CARP demotion is a *BSD-only kernel facility, so
// this simply logs at debug level, the same outcome relayd.c's own
// `#ifndef __FreeBSD__` stub produces.
type NullRouteNotifier struct{}

func (NullRouteNotifier) Demote(group string, delta int) error {
	vlog.VI(2).Infof("privsep: route demotion for group %q (delta %d) ignored on this platform", group, delta)
	return nil
}
