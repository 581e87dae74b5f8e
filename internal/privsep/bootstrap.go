// Copyright 2026 The Relayd Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package privsep

import (
	"fmt"
	"net"
	"os"

	"github.com/halfbit/relayd/internal/ipc"
)

// fdParentChannel is the well-known descriptor number every re-exec'd
// child finds its parent channel on.
const fdParentChannel = 3

// fdPeerChannel is the well-known descriptor number a relay or ca
// instance finds its dedicated peer channel on, when EnvPeerFD is set.
const fdPeerChannel = 4

// Bootstrap opens a re-exec'd child's well-known channels: always the
// parent channel, and the relay<->ca peer channel when this process is a
// relay or ca instance that was started with one attached.
func Bootstrap() (parent *ipc.Channel, peer *ipc.Channel, err error) {
	parent, err = channelFromFD(fdParentChannel, "parent")
	if err != nil {
		return nil, nil, err
	}
	if os.Getenv(EnvPeerFD) == "" {
		return parent, nil, nil
	}
	peer, err = channelFromFD(fdPeerChannel, "peer")
	if err != nil {
		parent.Close()
		return nil, nil, err
	}
	return parent, peer, nil
}

func channelFromFD(fd int, name string) (*ipc.Channel, error) {
	f := os.NewFile(uintptr(fd), name)
	conn, err := net.FileConn(f)
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("privsep: open %s channel (fd %d): %w", name, fd, err)
	}
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("privsep: %s channel (fd %d) is not a unix socket", name, fd)
	}
	return ipc.NewChannel(uc), nil
}
