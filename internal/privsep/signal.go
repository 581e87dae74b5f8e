// Copyright 2026 The Relayd Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package privsep

import (
	"os"
	"os/signal"
	"syscall"

	"v.io/x/lib/vlog"
)

// SignalHandler receives parsed signal events from the parent's signal
// loop, plus one child-exit event per Supervisor.WatchExits goroutine.
// ReloadRequested corresponds to SIGHUP, ShutdownRequested to
// SIGTERM/SIGINT, and ChildExited(pid) is delivered once a given child's
// own Wait returns, letting the caller match it against Supervisor.Reap.
type SignalHandler interface {
	ReloadRequested()
	ShutdownRequested()
	ChildExited(pid int)
}

// WatchSignals installs the parent's signal handling and runs until done
// is closed, delivering every signal into handler from a single goroutine
// so handler methods never race with each other. This mirrors
// runtime/internal/rt's initSignalHandling pattern (signal.Notify into a
// channel, consumed by a dedicated goroutine) rather than doing anything
// inside a signal handler's own context, echoing relayd.c's comment that
// libevent's signal delivery is "safe because it runs in the event loop".
//
// SIGPIPE is deliberately not included: Go's runtime already turns a
// write to a closed socket into an EPIPE error return rather than a
// process-wide signal, so there is nothing to ignore. SIGCHLD is not
// watched here either: Supervisor.WatchExits reaps each child through its
// own cmd.Process.Wait call, so a second, signal-driven waitpid(-1) loop
// would race it for the same zombie (the pid can be handed to the wrong
// waiter, leaving the other with ECHILD).
func WatchSignals(handler SignalHandler, done <-chan struct{}) {
	sigs := make(chan os.Signal, 8)
	signal.Notify(sigs, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigs)

	for {
		select {
		case <-done:
			return
		case sig := <-sigs:
			switch sig {
			case syscall.SIGHUP:
				handler.ReloadRequested()
			case syscall.SIGTERM, syscall.SIGINT:
				handler.ShutdownRequested()
			default:
				vlog.Infof("privsep: unhandled signal %v", sig)
			}
		}
	}
}
