// Copyright 2026 The Relayd Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command relayd is a privilege-separated load-balancing relay daemon: a
// parent supervisor forks a fixed set of specialized roles (a
// packet-filter engine, a health-check engine, N key custodians and N
// prefork relay workers) and connects them with a typed message fabric,
// so that RSA private keys never leave the key-custodian process.
package main

import (
	"fmt"
	"os"
	"strings"

	"v.io/x/lib/cmdline"
	"v.io/x/lib/vlog"

	"github.com/halfbit/relayd/internal/privsep"
)

var (
	flagForeground bool
	flagParseOnly  bool
	flagVerbose    bool
	flagConfigFile string
	flagSocketPath string
	flagPidFile    string
	flagMacros     macroFlag
)

func main() {
	cmdline.HideGlobalFlagsExcept()

	cmdRelayd.Flags.BoolVar(&flagForeground, "d", false, "Run in the foreground instead of daemonizing.")
	cmdRelayd.Flags.BoolVar(&flagParseOnly, "n", false, "Parse the configuration file and exit without starting.")
	cmdRelayd.Flags.BoolVar(&flagVerbose, "v", false, "Enable verbose logging.")
	cmdRelayd.Flags.StringVar(&flagConfigFile, "f", "/etc/relayd.yaml", "Path to the configuration file.")
	cmdRelayd.Flags.StringVar(&flagSocketPath, "s", "/var/run/relayd.sock", "Path to the control socket.")
	cmdRelayd.Flags.StringVar(&flagPidFile, "p", "", "Path to the pid file (none by default).")
	cmdRelayd.Flags.Var(&flagMacros, "D", "name=value macro, may be repeated.")

	os.Exit(cmdRelayd.Main())
}

var cmdRelayd = &cmdline.Command{
	Run:  run,
	Name: "relayd",
	Short: "Runs a privilege-separated relay daemon",
	Long: `
Command relayd runs a load-balancing relay daemon structured around
privilege separation: RSA private keys are held exclusively by an
isolated key-custodian process, and network-facing relay workers
delegate private-key operations to it over a local message channel
rather than holding key material themselves.
`,
}

// macroFlag accumulates repeated "-D name=value" flags into a map, the
// flag.Value shape cmdline.Command.Flags.Var expects.
type macroFlag map[string]string

func (m *macroFlag) String() string {
	if m == nil || *m == nil {
		return ""
	}
	parts := make([]string, 0, len(*m))
	for k, v := range *m {
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, ",")
}

func (m *macroFlag) Set(s string) error {
	name, value, ok := strings.Cut(s, "=")
	if !ok {
		return fmt.Errorf("relayd: -D expects name=value, got %q", s)
	}
	if *m == nil {
		*m = make(macroFlag)
	}
	(*m)[name] = value
	return nil
}

func run(cmd *cmdline.Command, args []string) error {
	if flagVerbose {
		vlog.Log.ConfigureLogger(vlog.Level(1), vlog.ModuleSpec{})
	}

	if role, instance, ok := privsep.ChildRole(); ok {
		return runChild(role, instance)
	}
	return runParent()
}
