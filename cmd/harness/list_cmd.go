// Copyright 2024 The DeviceLab Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/google/subcommands"

	"github.com/devicelab/harness/internal/config"
	"github.com/devicelab/harness/internal/device"
	"github.com/devicelab/harness/internal/driver"
	"github.com/devicelab/harness/internal/filter"
	"github.com/devicelab/harness/internal/logging"
	"github.com/devicelab/harness/internal/protocol"
)

// listCmd implements subcommands.Command to support listing tests.
type listCmd struct {
	json   bool           // marshal tests to JSON instead of just printing names
	cfg    *config.Config // shared config for listing tests
	stdout io.Writer      // where to write tests
}

var _ = subcommands.Command(&listCmd{})

// newListCmd returns a new listCmd that will write tests to stdout.
func newListCmd(stdout io.Writer) *listCmd {
	return &listCmd{cfg: config.New(), stdout: stdout}
}

func (*listCmd) Name() string     { return "list" }
func (*listCmd) Synopsis() string { return "list tests" }
func (*listCmd) Usage() string {
	return `Usage: list -target=<target> [flag]... [pattern]...

Description:
    List tests matched by zero or more patterns without running them.

Target:
    The target is either "adb:<serial>" for a device reachable through adb,
    or an SSH connection spec of the form "ssh://[user@]host[:port]".

Flag:
`
}

func (lc *listCmd) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&lc.json, "json", false, "print tests as JSON")
	lc.cfg.SetFlags(f)
}

func (lc *listCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if lc.cfg.Target == "" {
		logging.Info(ctx, "Missing target.\n\n"+lc.Usage())
		return subcommands.ExitUsageError
	}
	flt, err := filter.New(f.Args(), nil)
	if err != nil {
		logging.Info(ctx, "Bad test pattern: ", err)
		return subcommands.ExitUsageError
	}

	dev, err := device.New(ctx, lc.cfg.Target, deviceOptions(ctx, lc.cfg))
	if err != nil {
		logging.Infof(ctx, "Failed to connect to %s: %v", lc.cfg.Target, err)
		return subcommands.ExitFailure
	}
	defer dev.Close()

	tests, err := driver.New(lc.cfg, dev, nil, nil).List(ctx)
	if err != nil {
		logging.Info(ctx, "Failed to list tests: ", err)
		return subcommands.ExitFailure
	}

	if err := lc.printTests(flt.Apply(tests)); err != nil {
		logging.Info(ctx, "Failed to write tests: ", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func (lc *listCmd) printTests(tests []protocol.TestIdentity) error {
	if lc.json {
		enc := json.NewEncoder(lc.stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(tests)
	}
	for _, id := range tests {
		if _, err := fmt.Fprintln(lc.stdout, id.String()); err != nil {
			return err
		}
	}
	return nil
}
