// Copyright 2024 The DeviceLab Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/subcommands"

	"github.com/devicelab/harness/internal/command"
	"github.com/devicelab/harness/internal/config"
	"github.com/devicelab/harness/internal/device"
	"github.com/devicelab/harness/internal/driver"
	"github.com/devicelab/harness/internal/filter"
	"github.com/devicelab/harness/internal/logging"
	"github.com/devicelab/harness/internal/results"
)

const fullLogName = "full.txt" // file in the results dir containing full output

// runCmd implements subcommands.Command to support running tests.
type runCmd struct {
	cfg          *config.Config // shared config for running tests
	failForTests bool           // exit with 1 if any individual tests fail
	timeout      time.Duration  // overall timeout; 0 if no timeout
}

var _ = subcommands.Command(&runCmd{})

func newRunCmd() *runCmd {
	return &runCmd{cfg: config.New()}
}

func (*runCmd) Name() string     { return "run" }
func (*runCmd) Synopsis() string { return "run tests" }
func (*runCmd) Usage() string {
	return `Usage: run -target=<target> -resultsdir=<dir> [flag]... [pattern]...

Description:
    Runs tests on the target device based on the patterns provided.
    Exits with 0 if all expected tests were executed, even if some of them
    failed. Non-zero exit codes indicate high-level issues, e.g. the
    connection to the target was lost. Callers should examine results.json or
    streamed_results.jsonl for failing tests. -failfortests can be supplied
    to override this behavior.

Target:
    The target is either "adb:<serial>" for a device reachable through adb,
    or an SSH connection spec of the form "ssh://[user@]host[:port]".

Pattern:
    Patterns select tests by identity, as "class" or "class#method". Example:

        $ harness run -target=adb:emulator-5554 -resultsdir=/tmp/res \
            com.example.FooTest com.example.BarTest#testBaz

    With no patterns, every test reported by the executor is run.

Flag:
`
}

func (r *runCmd) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&r.failForTests, "failfortests", false, "exit with 1 if any tests fail")
	f.Var(command.NewDurationFlag(time.Second, &r.timeout, 0), "timeout", "overall run timeout in seconds (default 0 means no timeout)")
	r.cfg.SetFlags(f)
}

func (r *runCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	if err := r.cfg.Validate(); err != nil {
		logging.Infof(ctx, "%v\n\n%s", err, r.Usage())
		return subcommands.ExitUsageError
	}
	if err := os.MkdirAll(r.cfg.ResDir, 0755); err != nil {
		logging.Info(ctx, err)
		return subcommands.ExitFailure
	}

	// Log the full output of the command to disk.
	fullLog, err := os.Create(filepath.Join(r.cfg.ResDir, fullLogName))
	if err != nil {
		logging.Info(ctx, err)
		return subcommands.ExitFailure
	}
	defer fullLog.Close()
	logger := logging.NewSinkLogger(logging.LevelDebug, true, logging.NewWriterSink(fullLog))
	ctx = logging.AttachLogger(ctx, logger)

	logging.Info(ctx, "Command line: ", strings.Join(os.Args, " "))

	vars, err := r.cfg.ReadVars()
	if err != nil {
		logging.Info(ctx, "Failed to read test variables: ", err)
		return subcommands.ExitFailure
	}
	r.cfg.TestVars = vars

	flt, err := filter.New(f.Args(), nil)
	if err != nil {
		logging.Info(ctx, "Bad test pattern: ", err)
		return subcommands.ExitUsageError
	}

	if r.cfg.KeyFile != "" {
		logging.Debug(ctx, "Using SSH key ", r.cfg.KeyFile)
	}
	if r.cfg.KeyDir != "" {
		logging.Debug(ctx, "Using SSH dir ", r.cfg.KeyDir)
	}
	logging.Info(ctx, "Writing results to ", r.cfg.ResDir)

	dev, err := device.New(ctx, r.cfg.Target, deviceOptions(ctx, r.cfg))
	if err != nil {
		logging.Infof(ctx, "Failed to connect to %s: %v", r.cfg.Target, err)
		return subcommands.ExitFailure
	}
	defer dev.Close()

	d := driver.New(r.cfg, dev, nil, nil)
	tests, err := d.List(ctx)
	if err != nil {
		logging.Info(ctx, "Failed to list tests: ", err)
		return subcommands.ExitFailure
	}
	if len(flt.Apply(tests)) == 0 {
		logging.Infof(ctx, "No tests matched by pattern(s) %v", f.Args())
		return subcommands.ExitFailure
	}

	report, err := d.Run(ctx, runName(r.cfg.ResDir), tests, flt)
	if err != nil {
		logging.Infof(ctx, "Failed to run tests: %v", err)
		return subcommands.ExitFailure
	}
	if !report.Complete {
		return subcommands.ExitFailure
	}

	// If we would otherwise report success (indicating that we executed all
	// tests) but -failfortests was passed (indicating that 1 should be
	// returned for individual test failures), then we need to examine test
	// results.
	if r.failForTests {
		for _, res := range report.Results {
			if res.Status == results.Fail {
				return subcommands.ExitFailure
			}
		}
	}

	return subcommands.ExitSuccess
}

// runName derives the run name reported in logs from the results directory.
func runName(resDir string) string {
	return filepath.Base(filepath.Clean(resDir))
}

func deviceOptions(ctx context.Context, cfg *config.Config) *device.Options {
	return &device.Options{
		KeyFile:              cfg.KeyFile,
		KeyDir:               cfg.KeyDir,
		ConnectTimeout:       10 * time.Second,
		ConnectRetries:       2,
		ConnectRetryInterval: time.Second,
		WarnFunc:             func(msg string) { logging.Info(ctx, msg) },
	}
}
