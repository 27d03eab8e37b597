// Copyright 2024 The DeviceLab Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package config defines the run configuration of the harness and its
// command-line flags.
package config

import (
	"flag"
	"time"

	"github.com/devicelab/harness/errors"
	"github.com/devicelab/harness/internal/command"
	"github.com/devicelab/harness/internal/protocol"
)

// Config contains the configuration of a single harness invocation.
type Config struct {
	// Target is the device to run tests on, e.g. "adb:serial" or
	// "ssh://user@host:port".
	Target string
	// ResDir is the host directory test results are written to.
	ResDir string
	// Retries is the maximum number of retry attempts after the initial run.
	Retries int
	// ContinueAfterFailure makes the harness retry remaining tests after an
	// executor crash or lost device connection.
	ContinueAfterFailure bool
	// DisableDuplicateCheck stops a repeated test start from being treated
	// as a run-level failure.
	DisableDuplicateCheck bool
	// MaxTestFailures aborts the run once this many tests failed.
	// Zero means no limit.
	MaxTestFailures int
	// MsgTimeout is the maximum silence allowed on the control message
	// stream before the attempt is declared lost.
	MsgTimeout time.Duration
	// SkipTests lists test patterns that must never run.
	SkipTests []string
	// SkipFile is a YAML file holding additional skip patterns, one per
	// list entry.
	SkipFile string
	// HostStats attaches host load and memory metrics to every run.
	HostStats bool
	// Executor is the device command that runs tests and emits control
	// messages on stdout. Test selection arguments are appended per attempt.
	Executor string
	// KeyFile is an optional SSH private key used for ssh:// targets.
	KeyFile string
	// KeyDir is an optional directory with standard SSH keys to try.
	KeyDir string

	// TestVars holds runtime variables passed to tests.
	TestVars map[string]string
	// VarsFiles lists YAML files containing runtime variables.
	VarsFiles []string
	// DefaultVarsDirs lists directories searched for default vars files.
	DefaultVarsDirs []string
}

// New creates a Config with fields required by SetFlags initialized.
func New() *Config {
	return &Config{TestVars: make(map[string]string)}
}

// SetFlags adds run-related flags to f that store values in c.
func (c *Config) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.Target, "target", "", `device to test, as "adb:serial" or "ssh://user@host:port"`)
	f.StringVar(&c.ResDir, "resultsdir", "", "directory for test results")
	f.IntVar(&c.Retries, "retries", 0, "number of times to retry failed or unfinished tests")
	f.BoolVar(&c.ContinueAfterFailure, "continueafterfailure", true, "try to run remaining tests after executor crash or lost device connection")
	f.BoolVar(&c.DisableDuplicateCheck, "disableduplicatecheck", false, "do not treat a test running more than once as a run failure")
	f.IntVar(&c.MaxTestFailures, "maxtestfailures", 0, "maximum number of test failures allowed (default 0 means no limit)")
	f.Var(command.NewDurationFlag(time.Second, &c.MsgTimeout, 30*time.Second), "msgtimeout", "timeout for messages from the executor in seconds")
	f.Var(command.NewListFlag(",", func(v []string) { c.SkipTests = v }, nil), "skiptests", `comma-separated test patterns that must never run, as "class" or "class#method"`)
	f.StringVar(&c.SkipFile, "skipfile", "", "YAML file listing additional skip patterns")
	f.BoolVar(&c.HostStats, "hoststats", true, "attach host load and memory metrics to run results")
	f.StringVar(&c.Executor, "executor", "am instrument -w -r", "device command that runs tests and emits control messages")
	f.StringVar(&c.KeyFile, "keyfile", "", "path to SSH private key to use for ssh:// targets")
	f.StringVar(&c.KeyDir, "keydir", "", "directory containing SSH private keys (typically $HOME/.ssh)")

	vf := command.RepeatedFlag(func(v string) error {
		name, value, ok := cutVar(v)
		if !ok {
			return errors.New(`want "name=value"`)
		}
		c.TestVars[name] = value
		return nil
	})
	f.Var(&vf, "var", `runtime variable to pass to tests, as "name=value" (can be repeated)`)
	vff := command.RepeatedFlag(func(path string) error {
		c.VarsFiles = append(c.VarsFiles, path)
		return nil
	})
	f.Var(&vff, "varsfile", "YAML file containing variables (can be repeated)")
	dvd := command.RepeatedFlag(func(path string) error {
		c.DefaultVarsDirs = append(c.DefaultVarsDirs, path)
		return nil
	})
	f.Var(&dvd, "defaultvarsdir", "directory having YAML files containing variables (can be repeated)")
}

// Validate checks that required fields are set.
func (c *Config) Validate() error {
	if c.Target == "" {
		return errors.New("-target is required")
	}
	if c.ResDir == "" {
		return errors.New("-resultsdir is required")
	}
	if c.Retries < 0 {
		return errors.New("-retries must not be negative")
	}
	if c.Executor == "" {
		return errors.New("-executor must not be empty")
	}
	return nil
}

// SkipList parses the -skiptests patterns and the -skipfile contents into
// test identity patterns.
func (c *Config) SkipList() ([]protocol.TestIdentity, error) {
	var skip []protocol.TestIdentity
	for _, s := range c.SkipTests {
		id, err := protocol.ParseTestIdentity(s)
		if err != nil {
			return nil, errors.Wrap(err, "bad -skiptests pattern")
		}
		skip = append(skip, id)
	}
	if c.SkipFile != "" {
		fromFile, err := readSkipFile(c.SkipFile)
		if err != nil {
			return nil, err
		}
		skip = append(skip, fromFile...)
	}
	return skip, nil
}
