// Copyright 2024 The DeviceLab Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package device

import (
	"context"
	"io"
	"net"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/electricbubble/gadb"
	"golang.org/x/sync/errgroup"

	"github.com/devicelab/harness/errors"
	"github.com/devicelab/harness/shutil"
)

const defaultADBPort = 5555

// exitMarker lets us recover the exit code of a shell command, which the adb
// shell protocol does not carry.
const exitMarker = "__HARNESS_EXIT:"

type adbDevice struct {
	target string
	dev    gadb.Device
}

// newADBDevice connects to an ADB device at "host[:port]".
func newADBDevice(ctx context.Context, target string, o *Options) (*adbDevice, error) {
	client, err := gadb.NewClient()
	if err != nil {
		return nil, &UnavailableError{Target: target, Err: err}
	}
	if _, _, err := net.SplitHostPort(target); err != nil {
		target = net.JoinHostPort(target, strconv.Itoa(defaultADBPort))
	}
	host, portStr, err := net.SplitHostPort(target)
	if err != nil {
		return nil, errors.Wrapf(err, "couldn't parse adb target %q", target)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, errors.Wrapf(err, "couldn't parse adb port %q", portStr)
	}
	if err := client.Connect(host, port); err != nil {
		return nil, &UnavailableError{Target: target, Err: err}
	}
	devices, err := client.DeviceList()
	if err != nil {
		return nil, &UnavailableError{Target: target, Err: err}
	}
	for _, d := range devices {
		if d.Serial() == target {
			return &adbDevice{target: target, dev: d}, nil
		}
	}
	return nil, &UnavailableError{Target: target, Err: errors.Errorf("device %q not in adb device list", target)}
}

// runShell runs a shell command and splits the appended exit marker off its
// combined output.
func (d *adbDevice) runShell(name string, args []string) (out string, exitCode int, err error) {
	line := shutil.EscapeSlice(append([]string{name}, args...)) + "; echo " + exitMarker + "$?"
	raw, err := d.dev.RunShellCommand(line)
	if err != nil {
		return "", 0, &UnavailableError{Target: d.target, Err: err}
	}
	i := strings.LastIndex(raw, exitMarker)
	if i < 0 {
		return raw, 0, errors.Errorf("no exit marker in output of %q", name)
	}
	code, err := strconv.Atoi(strings.TrimSpace(raw[i+len(exitMarker):]))
	if err != nil {
		return raw, 0, errors.Wrapf(err, "bad exit marker in output of %q", name)
	}
	return raw[:i], code, nil
}

func (d *adbDevice) RunCommand(ctx context.Context, name string, args ...string) (*CommandResult, error) {
	type shellResult struct {
		out  string
		code int
		err  error
	}
	done := make(chan shellResult, 1)
	go func() {
		out, code, err := d.runShell(name, args)
		done <- shellResult{out, code, err}
	}()
	select {
	case r := <-done:
		if r.err != nil {
			return nil, r.err
		}
		// The shell protocol merges stderr into stdout.
		return &CommandResult{ExitCode: r.code, Stdout: []byte(r.out)}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// adbCmd adapts a shell command to StreamingCmd. The adb shell protocol
// delivers combined output, so the stream is fed from a pipe filled by a
// single reader goroutine.
type adbCmd struct {
	pr   *io.PipeReader
	res  chan *CommandResult
	errs chan error
}

func (c *adbCmd) Stdout() io.Reader { return c.pr }

func (c *adbCmd) Wait() (*CommandResult, error) {
	select {
	case res := <-c.res:
		return res, nil
	case err := <-c.errs:
		return nil, err
	}
}

func (c *adbCmd) Abort() error {
	// The remote process cannot be killed through the shell service; closing
	// the pipe at least unblocks readers.
	return c.pr.Close()
}

func (d *adbDevice) StreamCommand(ctx context.Context, name string, args ...string) (StreamingCmd, error) {
	pr, pw := io.Pipe()
	cmd := &adbCmd{pr: pr, res: make(chan *CommandResult, 1), errs: make(chan error, 1)}
	go func() {
		out, code, err := d.runShell(name, args)
		if err != nil {
			pw.CloseWithError(err)
			cmd.errs <- err
			return
		}
		io.Copy(pw, strings.NewReader(out))
		pw.Close()
		cmd.res <- &CommandResult{ExitCode: code, Stdout: []byte(out)}
	}()
	return cmd, nil
}

func (d *adbDevice) PullFile(ctx context.Context, src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := d.dev.Pull(src, f); err != nil {
		return errors.Wrapf(err, "failed to pull %s", src)
	}
	return nil
}

func (d *adbDevice) PullDirectory(ctx context.Context, src, dst string) error {
	entries, err := d.dev.List(src)
	if err != nil {
		return errors.Wrapf(err, "failed to list %s", src)
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, e := range entries {
		name := e.Name
		if name == "." || name == ".." {
			continue
		}
		srcPath := path.Join(src, name)
		dstPath := filepath.Join(dst, name)
		if e.IsDir() {
			if err := d.PullDirectory(gctx, srcPath, dstPath); err != nil {
				return err
			}
			continue
		}
		g.Go(func() error {
			return d.PullFile(gctx, srcPath, dstPath)
		})
	}
	return g.Wait()
}

func (d *adbDevice) WaitUntilAvailable(ctx context.Context) error {
	for {
		if state, err := d.dev.State(); err == nil && state == gadb.StateOnline {
			return nil
		}
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
			return &UnavailableError{Target: d.target, Err: ctx.Err()}
		}
	}
}

func (d *adbDevice) Close() error {
	// The adb server owns the transport; there is nothing to tear down.
	return nil
}
