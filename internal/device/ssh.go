// Copyright 2024 The DeviceLab Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package device

import (
	"bytes"
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/net/proxy"
	"golang.org/x/sync/errgroup"

	"github.com/devicelab/harness/errors"
	"github.com/devicelab/harness/shutil"
)

const (
	defaultSSHUser = "root"
	defaultSSHPort = 22
)

// sshTargetRegexp parses "[user@]host[:port]" targets.
var sshTargetRegexp = regexp.MustCompile("^([^@]+@)?([^@]+)$")

type sshDevice struct {
	target   string
	hostPort string
	cfg      *ssh.ClientConfig
	cl       *ssh.Client
}

// parseSSHTarget splits target into a user and a "host:port" address, using
// defaults for unspecified parts.
func parseSSHTarget(target string) (user, hostPort string, err error) {
	m := sshTargetRegexp.FindStringSubmatch(target)
	if m == nil {
		return "", "", errors.Errorf("couldn't parse %q as \"[user@]hostname[:port]\"", target)
	}
	user = defaultSSHUser
	if m[1] != "" {
		user = strings.TrimSuffix(m[1], "@")
	}
	if _, _, err := net.SplitHostPort(m[2]); err != nil {
		hostPort = net.JoinHostPort(m[2], strconv.Itoa(defaultSSHPort))
	} else {
		hostPort = m[2]
	}
	return user, hostPort, nil
}

// readPrivateKey reads and decodes a passphraseless private SSH key.
func readPrivateKey(path string) (ssh.Signer, error) {
	k, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ssh.ParsePrivateKey(k)
}

// sshAuthMethods returns authentication methods for o: the explicit key
// file, well-known keys under the key dir, and the SSH agent if one runs.
func sshAuthMethods(o *Options) []ssh.AuthMethod {
	var methods []ssh.AuthMethod
	var signers []ssh.Signer
	if o.KeyFile != "" {
		if s, err := readPrivateKey(o.KeyFile); err == nil {
			signers = append(signers, s)
		} else if o.WarnFunc != nil {
			o.WarnFunc("Failed to read " + o.KeyFile + ": " + err.Error())
		}
	}
	if o.KeyDir != "" {
		for _, fn := range []string{"testing_rsa", "id_dsa", "id_ecdsa", "id_ed25519", "id_rsa"} {
			p := filepath.Join(o.KeyDir, fn)
			if p == o.KeyFile {
				continue
			}
			if _, err := os.Stat(p); err != nil {
				continue
			}
			if s, err := readPrivateKey(p); err == nil {
				signers = append(signers, s)
			}
		}
	}
	if len(signers) > 0 {
		methods = append(methods, ssh.PublicKeys(signers...))
	}
	if s := os.Getenv("SSH_AUTH_SOCK"); s != "" {
		if a, err := net.Dial("unix", s); err == nil {
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(a).Signers))
		} else if o.WarnFunc != nil {
			o.WarnFunc("Failed to connect to ssh-agent: " + err.Error())
		}
	}
	return methods
}

// connectSSH attempts a single connection to hostPort. The environment's
// proxy settings are honored.
func connectSSH(ctx context.Context, hostPort string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	var cl *ssh.Client
	done := make(chan error, 1)
	go func() {
		conn, err := proxy.FromEnvironment().Dial("tcp", hostPort)
		if err != nil {
			done <- err
			return
		}
		c, chans, reqs, err := ssh.NewClientConn(conn, hostPort, cfg)
		if err != nil {
			conn.Close()
			done <- err
			return
		}
		cl = ssh.NewClient(c, chans, reqs)
		done <- nil
	}()
	select {
	case err := <-done:
		return cl, err
	case <-ctx.Done():
		// The dial goroutine is abandoned; its connection is closed when it
		// eventually finishes.
		go func() {
			if <-done == nil {
				cl.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

func newSSHDevice(ctx context.Context, target string, o *Options) (*sshDevice, error) {
	user, hostPort, err := parseSSHTarget(target)
	if err != nil {
		return nil, err
	}
	cfg := &ssh.ClientConfig{
		User:            user,
		Auth:            sshAuthMethods(o),
		Timeout:         o.ConnectTimeout,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
	}
	for i := 0; ; i++ {
		start := time.Now()
		cl, err := connectSSH(ctx, hostPort, cfg)
		if err == nil {
			return &sshDevice{target: target, hostPort: hostPort, cfg: cfg, cl: cl}, nil
		}
		if ctx.Err() != nil {
			return nil, &UnavailableError{Target: target, Err: ctx.Err()}
		}
		if i >= o.ConnectRetries {
			return nil, &UnavailableError{Target: target, Err: err}
		}
		if remaining := o.ConnectRetryInterval - time.Since(start); remaining > 0 {
			if o.WarnFunc != nil {
				o.WarnFunc("Retrying SSH connection in " + remaining.Round(time.Millisecond).String() + ": " + err.Error())
			}
			select {
			case <-time.After(remaining):
			case <-ctx.Done():
				return nil, &UnavailableError{Target: target, Err: ctx.Err()}
			}
		} else if o.WarnFunc != nil {
			o.WarnFunc("Retrying SSH connection: " + err.Error())
		}
	}
}

// commandLine builds the shell command line for name and args.
func commandLine(name string, args []string) string {
	return shutil.EscapeSlice(append([]string{name}, args...))
}

func (d *sshDevice) RunCommand(ctx context.Context, name string, args ...string) (*CommandResult, error) {
	sess, err := d.cl.NewSession()
	if err != nil {
		return nil, &UnavailableError{Target: d.target, Err: err}
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- sess.Run(commandLine(name, args)) }()
	select {
	case err = <-done:
	case <-ctx.Done():
		sess.Close()
		<-done
		return nil, ctx.Err()
	}

	res := &CommandResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if err != nil {
		var ee *ssh.ExitError
		if !errors.As(err, &ee) {
			return nil, &UnavailableError{Target: d.target, Err: err}
		}
		res.ExitCode = ee.ExitStatus()
	}
	return res, nil
}

// sshCmd adapts a started ssh.Session to StreamingCmd.
type sshCmd struct {
	target string
	sess   *ssh.Session
	stdout io.Reader
	stderr *bytes.Buffer
}

func (c *sshCmd) Stdout() io.Reader { return c.stdout }

func (c *sshCmd) Wait() (*CommandResult, error) {
	defer c.sess.Close()
	err := c.sess.Wait()
	res := &CommandResult{Stderr: c.stderr.Bytes()}
	if err != nil {
		var ee *ssh.ExitError
		if !errors.As(err, &ee) {
			return nil, &UnavailableError{Target: c.target, Err: err}
		}
		res.ExitCode = ee.ExitStatus()
	}
	return res, nil
}

func (c *sshCmd) Abort() error {
	c.sess.Signal(ssh.SIGKILL)
	return c.sess.Close()
}

func (d *sshDevice) StreamCommand(ctx context.Context, name string, args ...string) (StreamingCmd, error) {
	sess, err := d.cl.NewSession()
	if err != nil {
		return nil, &UnavailableError{Target: d.target, Err: err}
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		return nil, err
	}
	var stderr bytes.Buffer
	sess.Stderr = &stderr
	if err := sess.Start(commandLine(name, args)); err != nil {
		sess.Close()
		return nil, &UnavailableError{Target: d.target, Err: err}
	}
	return &sshCmd{target: d.target, sess: sess, stdout: stdout, stderr: &stderr}, nil
}

func (d *sshDevice) PullFile(ctx context.Context, src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	cmd, err := d.StreamCommand(ctx, "cat", src)
	if err != nil {
		return err
	}
	f, err := os.Create(dst)
	if err != nil {
		cmd.Abort()
		return err
	}
	defer f.Close()
	if _, err := io.Copy(f, cmd.Stdout()); err != nil {
		cmd.Abort()
		return err
	}
	res, err := cmd.Wait()
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return errors.Errorf("failed to read %s: %s", src, strings.TrimSpace(string(res.Stderr)))
	}
	return nil
}

func (d *sshDevice) PullDirectory(ctx context.Context, src, dst string) error {
	res, err := d.RunCommand(ctx, "find", src, "-type", "f")
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return errors.Errorf("failed to list %s: %s", src, strings.TrimSpace(string(res.Stderr)))
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, line := range strings.Split(string(res.Stdout), "\n") {
		path := strings.TrimSpace(line)
		if path == "" {
			continue
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		g.Go(func() error {
			return d.PullFile(gctx, path, filepath.Join(dst, rel))
		})
	}
	return g.Wait()
}

func (d *sshDevice) WaitUntilAvailable(ctx context.Context) error {
	check := func(ctx context.Context) error {
		_, err := d.RunCommand(ctx, "true")
		return err
	}
	redial := func(ctx context.Context) error {
		cl, err := connectSSH(ctx, d.hostPort, d.cfg)
		if err != nil {
			return err
		}
		d.cl.Close()
		d.cl = cl
		return nil
	}
	if err := waitUntilAvailable(ctx, check, redial, time.Second); err != nil {
		return &UnavailableError{Target: d.target, Err: err}
	}
	return nil
}

// waitUntilAvailable polls check until it succeeds. Sessions on a dead SSH
// client fail permanently, so each failed check is followed by a fresh dial
// before checking again.
func waitUntilAvailable(ctx context.Context, check, redial func(context.Context) error, interval time.Duration) error {
	for {
		if err := check(ctx); err == nil {
			return nil
		}
		if err := redial(ctx); err == nil {
			if err := check(ctx); err == nil {
				return nil
			}
		}
		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (d *sshDevice) Close() error {
	return d.cl.Close()
}
