package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/szaher/designs/envsandbox/internal/protocol"
)

// waitDelay bounds how long a killed worker may hold its pipes open.
const waitDelay = 2 * time.Second

// maxStderr caps how much worker stderr is kept for diagnostics.
const maxStderr = 64 << 10

// Process runs each request in a child process of the worker binary. The
// request is written to the child's stdin and its messages are read from
// stdout as newline-delimited JSON.
type Process struct {
	Config Config

	// Command is the worker command line. It defaults to the running
	// executable with the "worker" subcommand.
	Command []string

	// Env holds extra environment entries for the child.
	Env []string
}

// Name implements Executor.
func (p *Process) Name() string { return "process" }

// Available reports whether the worker command can be found.
func (p *Process) Available() bool {
	_, err := p.command()
	return err == nil
}

func (p *Process) command() ([]string, error) {
	if len(p.Command) > 0 {
		path, err := exec.LookPath(p.Command[0])
		if err != nil {
			return nil, fmt.Errorf("worker command not found: %w", err)
		}
		return append([]string{path}, p.Command[1:]...), nil
	}
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate worker binary: %w", err)
	}
	return []string{exe, "worker"}, nil
}

// Execute implements Executor.
func (p *Process) Execute(ctx context.Context, req protocol.Request, h Handler) (protocol.Result, error) {
	return run(ctx, p.Config, p.Name(), req, h, func(ctx context.Context, deliver func(protocol.Message)) error {
		argv, err := p.command()
		if err != nil {
			return &StartError{Backend: p.Name(), Err: err}
		}
		payload, err := json.Marshal(req)
		if err != nil {
			return &StartError{Backend: p.Name(), Err: fmt.Errorf("encode request: %w", err)}
		}

		scratch, err := os.MkdirTemp("", "envsandbox-worker-*")
		if err != nil {
			return &StartError{Backend: p.Name(), Err: fmt.Errorf("create worker dir: %w", err)}
		}
		defer func() { _ = os.RemoveAll(scratch) }()

		args := append(argv[1:len(argv):len(argv)], "--dir", p.Config.Roots.Base)
		cmd := exec.CommandContext(ctx, argv[0], args...)
		cmd.Dir = p.Config.Roots.Base
		cmd.WaitDelay = waitDelay

		// Minimal environment; the host environment is not inherited.
		cmd.Env = []string{
			"PATH=/usr/local/bin:/usr/bin:/bin",
			fmt.Sprintf("HOME=%s", scratch),
			fmt.Sprintf("TMPDIR=%s", scratch),
		}
		cmd.Env = append(cmd.Env, p.Env...)

		cmd.Stdin = bytes.NewReader(payload)
		stderr := &limitedBuffer{max: maxStderr}
		cmd.Stderr = stderr
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return &StartError{Backend: p.Name(), Err: err}
		}
		if err := cmd.Start(); err != nil {
			return &StartError{Backend: p.Name(), Err: err}
		}

		logger := p.Config.logger()
		dec := protocol.NewDecoder(stdout)
		for {
			m, err := dec.Next()
			if errors.Is(err, io.EOF) {
				break
			}
			var malformed *protocol.ErrMalformedLine
			if errors.As(err, &malformed) {
				logger.Warn("ignoring malformed worker output", "error", err)
				continue
			}
			if err != nil {
				logger.Warn("reading worker output failed", "error", err)
				_, _ = io.Copy(io.Discard, stdout)
				break
			}
			deliver(m)
		}

		if err := cmd.Wait(); err != nil {
			if msg := strings.TrimSpace(stderr.String()); msg != "" {
				return fmt.Errorf("%w: %s", err, msg)
			}
			return err
		}
		return nil
	})
}

// limitedBuffer keeps the first max bytes written to it and discards the rest.
type limitedBuffer struct {
	buf bytes.Buffer
	max int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if room := b.max - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string { return b.buf.String() }
