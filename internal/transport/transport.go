// Package transport implements the child-process transport (C5): it
// spawns the agent executable, pipes its stdio through the byte-stuffing
// codec, and drives a link.Link with the frames and exit events that
// result.
package transport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/lpnet/tapbridge/internal/ethernet"
	"github.com/lpnet/tapbridge/internal/framing"
	"github.com/lpnet/tapbridge/internal/link"
	"github.com/lpnet/tapbridge/internal/linkerrors"
)

// DefaultAgentPath is the executable name used when no WithAgentPath
// option is given.
const DefaultAgentPath = "6lhagent"

const readBufSize = 4096

// Option configures a Transport at construction time.
type Option func(*Transport)

// WithAgentPath overrides DefaultAgentPath. A bare name is resolved
// against PATH by os/exec, a path containing a separator is used as-is.
func WithAgentPath(path string) Option {
	return func(t *Transport) { t.agentPath = path }
}

// WithInterfaceHints supplies the -n/-a/-m flags passed to the agent on
// spawn. Any of them may be nil to omit that flag.
func WithInterfaceHints(name *string, mac *ethernet.Addr, mtu *uint16) Option {
	return func(t *Transport) { t.ifName, t.ifMAC, t.ifMTU = name, mac, mtu }
}

// WithLogger overrides the default logger, slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) { t.logger = logger }
}

// OnChildExitFunc is invoked each time the agent child process exits, for
// whatever reason, after Transport's own bookkeeping has been updated.
type OnChildExitFunc func()

// WithOnChildExit registers a callback invoked on every agent child exit.
func WithOnChildExit(f OnChildExitFunc) Option {
	return func(t *Transport) { t.onChildExit = f }
}

// Transport spawns and supervises the agent child process.
type Transport struct {
	agentPath string
	ifName    *string
	ifMAC     *ethernet.Addr
	ifMTU     *uint16
	logger    *slog.Logger

	onChildExit OnChildExitFunc

	link *link.Link

	mu    sync.Mutex
	cmd   *exec.Cmd
	stdin io.WriteCloser
}

// New constructs a Transport that will drive l. Call Start to spawn the
// child; Transport also implements link.Sink, so it must be attached to
// l with l.SetSink before Start.
func New(l *link.Link, opts ...Option) *Transport {
	t := &Transport{
		agentPath: DefaultAgentPath,
		logger:    slog.Default(),
		link:      l,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Send implements link.Sink: it byte-stuffs frame and writes it to the
// child's stdin.
func (t *Transport) Send(frame []byte) error {
	t.mu.Lock()
	stdin := t.stdin
	t.mu.Unlock()

	if stdin == nil {
		return linkerrors.ErrChildExited
	}
	_, err := stdin.Write(framing.Wrap(frame))
	return err
}

// Start spawns the agent child process and begins pumping its stdio. It
// returns once the process is running; inbound frames and the eventual
// exit are reported to the Link asynchronously. Returns
// linkerrors.ErrAlreadyStarted if a child is already running.
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.cmd != nil {
		t.mu.Unlock()
		return linkerrors.ErrAlreadyStarted
	}

	cmd := exec.Command(t.agentPath, t.buildArgs()...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		t.mu.Unlock()
		return fmt.Errorf("transport: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		t.mu.Unlock()
		return fmt.Errorf("transport: stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		t.mu.Unlock()
		return fmt.Errorf("transport: spawn %s: %w", t.agentPath, err)
	}

	t.cmd = cmd
	t.stdin = stdin
	t.mu.Unlock()

	t.logger.Info("agent started", slog.String("path", t.agentPath), slog.Int("pid", cmd.Process.Pid))

	go t.readLoop(ctx, stdout)
	go t.waitLoop(ctx, cmd)
	go t.killOnCancel(ctx, cmd)

	return nil
}

func (t *Transport) buildArgs() []string {
	var args []string
	if t.ifName != nil {
		args = append(args, "-n", *t.ifName)
	}
	if t.ifMAC != nil {
		args = append(args, "-a", t.ifMAC.String())
	}
	if t.ifMTU != nil {
		args = append(args, "-m", strconv.Itoa(int(*t.ifMTU)))
	}
	return args
}

func (t *Transport) readLoop(ctx context.Context, stdout io.Reader) {
	var dec framing.Decoder
	buf := make([]byte, readBufSize)

	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
			for {
				frame, ok, ferr := dec.Next()
				if ferr != nil {
					t.logger.Debug("dropping malformed frame", slog.Any("error", ferr))
					continue
				}
				if !ok {
					break
				}
				if err := t.link.HandleInboundFrame(ctx, frame); err != nil {
					t.logger.Debug("link rejected inbound frame", slog.Any("error", err))
					return
				}
			}
		}
		if err != nil {
			if err != io.EOF {
				t.logger.Warn("agent stdout read failed", slog.Any("error", err))
			}
			return
		}
	}
}

func (t *Transport) waitLoop(ctx context.Context, cmd *exec.Cmd) {
	err := cmd.Wait()

	t.mu.Lock()
	t.cmd = nil
	t.stdin = nil
	t.mu.Unlock()

	if err != nil {
		t.logger.Info("agent exited", slog.Any("error", err))
	} else {
		t.logger.Info("agent exited")
	}
	if t.onChildExit != nil {
		t.onChildExit()
	}
	t.link.HandleChildExit()
}

// killOnCancel terminates the agent's whole process group when ctx is
// canceled, so that an abrupt shutdown never leaves the agent (or
// anything it spawned) running. This is independent of link.Link.Stop,
// which asks the agent to exit cooperatively via an EOT frame.
func (t *Transport) killOnCancel(ctx context.Context, cmd *exec.Cmd) {
	<-ctx.Done()

	t.mu.Lock()
	active := t.cmd == cmd
	t.mu.Unlock()
	if !active {
		return
	}

	pgid, err := unix.Getpgid(cmd.Process.Pid)
	if err != nil {
		return
	}
	if err := unix.Kill(-pgid, unix.SIGTERM); err != nil {
		t.logger.Debug("failed to signal agent process group", slog.Any("error", err))
	}
}
