//go:build linux

// Package ptybridge runs a command on a pseudo-terminal and relays the
// master side through a duplex bridge: bytes written by the caller are
// queued for the child, and child output is delivered to a callback as soon
// as it is read.
package ptybridge

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"

	"github.com/chronologos/a12relay/internal/duplex"
)

const (
	DefaultRows = 24
	DefaultCols = 80
	// DefaultLimit bounds bytes queued for the child.
	DefaultLimit = 1 << 20
)

// ErrClosed is returned by operations on a closed PTY.
var ErrClosed = errors.New("pty closed")

// Config tunes Start. The zero value gives a 24x80 terminal.
type Config struct {
	Rows, Cols uint16
	Term       string // TERM for the child, sanitized
	Limit      int    // outbound queue limit in bytes
	// OnOutput receives child output. The slice is only valid for the
	// duration of the call.
	OnOutput func([]byte)
	Logger   *slog.Logger
}

// PTY is a running child on a pseudo-terminal. It is not safe for
// concurrent use; one loop owns it.
type PTY struct {
	fd     duplex.FD
	cmd    *exec.Cmd
	bridge *duplex.Bridge
	out    func([]byte)
	log    *slog.Logger
	closed bool
}

// Start starts cmd on a new pseudo-terminal. The master is moved out of the
// runtime poller into a raw non-blocking descriptor.
func Start(cmd *exec.Cmd, cfg Config) (*PTY, error) {
	if cfg.Rows == 0 {
		cfg.Rows = DefaultRows
	}
	if cfg.Cols == 0 {
		cfg.Cols = DefaultCols
	}
	if cfg.Limit <= 0 {
		cfg.Limit = DefaultLimit
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.OnOutput == nil {
		cfg.OnOutput = func([]byte) {}
	}

	cmd.Env = withTerm(cmd.Env, sanitizeTerm(cfg.Term))

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: cfg.Rows, Cols: cfg.Cols})
	if err != nil {
		return nil, fmt.Errorf("start PTY: %w", err)
	}
	defer ptmx.Close()

	fd, err := duplex.Dup(ptmx)
	if err != nil {
		cmd.Process.Kill()
		cmd.Wait()
		return nil, fmt.Errorf("detach PTY master: %w", err)
	}

	p := &PTY{
		fd:  fd,
		cmd: cmd,
		out: cfg.OnOutput,
		log: cfg.Logger,
	}
	conn := masterConn{fd}
	p.bridge = duplex.New(conn, conn, duplex.Config{Limit: cfg.Limit})
	p.log.Debug("pty started", "pid", cmd.Process.Pid, "rows", cfg.Rows, "cols", cfg.Cols)
	return p, nil
}

// Fd returns the master descriptor for polling.
func (p *PTY) Fd() uintptr { return p.fd.Fd() }

// Pid returns the child's process id.
func (p *PTY) Pid() int { return p.cmd.Process.Pid }

// Pending returns bytes queued for the child.
func (p *PTY) Pending() int { return p.bridge.Pending() }

// Write queues b for the child and tries to flush right away. It returns
// duplex.ErrOverflow when b does not fit the queue.
func (p *PTY) Write(b []byte) error {
	if p.closed {
		return ErrClosed
	}
	if err := p.bridge.Enqueue(b); err != nil {
		return err
	}
	_, err := p.bridge.PumpOutput()
	return err
}

// Dispatch flushes queued input and delivers available child output. It
// returns MoreWorkPending when either direction has more to do, and Closed
// once the child side hung up.
func (p *PTY) Dispatch() (duplex.State, error) {
	if p.closed {
		return duplex.Closed, ErrClosed
	}
	ost, err := p.bridge.PumpOutput()
	if err != nil {
		return ost, err
	}
	ist, err := p.bridge.PumpInput(func(b []byte) error {
		p.out(b)
		return nil
	})
	if err != nil {
		return ist, err
	}
	if ost == duplex.MoreWorkPending || ist == duplex.MoreWorkPending {
		return duplex.MoreWorkPending, nil
	}
	return duplex.Idle, nil
}

// Resize sets the terminal size. The child's foreground process group gets
// SIGWINCH.
func (p *PTY) Resize(rows, cols uint16) error {
	if p.closed {
		return ErrClosed
	}
	return unix.IoctlSetWinsize(int(p.fd), unix.TIOCSWINSZ, &unix.Winsize{Row: rows, Col: cols})
}

// Size returns the terminal size.
func (p *PTY) Size() (rows, cols uint16, err error) {
	if p.closed {
		return 0, 0, ErrClosed
	}
	ws, err := unix.IoctlGetWinsize(int(p.fd), unix.TIOCGWINSZ)
	if err != nil {
		return 0, 0, err
	}
	return ws.Row, ws.Col, nil
}

// Signal delivers sig to the child's foreground process group through the
// terminal.
func (p *PTY) Signal(sig syscall.Signal) error {
	if p.closed {
		return ErrClosed
	}
	if err := unix.IoctlSetInt(int(p.fd), unix.TIOCSIG, int(sig)); err != nil {
		return fmt.Errorf("signal %v: %w", sig, err)
	}
	return nil
}

// Close closes the master. The child sees a hangup; reap it with Wait.
func (p *PTY) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	return p.fd.Close()
}

// Wait waits for the child to exit.
func (p *PTY) Wait() error { return p.cmd.Wait() }

// masterConn maps the EIO a master reports once the slave side is gone to
// a clean EOF.
type masterConn struct{ duplex.FD }

func (c masterConn) Read(b []byte) (int, error) {
	n, err := c.FD.Read(b)
	if errors.Is(err, unix.EIO) {
		return n, io.EOF
	}
	return n, err
}

const fallbackTerm = "xterm-256color"

// sanitizeTerm returns term if it looks like a terminal name, or
// xterm-256color.
func sanitizeTerm(term string) string {
	if term == "" || len(term) > 128 {
		return fallbackTerm
	}
	for _, c := range term {
		if c < 0x20 || c == '=' || c > 0x7e {
			return fallbackTerm
		}
	}
	return term
}

// withTerm replaces any TERM entry in env. A nil env inherits the
// process environment first.
func withTerm(env []string, term string) []string {
	if env == nil {
		env = os.Environ()
	}
	out := make([]string, 0, len(env)+1)
	for _, e := range env {
		if !strings.HasPrefix(e, "TERM=") {
			out = append(out, e)
		}
	}
	return append(out, "TERM="+term)
}
