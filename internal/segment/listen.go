package segment

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"github.com/chronologos/a12relay/internal/codec"
	"github.com/chronologos/a12relay/internal/duplex"
)

// Default region dimensions.
const (
	DefaultMaxWidth  = 3840
	DefaultMaxHeight = 2160
)

// WelcomeTimeout bounds the blocking welcome exchange on a new connection.
const WelcomeTimeout = 5 * time.Second

// ListenConfig configures a Listener.
type ListenConfig struct {
	MaxWidth  uint16
	MaxHeight uint16
	Logger    *slog.Logger
}

// Listener is a connection point accepting segment clients.
type Listener struct {
	ln   *net.UnixListener
	name string
	path string
	cfg  ListenConfig
	log  *slog.Logger
}

// Listen creates the connection point dir/name. A stale socket left by a
// previous process is removed first.
func Listen(dir, name string, cfg ListenConfig) (*Listener, error) {
	if !ValidName(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if cfg.MaxWidth == 0 {
		cfg.MaxWidth = DefaultMaxWidth
	}
	if cfg.MaxHeight == 0 {
		cfg.MaxHeight = DefaultMaxHeight
	}
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	path := filepath.Join(dir, name)
	if fi, err := os.Lstat(path); err == nil && fi.Mode()&os.ModeSocket != 0 {
		if c, err := net.Dial("unix", path); err == nil {
			c.Close()
			return nil, fmt.Errorf("connection point %s is in use", path)
		}
		os.Remove(path)
	}
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", path, err)
	}
	if err := os.Chmod(path, 0700); err != nil {
		ln.Close()
		return nil, fmt.Errorf("chmod %s: %w", path, err)
	}
	return &Listener{
		ln:   ln,
		name: name,
		path: path,
		cfg:  cfg,
		log:  log.With("cp", name),
	}, nil
}

// Name returns the connection point name.
func (l *Listener) Name() string { return l.name }

// Path returns the socket path.
func (l *Listener) Path() string { return l.path }

// Close stops accepting and unlinks the socket.
func (l *Listener) Close() error { return l.ln.Close() }

// Accept waits for a client, creates its shared region and hands the
// region over in the welcome message. The returned segment is the
// consumer side.
func (l *Listener) Accept() (*Segment, error) {
	conn, err := l.ln.AcceptUnix()
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	size := FrameSize(l.cfg.MaxWidth, l.cfg.MaxHeight)
	memfd, region, err := createRegion("a12relay-"+l.name, size)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer unix.Close(memfd)

	conn.SetDeadline(time.Now().Add(WelcomeTimeout))
	welcome := Event{Kind: kindWelcome, Width: l.cfg.MaxWidth, Height: l.cfg.MaxHeight}
	if err := writeWelcome(conn, welcome, memfd); err != nil {
		unix.Munmap(region)
		return nil, fmt.Errorf("%w: welcome: %v", ErrUnavailable, err)
	}
	conn.SetDeadline(time.Time{})

	fd, err := duplex.Dup(conn)
	if err != nil {
		unix.Munmap(region)
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	l.log.Debug("segment accepted", "max_width", l.cfg.MaxWidth, "max_height", l.cfg.MaxHeight)
	return newSegment(fd, region, l.cfg.MaxWidth, l.cfg.MaxHeight, false, l.log), nil
}

// Open attaches to the connection point at path as the producer side.
// Every failure wraps ErrUnavailable.
func Open(path string, log *slog.Logger) (*Segment, error) {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	c, err := net.DialTimeout("unix", path, WelcomeTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	conn := c.(*net.UnixConn)
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(WelcomeTimeout))
	welcome, memfd, err := readWelcome(conn)
	if err != nil {
		return nil, fmt.Errorf("%w: welcome: %v", ErrUnavailable, err)
	}
	defer unix.Close(memfd)
	conn.SetDeadline(time.Time{})

	region, err := mapRegion(memfd, FrameSize(welcome.Width, welcome.Height))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	fd, err := duplex.Dup(conn)
	if err != nil {
		unix.Munmap(region)
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	log = log.With("cp", filepath.Base(path))
	log.Debug("segment opened", "max_width", welcome.Width, "max_height", welcome.Height)
	return newSegment(fd, region, welcome.Width, welcome.Height, true, log), nil
}

// writeWelcome sends the length-prefixed welcome event with the region
// descriptor attached to its first byte.
func writeWelcome(conn *net.UnixConn, ev Event, memfd int) error {
	p, err := codec.Marshal(ev)
	if err != nil {
		return err
	}
	buf := make([]byte, lengthSize, lengthSize+len(p))
	binary.BigEndian.PutUint32(buf, uint32(len(p)))
	buf = append(buf, p...)
	n, _, err := conn.WriteMsgUnix(buf, unix.UnixRights(memfd), nil)
	if err != nil {
		return err
	}
	if n < len(buf) {
		_, err = conn.Write(buf[n:])
	}
	return err
}

// readWelcome reads exactly the welcome event, never consuming bytes that
// belong to later events.
func readWelcome(conn *net.UnixConn) (Event, int, error) {
	var hdr [lengthSize]byte
	oob := make([]byte, unix.CmsgSpace(4))
	n, oobn, _, _, err := conn.ReadMsgUnix(hdr[:], oob)
	if err != nil {
		return Event{}, -1, err
	}
	memfd, err := parseRights(oob[:oobn])
	if err != nil {
		return Event{}, -1, err
	}
	if _, err := io.ReadFull(conn, hdr[n:]); err != nil {
		unix.Close(memfd)
		return Event{}, -1, err
	}
	size := binary.BigEndian.Uint32(hdr[:])
	if size > MaxEventSize {
		unix.Close(memfd)
		return Event{}, -1, ErrEventSize
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(conn, body); err != nil {
		unix.Close(memfd)
		return Event{}, -1, err
	}
	var ev Event
	if err := codec.Unmarshal(body, &ev); err != nil {
		unix.Close(memfd)
		return Event{}, -1, err
	}
	if ev.Kind != kindWelcome || ev.Width == 0 || ev.Height == 0 {
		unix.Close(memfd)
		return Event{}, -1, fmt.Errorf("unexpected first event %v %dx%d", ev.Kind, ev.Width, ev.Height)
	}
	return ev, memfd, nil
}

func parseRights(oob []byte) (int, error) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return -1, fmt.Errorf("control message: %w", err)
	}
	for _, m := range msgs {
		fds, err := unix.ParseUnixRights(&m)
		if err != nil {
			continue
		}
		for _, extra := range fds[1:] {
			unix.Close(extra)
		}
		if len(fds) > 0 {
			return fds[0], nil
		}
	}
	return -1, errors.New("no region descriptor in welcome")
}
