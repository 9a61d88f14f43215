package restartclient

import (
	"io"
	"net"
	"os"
	"strconv"

	"github.com/hashicorp/yamux"
)

type fdPipe struct {
	r *os.File
	w *os.File
}

func (p *fdPipe) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *fdPipe) Write(b []byte) (int, error) { return p.w.Write(b) }
func (p *fdPipe) Close() error {
	rerr := p.r.Close()
	werr := p.w.Close()
	if rerr != nil {
		return rerr
	}
	return werr
}

// NewFromEnvironment builds a Client from the KBOT_CONTROL_WRITE_FD /
// KBOT_CONTROL_READ_FD file descriptors the supervisor assigns a
// supervised child (see internal/supervisor's exec factory). Returns a
// Client with no control channel (IsSupervised() == false) when either
// variable is absent or KBOT_SUPERVISED is not set, so callers can use this
// unconditionally whether or not they're actually supervised.
func NewFromEnvironment() *Client {
	if os.Getenv("KBOT_SUPERVISED") != "1" {
		return New(nil)
	}

	writeFD, werr := strconv.Atoi(os.Getenv("KBOT_CONTROL_WRITE_FD"))
	readFD, rerr := strconv.Atoi(os.Getenv("KBOT_CONTROL_READ_FD"))
	if werr != nil || rerr != nil {
		return New(nil)
	}

	var control io.ReadWriteCloser = &fdPipe{
		r: os.NewFile(uintptr(readFD), "kbot-control-read"),
		w: os.NewFile(uintptr(writeFD), "kbot-control-write"),
	}
	return New(control)
}

// NewFromYamuxEnvironment is the counterpart to
// supervisor.NewYamuxExecFactory: it reads the single KBOT_CONTROL_FD the
// supervisor assigned and opens the one yamux stream the supervisor's
// session accepts, instead of the two-fd pipe pair NewFromEnvironment
// expects.
func NewFromYamuxEnvironment() *Client {
	if os.Getenv("KBOT_SUPERVISED") != "1" {
		return New(nil)
	}

	fd, err := strconv.Atoi(os.Getenv("KBOT_CONTROL_FD"))
	if err != nil {
		return New(nil)
	}

	file := os.NewFile(uintptr(fd), "kbot-control")
	conn, err := net.FileConn(file)
	file.Close()
	if err != nil {
		return New(nil)
	}

	session, err := yamux.Client(conn, yamux.DefaultConfig())
	if err != nil {
		conn.Close()
		return New(nil)
	}
	stream, err := session.Open()
	if err != nil {
		session.Close()
		return New(nil)
	}
	return New(stream)
}
