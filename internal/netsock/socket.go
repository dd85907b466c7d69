package netsock

import (
	"fmt"
	"io"

	"golang.org/x/sys/unix"
)

// Socket is a raw stream socket. It is created non-blocking so that connect
// attempts can be bounded with poll; callers switch it to blocking mode once
// the connection is established.
type Socket struct {
	fd     int
	family int
	sotype int
	proto  int
}

// New creates a socket for the given family/type/protocol. The socket starts
// out non-blocking with close-on-exec set.
func New(family, sotype, proto int) (*Socket, error) {
	fd, err := unix.Socket(family, sotype, proto)
	if err != nil {
		return nil, fmt.Errorf("socket family=%d type=%d proto=%d: %w", family, sotype, proto, err)
	}

	unix.CloseOnExec(fd)
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("set nonblocking: %w", err)
	}

	return &Socket{fd: fd, family: family, sotype: sotype, proto: proto}, nil
}

// FD returns the underlying descriptor for use in readiness waits.
func (s *Socket) FD() int { return s.fd }

// StartConnect issues a non-blocking connect to sa. done is true when the
// connect completed synchronously; false means it is in progress and the
// caller should wait for writability and then check PendingError.
func (s *Socket) StartConnect(sa unix.Sockaddr) (done bool, err error) {
	switch err := unix.Connect(s.fd, sa); err {
	case nil:
		return true, nil
	case unix.EINPROGRESS:
		return false, nil
	default:
		return false, fmt.Errorf("connect: %w", err)
	}
}

// WaitWritable waits up to ms milliseconds for the socket to become writable.
// A wait interrupted by a signal reports not-ready rather than an error; the
// caller's retry loop absorbs the shortened slice.
func (s *Socket) WaitWritable(ms int) (bool, error) {
	pfd := []unix.PollFd{{Fd: int32(s.fd), Events: unix.POLLOUT}}
	n, err := unix.Poll(pfd, ms)
	if err != nil {
		if err == unix.EINTR {
			return false, nil
		}
		return false, fmt.Errorf("poll: %w", err)
	}
	return n > 0, nil
}

// PendingError reports the socket's pending error state (SO_ERROR), the
// definitive outcome of a non-blocking connect after writability.
func (s *Socket) PendingError() error {
	v, err := unix.GetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return fmt.Errorf("getsockopt SO_ERROR: %w", err)
	}
	if v != 0 {
		return unix.Errno(v)
	}
	return nil
}

// SetBlocking switches the socket between blocking and non-blocking mode.
func (s *Socket) SetBlocking(blocking bool) error {
	if err := unix.SetNonblock(s.fd, !blocking); err != nil {
		return fmt.Errorf("set blocking=%v: %w", blocking, err)
	}
	return nil
}

// Accept takes the next pending connection off a listening socket. The
// returned socket is blocking with standard post-accept setup applied.
func (s *Socket) Accept() (*Socket, error) {
	nfd, _, err := unix.Accept(s.fd)
	if err != nil {
		return nil, fmt.Errorf("accept: %w", err)
	}

	c := &Socket{fd: nfd, family: s.family, sotype: s.sotype, proto: s.proto}
	c.setupAccepted()
	return c, nil
}

// setupAccepted applies standard options to a freshly accepted socket:
// close-on-exec, blocking mode, and best-effort TCP_NODELAY on streams.
func (s *Socket) setupAccepted() {
	unix.CloseOnExec(s.fd)
	_ = unix.SetNonblock(s.fd, false)
	if s.sotype == unix.SOCK_STREAM {
		_ = unix.SetsockoptInt(s.fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	}
}

// LocalAddr returns the socket's bound address.
func (s *Socket) LocalAddr() (unix.Sockaddr, error) {
	sa, err := unix.Getsockname(s.fd)
	if err != nil {
		return nil, fmt.Errorf("getsockname: %w", err)
	}
	return sa, nil
}

// RemoteAddr returns the peer address of a connected socket.
func (s *Socket) RemoteAddr() (unix.Sockaddr, error) {
	sa, err := unix.Getpeername(s.fd)
	if err != nil {
		return nil, fmt.Errorf("getpeername: %w", err)
	}
	return sa, nil
}

func (s *Socket) Read(p []byte) (int, error) {
	for {
		n, err := unix.Read(s.fd, p)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, err
		}
		if n == 0 && len(p) > 0 {
			return 0, io.EOF
		}
		return n, nil
	}
}

func (s *Socket) Write(p []byte) (int, error) {
	var n int
	for n < len(p) {
		m, err := unix.Write(s.fd, p[n:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return n, err
		}
		n += m
	}
	return n, nil
}

func (s *Socket) Close() error {
	return unix.Close(s.fd)
}
