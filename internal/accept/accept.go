package accept

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sys/unix"

	"github.com/Tezaen/vlc/internal/netsock"
)

var (
	// ErrTimeout is returned when no listener became ready in time.
	ErrTimeout = errors.New("accept: timed out")
	// ErrInterrupted is returned when the cancellation signal fired or the
	// liveness predicate went false.
	ErrInterrupted = errors.New("accept: interrupted")
)

// ListenSet is an ordered, fixed-capacity sequence of listening sockets.
// Acceptor calls rotate it in place; concurrent Accept calls over the same
// set must be serialized by the caller.
type ListenSet struct {
	socks []*netsock.Socket
}

func NewListenSet(capacity int) *ListenSet {
	return &ListenSet{socks: make([]*netsock.Socket, 0, capacity)}
}

func (ls *ListenSet) Add(s *netsock.Socket) { ls.socks = append(ls.socks, s) }

func (ls *ListenSet) Len() int { return len(ls.socks) }

// At returns the listener at position i in current service order.
func (ls *ListenSet) At(i int) *netsock.Socket { return ls.socks[i] }

// Close closes every listening socket in the set.
func (ls *ListenSet) Close() {
	for _, s := range ls.socks {
		_ = s.Close()
	}
	ls.socks = ls.socks[:0]
}

// rotate moves the socket at index i to the tail, shifting the rest left by
// one. This is the only mutation Accept performs on the set.
func (ls *ListenSet) rotate(i int) {
	s := ls.socks[i]
	copy(ls.socks[i:], ls.socks[i+1:])
	ls.socks[len(ls.socks)-1] = s
}

// Acceptor multiplexes accepts over a ListenSet. The cancellation pipe is
// owned by the caller's execution context; Acceptor only polls and consumes
// it.
type Acceptor struct {
	ls     *ListenSet
	cancel *netsock.WaitPipe
	log    *slog.Logger
}

// New builds an Acceptor over ls. cancel must be non-nil; a nil logger means
// the default.
func New(ls *ListenSet, cancel *netsock.WaitPipe, logger *slog.Logger) *Acceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Acceptor{ls: ls, cancel: cancel, log: logger}
}

// Accept waits until one listener has a pending connection and returns it.
// A negative timeout waits forever. alive is checked before each readiness
// wait; nil means always alive. The caller owns the returned socket.
func (a *Acceptor) Accept(timeout time.Duration, alive func() bool) (*netsock.Socket, error) {
	tmo := -1
	if timeout >= 0 {
		tmo = int(timeout / time.Millisecond)
	}

	for alive == nil || alive() {
		n := a.ls.Len()
		fds := make([]unix.PollFd, n+1)
		for i := 0; i < n; i++ {
			fds[i] = unix.PollFd{Fd: int32(a.ls.socks[i].FD()), Events: unix.POLLIN}
		}
		fds[n] = unix.PollFd{Fd: int32(a.cancel.FD()), Events: unix.POLLIN}

		nready, err := unix.Poll(fds, tmo)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return nil, fmt.Errorf("accept poll: %w", err)
		}
		if nready == 0 {
			return nil, ErrTimeout
		}

		if fds[n].Revents != 0 {
			a.cancel.Consume()
			return nil, ErrInterrupted
		}

		for i := 0; i < n; i++ {
			if fds[i].Revents == 0 {
				continue
			}

			conn, err := a.ls.socks[i].Accept()
			if err != nil {
				// Keep scanning the remaining ready listeners;
				// one bad accept must not starve the others.
				a.log.Error("accept failed", "error", err)
				continue
			}

			// Move the serviced listener to the tail to give the
			// others a chance next time.
			a.ls.rotate(i)
			a.log.Debug("accepted connection", "fd", conn.FD())
			return conn, nil
		}
	}

	return nil, ErrInterrupted
}
