package netsock

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// WaitPipe is a pollable cancellation signal: the read end can be included in
// a readiness wait alongside ordinary sockets, so a single poll covers both
// connections and cancellation. It is owned by the caller's execution
// context, not by the components that wait on it.
type WaitPipe struct {
	r, w      int
	closeOnce sync.Once
}

// NewWaitPipe creates an unsignaled WaitPipe.
func NewWaitPipe() (*WaitPipe, error) {
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("pipe: %w", err)
	}
	return &WaitPipe{r: p[0], w: p[1]}, nil
}

// FD returns the descriptor to include in readiness waits; it becomes
// readable once Signal has been called.
func (p *WaitPipe) FD() int { return p.r }

// Signal wakes any waiter polling FD. Safe to call more than once; a full
// pipe already carries the signal.
func (p *WaitPipe) Signal() {
	_, _ = unix.Write(p.w, []byte{0})
}

// Consume drains pending signal bytes so FD stops reporting readable.
func (p *WaitPipe) Consume() {
	var buf [64]byte
	for {
		n, err := unix.Read(p.r, buf[:])
		if err != nil || n < len(buf) {
			return
		}
	}
}

// SignalOnDone arranges for the pipe to be signaled when ctx is done.
func (p *WaitPipe) SignalOnDone(ctx context.Context) {
	context.AfterFunc(ctx, p.Signal)
}

func (p *WaitPipe) Close() error {
	p.closeOnce.Do(func() {
		_ = unix.Close(p.w)
		_ = unix.Close(p.r)
	})
	return nil
}
