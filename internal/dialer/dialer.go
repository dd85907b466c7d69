package dialer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sys/unix"

	"github.com/Tezaen/vlc/internal/netsock"
	"github.com/Tezaen/vlc/internal/socks"
)

// pollSlice is how long one writability wait runs before cancellation is
// rechecked. Timeout accuracy is best-effort at this granularity.
const pollSlice = 100 * time.Millisecond

var (
	// ErrExhausted is returned when every resolved candidate failed.
	ErrExhausted = errors.New("dial: all addresses failed")

	errConnectTimeout = errors.New("connection timed out")
)

// Dialer opens outbound TCP connections according to its Config.
type Dialer struct {
	cfg      Config
	resolver netsock.Resolver
	log      *slog.Logger
}

func New(cfg Config) *Dialer {
	d := &Dialer{cfg: cfg, resolver: cfg.Resolver, log: cfg.Logger}
	if d.resolver == nil {
		d.resolver = netsock.DefaultResolver()
	}
	if d.log == nil {
		d.log = slog.Default()
	}
	return d
}

// Connect opens a TCP stream to host:port, through the configured SOCKS
// proxy if one is set. On success the caller owns the returned socket.
func (d *Dialer) Connect(ctx context.Context, host string, port int) (*netsock.Socket, error) {
	return d.ConnectType(ctx, host, port, unix.SOCK_STREAM, unix.IPPROTO_TCP)
}

// ConnectType is Connect with an explicit socket type and protocol. Zero
// values mean stream/TCP. Only stream/TCP is supported through a proxy.
func (d *Dialer) ConnectType(ctx context.Context, host string, port int, sotype, proto int) (*netsock.Socket, error) {
	if port == 0 {
		port = 80 // historical default
	}

	realHost, realPort := host, port
	if d.cfg.Socks.Enabled() {
		switch sotype {
		case 0:
			sotype = unix.SOCK_STREAM
		case unix.SOCK_STREAM:
		default:
			return nil, fmt.Errorf("connect %s port %d: socket type %d: %w", host, port, sotype, socks.ErrTCPOnly)
		}
		switch proto {
		case 0:
			proto = unix.IPPROTO_TCP
		case unix.IPPROTO_TCP:
		default:
			return nil, fmt.Errorf("connect %s port %d: protocol %d: %w", host, port, proto, socks.ErrTCPOnly)
		}

		realHost = d.cfg.Socks.Host
		realPort = d.cfg.Socks.Port
		if realPort == 0 {
			realPort = socks.DefaultPort
		}
		d.log.Debug("connecting via socks", "proxy", realHost, "proxyPort", realPort, "host", host, "port", port)
	} else {
		d.log.Debug("connecting", "host", realHost, "port", realPort)
	}

	cands, err := d.resolver.Resolve(ctx, realHost, realPort, netsock.Hints{Type: sotype, Protocol: proto})
	if err != nil {
		d.log.Error("resolution failed", "host", realHost, "port", realPort, "error", err)
		return nil, err
	}

	sock, err := d.tryCandidates(ctx, cands)
	if err != nil {
		return nil, fmt.Errorf("connect %s port %d: %w", realHost, realPort, err)
	}

	if d.cfg.Socks.Enabled() {
		scfg := socks.Config{
			Version:  d.cfg.Socks.Version,
			Username: d.cfg.Socks.Username,
			Password: d.cfg.Socks.Password,
			Resolver: d.resolver,
			Logger:   d.log,
		}
		if err := socks.Negotiate(ctx, sock, scfg, host, port); err != nil {
			d.log.Error("socks handshake failed", "error", err)
			_ = sock.Close()
			return nil, fmt.Errorf("connect %s port %d: %w", host, port, err)
		}
	}

	return sock, nil
}

// tryCandidates attempts each candidate in order. Per-candidate failures are
// absorbed; cancellation propagates immediately.
func (d *Dialer) tryCandidates(ctx context.Context, cands []netsock.Candidate) (*netsock.Socket, error) {
	for _, cand := range cands {
		sock, err := d.tryCandidate(ctx, cand)
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			d.log.Debug("candidate failed", "addr", netsock.SockaddrString(cand.Addr), "error", err)
			continue
		}
		return sock, nil
	}
	return nil, ErrExhausted
}

func (d *Dialer) tryCandidate(ctx context.Context, cand netsock.Candidate) (*netsock.Socket, error) {
	sock, err := netsock.New(cand.Family, cand.Type, cand.Protocol)
	if err != nil {
		d.log.Debug("socket error", "error", err)
		return nil, err
	}

	done, err := sock.StartConnect(cand.Addr)
	if err != nil {
		_ = sock.Close()
		return nil, err
	}
	if !done {
		if err := d.waitConnected(ctx, sock); err != nil {
			_ = sock.Close()
			return nil, err
		}
		if err := sock.PendingError(); err != nil {
			_ = sock.Close()
			return nil, fmt.Errorf("connect: %w", err)
		}
	}

	if err := sock.SetBlocking(true); err != nil {
		_ = sock.Close()
		return nil, err
	}

	d.log.Debug("connection succeeded", "addr", netsock.SockaddrString(cand.Addr), "fd", sock.FD())
	return sock, nil
}

// waitConnected polls for writability in 100ms slices until the in-progress
// connect completes, the budget runs out, or ctx is done. A slice shortened
// by a signal still counts against the budget.
func (d *Dialer) waitConnected(ctx context.Context, sock *netsock.Socket) error {
	remaining := d.cfg.ConnectTimeout
	if remaining < 0 {
		d.log.Error("invalid negative connect timeout")
		remaining = 0
	}

	for {
		if err := ctx.Err(); err != nil {
			d.log.Debug("connection aborted")
			return err
		}

		slice := pollSlice
		if remaining < slice {
			slice = remaining
		}
		ready, err := sock.WaitWritable(int(slice / time.Millisecond))
		if err != nil {
			d.log.Error("connection polling error", "error", err)
			return err
		}
		if ready {
			return nil
		}

		if remaining <= pollSlice {
			d.log.Warn("connection timed out")
			return errConnectTimeout
		}
		remaining -= pollSlice
	}
}
