package socks

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"

	txsocks5 "github.com/txthinking/socks5"
	"golang.org/x/sys/unix"

	"github.com/Tezaen/vlc/internal/netsock"
)

// DefaultPort is the customary SOCKS proxy port.
const DefaultPort = 1080

// socks4Granted is the SOCKS4 "request granted" reply code.
const socks4Granted = 90

var (
	// ErrTCPOnly is returned when a non-stream connection is requested
	// through a SOCKS proxy.
	ErrTCPOnly = errors.New("socks: only TCP is supported")
	// ErrAuthRejected is returned when the server refuses the supplied
	// username/password.
	ErrAuthRejected = errors.New("socks: authentication rejected")
	// ErrAuthUnsupported is returned when the server selects an
	// authentication method the client cannot satisfy.
	ErrAuthUnsupported = errors.New("socks: unsupported authentication method")
	// ErrConnectRejected is returned when the server denies the CONNECT
	// request.
	ErrConnectRejected = errors.New("socks: CONNECT request rejected")
	// ErrProtocol is returned on a malformed server response.
	ErrProtocol = errors.New("socks: protocol error")
)

// Config selects the protocol version and optional credentials for a
// handshake.
type Config struct {
	Version  int // 4 or 5; any other value is treated as 5
	Username string
	Password string

	// Resolver is used by the SOCKS4 path, which must resolve the target
	// to an IPv4 address client-side. Nil means the default resolver.
	Resolver netsock.Resolver

	Logger *slog.Logger
}

// Negotiate performs a client-side SOCKS CONNECT handshake on conn, which
// must already be connected to the proxy. On success the connection is
// tunneled to host:port. conn is left open on failure; cleanup belongs to
// the caller.
func Negotiate(ctx context.Context, conn io.ReadWriter, cfg Config, host string, port int) error {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	version := cfg.Version
	if version != 4 && version != 5 {
		log.Warn("invalid socks protocol version, assuming 5", "version", version)
		version = 5
	}

	if version == 4 {
		return connect4(ctx, conn, cfg, log, host, port)
	}

	if err := negotiateAuth(conn, cfg, log); err != nil {
		return err
	}
	return connect5(conn, log, host, port)
}

// negotiateAuth runs the SOCKS5 method selection and, when the server asks
// for it, the username/password subnegotiation.
func negotiateAuth(conn io.ReadWriter, cfg Config, log *slog.Logger) error {
	user, pass := truncate255(cfg.Username), truncate255(cfg.Password)
	hasAuth := user != "" || pass != ""

	req := []byte{5, 1, txsocks5.MethodNone}
	if hasAuth {
		req = []byte{5, 2, txsocks5.MethodNone, txsocks5.MethodUsernamePassword}
	}
	if _, err := conn.Write(req); err != nil {
		return fmt.Errorf("socks: write auth methods: %w", err)
	}

	var resp [2]byte
	if _, err := io.ReadFull(conn, resp[:]); err != nil {
		return fmt.Errorf("socks: read method selection: %w", err)
	}
	log.Debug("socks method selected", "version", resp[0], "method", resp[1])

	switch resp[1] {
	case txsocks5.MethodNone:
		return nil
	case txsocks5.MethodUsernamePassword:
		if !hasAuth {
			return fmt.Errorf("%w: server requires username/password", ErrAuthUnsupported)
		}
	default:
		return fmt.Errorf("%w: method %#x", ErrAuthUnsupported, resp[1])
	}

	// Username/password subnegotiation. Credentials longer than 255 bytes
	// have already been truncated; that is lossy but not an error.
	frame := make([]byte, 0, 3+len(user)+len(pass))
	frame = append(frame, 5, byte(len(user)))
	frame = append(frame, user...)
	frame = append(frame, byte(len(pass)))
	frame = append(frame, pass...)
	if _, err := conn.Write(frame); err != nil {
		return fmt.Errorf("socks: write credentials: %w", err)
	}

	if _, err := io.ReadFull(conn, resp[:]); err != nil {
		return fmt.Errorf("socks: read auth status: %w", err)
	}
	log.Debug("socks auth status", "version", resp[0], "status", resp[1])
	if resp[1] != 0 {
		return ErrAuthRejected
	}
	return nil
}

// connect5 issues the SOCKS5 CONNECT request for host:port and consumes the
// reply, including the bound address, which is not surfaced.
func connect5(conn io.ReadWriter, log *slog.Logger, host string, port int) error {
	h := truncate255(host)

	req := make([]byte, 0, 7+len(h))
	req = append(req, 5, txsocks5.CmdConnect, 0, txsocks5.ATYPDomain, byte(len(h)))
	req = append(req, h...)
	req = binary.BigEndian.AppendUint16(req, uint16(port))
	if _, err := conn.Write(req); err != nil {
		return fmt.Errorf("socks: write CONNECT: %w", err)
	}

	// Reply header plus the first byte of the bound address; for a domain
	// reply that byte is the domain length.
	var hdr [5]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return fmt.Errorf("socks: read CONNECT reply: %w", err)
	}
	log.Debug("socks CONNECT reply", "version", hdr[0], "reply", hdr[1], "atyp", hdr[3])

	if hdr[1] != txsocks5.RepSuccess {
		return fmt.Errorf("%w: reply %d", ErrConnectRejected, hdr[1])
	}

	var rest int
	switch hdr[3] {
	case txsocks5.ATYPIPv4:
		rest = 4 - 1 + 2
	case txsocks5.ATYPDomain:
		rest = int(hdr[4]) + 2
	case txsocks5.ATYPIPv6:
		rest = 16 - 1 + 2
	default:
		return fmt.Errorf("%w: address type %#x", ErrProtocol, hdr[3])
	}

	bound := make([]byte, rest)
	if _, err := io.ReadFull(conn, bound); err != nil {
		return fmt.Errorf("socks: read bound address: %w", err)
	}
	return nil
}

// connect4 issues a SOCKS4 CONNECT. Version 4 carries a raw IPv4 address, so
// the target must resolve to IPv4 before anything is written.
func connect4(ctx context.Context, conn io.ReadWriter, cfg Config, log *slog.Logger, host string, port int) error {
	resolver := cfg.Resolver
	if resolver == nil {
		resolver = netsock.DefaultResolver()
	}

	cands, err := resolver.Resolve(ctx, host, 0, netsock.Hints{Family: unix.AF_INET})
	if err != nil {
		return err
	}
	sa, ok := cands[0].Addr.(*unix.SockaddrInet4)
	if !ok {
		return &netsock.ResolveError{Host: host, Err: errors.New("no IPv4 address")}
	}

	var req [9]byte
	req[0] = 4
	req[1] = txsocks5.CmdConnect
	binary.BigEndian.PutUint16(req[2:4], uint16(port))
	copy(req[4:8], sa.Addr[:])
	req[8] = 0 // empty user id
	if _, err := conn.Write(req[:]); err != nil {
		return fmt.Errorf("socks: write CONNECT: %w", err)
	}

	var resp [8]byte
	if _, err := io.ReadFull(conn, resp[:]); err != nil {
		return fmt.Errorf("socks: read CONNECT reply: %w", err)
	}
	log.Debug("socks CONNECT reply", "version", resp[0], "code", resp[1])

	if resp[1] != socks4Granted {
		return fmt.Errorf("%w: code %d", ErrConnectRejected, resp[1])
	}
	return nil
}

func truncate255(s string) string {
	if len(s) > 255 {
		return s[:255]
	}
	return s
}
