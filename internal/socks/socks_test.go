package socks

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"testing"

	txsocks5 "github.com/txthinking/socks5"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/Tezaen/vlc/internal/netsock"
)

type stubResolver struct {
	cands []netsock.Candidate
	err   error
	calls int
}

func (r *stubResolver) Resolve(_ context.Context, _ string, _ int, _ netsock.Hints) ([]netsock.Candidate, error) {
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	return r.cands, nil
}

func serveConnectOK(conn net.Conn) error {
	req, err := txsocks5.NewRequestFrom(conn)
	if err != nil {
		return err
	}
	if req.Cmd != txsocks5.CmdConnect {
		return fmt.Errorf("unexpected command: %d", req.Cmd)
	}
	if req.Atyp != txsocks5.ATYPDomain {
		return fmt.Errorf("unexpected atyp: %d", req.Atyp)
	}
	if got := req.Address(); got != "example.com:8080" {
		return fmt.Errorf("unexpected address: %q", got)
	}

	_, err = txsocks5.NewReply(txsocks5.RepSuccess, txsocks5.ATYPIPv4, []byte{0, 0, 0, 0}, []byte{0, 0}).WriteTo(conn)
	return err
}

func TestNegotiateSOCKS5NoAuth(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	g := errgroup.Group{}
	g.Go(func() error {
		neg, err := txsocks5.NewNegotiationRequestFrom(serverConn)
		if err != nil {
			return err
		}
		if !bytes.Equal(neg.Methods, []byte{txsocks5.MethodNone}) {
			return fmt.Errorf("expected only no-auth offered, got %v", neg.Methods)
		}
		if _, err := txsocks5.NewNegotiationReply(txsocks5.MethodNone).WriteTo(serverConn); err != nil {
			return err
		}
		return serveConnectOK(serverConn)
	})

	if err := Negotiate(context.Background(), clientConn, Config{Version: 5}, "example.com", 8080); err != nil {
		t.Fatal(err)
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}

func TestNegotiateSOCKS5UserPass(t *testing.T) {
	tests := []struct {
		name     string
		user     string
		pass     string
		wantUser string
		wantPass string
	}{
		{name: "plain", user: "user", pass: "pass", wantUser: "user", wantPass: "pass"},
		{
			// Credentials over 255 bytes are truncated, not rejected.
			name:     "truncated",
			user:     strings.Repeat("u", 300),
			pass:     strings.Repeat("p", 300),
			wantUser: strings.Repeat("u", 255),
			wantPass: strings.Repeat("p", 255),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clientConn, serverConn := net.Pipe()
			defer clientConn.Close()
			defer serverConn.Close()

			g := errgroup.Group{}
			g.Go(func() error {
				neg, err := txsocks5.NewNegotiationRequestFrom(serverConn)
				if err != nil {
					return err
				}
				if !bytes.Equal(neg.Methods, []byte{txsocks5.MethodNone, txsocks5.MethodUsernamePassword}) {
					return fmt.Errorf("expected no-auth and user/pass offered, got %v", neg.Methods)
				}
				if _, err := txsocks5.NewNegotiationReply(txsocks5.MethodUsernamePassword).WriteTo(serverConn); err != nil {
					return err
				}

				user, pass, err := readUserPassFrame(serverConn)
				if err != nil {
					return err
				}
				if user != tt.wantUser || pass != tt.wantPass {
					return fmt.Errorf("got credentials %d/%d bytes, want %d/%d",
						len(user), len(pass), len(tt.wantUser), len(tt.wantPass))
				}
				if _, err := serverConn.Write([]byte{5, 0}); err != nil {
					return err
				}

				return serveConnectOK(serverConn)
			})

			cfg := Config{Version: 5, Username: tt.user, Password: tt.pass}
			if err := Negotiate(context.Background(), clientConn, cfg, "example.com", 8080); err != nil {
				t.Fatal(err)
			}
			if err := g.Wait(); err != nil {
				t.Fatal(err)
			}
		})
	}
}

// readUserPassFrame reads the [5][ulen][user][plen][pass] subnegotiation
// frame.
func readUserPassFrame(conn net.Conn) (string, string, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return "", "", err
	}
	if hdr[0] != 5 {
		return "", "", fmt.Errorf("unexpected subnegotiation version: %d", hdr[0])
	}
	user := make([]byte, int(hdr[1]))
	if _, err := io.ReadFull(conn, user); err != nil {
		return "", "", err
	}
	var plen [1]byte
	if _, err := io.ReadFull(conn, plen[:]); err != nil {
		return "", "", err
	}
	pass := make([]byte, int(plen[0]))
	if _, err := io.ReadFull(conn, pass); err != nil {
		return "", "", err
	}
	return string(user), string(pass), nil
}

func TestNegotiateSOCKS5AuthUnsupported(t *testing.T) {
	tests := []struct {
		name     string
		user     string
		selected byte
	}{
		{name: "userpass_without_credentials", selected: txsocks5.MethodUsernamePassword},
		{name: "no_acceptable_methods", selected: 0xff},
		{name: "gssapi", user: "user", selected: 0x01},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clientConn, serverConn := net.Pipe()
			defer serverConn.Close()

			g := errgroup.Group{}
			g.Go(func() error {
				if _, err := txsocks5.NewNegotiationRequestFrom(serverConn); err != nil {
					return err
				}
				if _, err := txsocks5.NewNegotiationReply(tt.selected).WriteTo(serverConn); err != nil {
					return err
				}

				// The client must bail without sending anything more.
				var b [1]byte
				if n, err := serverConn.Read(b[:]); err != io.EOF {
					return fmt.Errorf("expected EOF after refusing method, got n=%d err=%v", n, err)
				}
				return nil
			})

			cfg := Config{Version: 5, Username: tt.user, Password: tt.user}
			err := Negotiate(context.Background(), clientConn, cfg, "example.com", 8080)
			if !errors.Is(err, ErrAuthUnsupported) {
				t.Fatalf("expected ErrAuthUnsupported, got %v", err)
			}
			clientConn.Close()

			if err := g.Wait(); err != nil {
				t.Fatal(err)
			}
		})
	}
}

func TestNegotiateSOCKS5AuthRejected(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	g := errgroup.Group{}
	g.Go(func() error {
		if _, err := txsocks5.NewNegotiationRequestFrom(serverConn); err != nil {
			return err
		}
		if _, err := txsocks5.NewNegotiationReply(txsocks5.MethodUsernamePassword).WriteTo(serverConn); err != nil {
			return err
		}
		if _, _, err := readUserPassFrame(serverConn); err != nil {
			return err
		}
		_, err := serverConn.Write([]byte{5, 1})
		return err
	})

	cfg := Config{Version: 5, Username: "user", Password: "wrong"}
	err := Negotiate(context.Background(), clientConn, cfg, "example.com", 8080)
	if !errors.Is(err, ErrAuthRejected) {
		t.Fatalf("expected ErrAuthRejected, got %v", err)
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}

func TestNegotiateSOCKS5ConnectRejected(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	g := errgroup.Group{}
	g.Go(func() error {
		if _, err := txsocks5.NewNegotiationRequestFrom(serverConn); err != nil {
			return err
		}
		if _, err := txsocks5.NewNegotiationReply(txsocks5.MethodNone).WriteTo(serverConn); err != nil {
			return err
		}
		if _, err := txsocks5.NewRequestFrom(serverConn); err != nil {
			return err
		}
		_, err := txsocks5.NewReply(txsocks5.RepConnectionRefused, txsocks5.ATYPIPv4, []byte{0, 0, 0, 0}, []byte{0, 0}).WriteTo(serverConn)
		return err
	})

	err := Negotiate(context.Background(), clientConn, Config{Version: 5}, "example.com", 8080)
	if !errors.Is(err, ErrConnectRejected) {
		t.Fatalf("expected ErrConnectRejected, got %v", err)
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}

func TestNegotiateSOCKS5BoundAddress(t *testing.T) {
	tests := []struct {
		name  string
		atyp  byte
		bound []byte // address bytes after the reply header's first one
	}{
		{name: "ipv4", atyp: txsocks5.ATYPIPv4, bound: []byte{10, 0, 0, 1}},
		{name: "domain", atyp: txsocks5.ATYPDomain, bound: append([]byte{7}, []byte("example")...)},
		{name: "ipv6", atyp: txsocks5.ATYPIPv6, bound: bytes.Repeat([]byte{0xfe}, 16)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clientConn, serverConn := net.Pipe()
			defer clientConn.Close()
			defer serverConn.Close()

			const marker = 0xa5

			g := errgroup.Group{}
			g.Go(func() error {
				if _, err := txsocks5.NewNegotiationRequestFrom(serverConn); err != nil {
					return err
				}
				if _, err := txsocks5.NewNegotiationReply(txsocks5.MethodNone).WriteTo(serverConn); err != nil {
					return err
				}
				if _, err := txsocks5.NewRequestFrom(serverConn); err != nil {
					return err
				}

				reply := []byte{5, txsocks5.RepSuccess, 0, tt.atyp}
				reply = append(reply, tt.bound...)
				reply = append(reply, 0x1f, 0x90) // bound port
				reply = append(reply, marker)     // first byte of tunneled data
				_, err := serverConn.Write(reply)
				return err
			})

			if err := Negotiate(context.Background(), clientConn, Config{Version: 5}, "example.com", 8080); err != nil {
				t.Fatal(err)
			}

			// The handshake must consume the bound address exactly;
			// the marker byte belongs to the tunneled stream.
			var b [1]byte
			if _, err := io.ReadFull(clientConn, b[:]); err != nil {
				t.Fatal(err)
			}
			if b[0] != marker {
				t.Fatalf("handshake over-read: expected marker %#x, got %#x", marker, b[0])
			}
			if err := g.Wait(); err != nil {
				t.Fatal(err)
			}
		})
	}
}

func TestNegotiateSOCKS5BadAddressType(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	g := errgroup.Group{}
	g.Go(func() error {
		if _, err := txsocks5.NewNegotiationRequestFrom(serverConn); err != nil {
			return err
		}
		if _, err := txsocks5.NewNegotiationReply(txsocks5.MethodNone).WriteTo(serverConn); err != nil {
			return err
		}
		if _, err := txsocks5.NewRequestFrom(serverConn); err != nil {
			return err
		}
		_, err := serverConn.Write([]byte{5, txsocks5.RepSuccess, 0, 9, 0})
		return err
	})

	err := Negotiate(context.Background(), clientConn, Config{Version: 5}, "example.com", 8080)
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}

func TestNegotiateSOCKS4(t *testing.T) {
	tests := []struct {
		name    string
		code    byte
		wantErr error
	}{
		{name: "granted", code: 90},
		{name: "rejected", code: 91, wantErr: ErrConnectRejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clientConn, serverConn := net.Pipe()
			defer clientConn.Close()
			defer serverConn.Close()

			resolver := &stubResolver{cands: []netsock.Candidate{{
				Family: unix.AF_INET,
				Type:   unix.SOCK_STREAM,
				Addr:   &unix.SockaddrInet4{Addr: [4]byte{1, 2, 3, 4}},
			}}}

			g := errgroup.Group{}
			g.Go(func() error {
				var req [9]byte
				if _, err := io.ReadFull(serverConn, req[:]); err != nil {
					return err
				}
				want := [9]byte{4, 1, 0x1f, 0x90, 1, 2, 3, 4, 0}
				if req != want {
					return fmt.Errorf("unexpected request frame % x", req)
				}
				resp := [8]byte{0, tt.code}
				_, err := serverConn.Write(resp[:])
				return err
			})

			cfg := Config{Version: 4, Resolver: resolver}
			err := Negotiate(context.Background(), clientConn, cfg, "example.com", 8080)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatal(err)
				}
			} else if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			if err := g.Wait(); err != nil {
				t.Fatal(err)
			}
		})
	}
}

func TestNegotiateSOCKS4NotResolvableToIPv4(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer serverConn.Close()

	resolver := &stubResolver{err: &netsock.ResolveError{Host: "ipv6.example.com", Err: errors.New("no IPv4 address")}}

	g := errgroup.Group{}
	g.Go(func() error {
		// Resolution fails client-side; nothing may hit the wire.
		var b [1]byte
		if n, err := serverConn.Read(b[:]); err != io.EOF {
			return fmt.Errorf("expected no bytes written, got n=%d err=%v", n, err)
		}
		return nil
	})

	cfg := Config{Version: 4, Resolver: resolver}
	err := Negotiate(context.Background(), clientConn, cfg, "ipv6.example.com", 8080)

	var resolveErr *netsock.ResolveError
	if !errors.As(err, &resolveErr) {
		t.Fatalf("expected ResolveError, got %v", err)
	}
	clientConn.Close()

	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}

func TestNegotiateVersionCoercion(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	g := errgroup.Group{}
	g.Go(func() error {
		// An out-of-range version must be handled as SOCKS5.
		neg, err := txsocks5.NewNegotiationRequestFrom(serverConn)
		if err != nil {
			return err
		}
		if neg.Ver != 5 {
			return fmt.Errorf("expected version 5, got %d", neg.Ver)
		}
		if _, err := txsocks5.NewNegotiationReply(txsocks5.MethodNone).WriteTo(serverConn); err != nil {
			return err
		}
		return serveConnectOK(serverConn)
	})

	if err := Negotiate(context.Background(), clientConn, Config{Version: 9}, "example.com", 8080); err != nil {
		t.Fatal(err)
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}
