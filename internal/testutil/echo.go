package testutil

import (
	"bytes"
	"context"
	"io"
	"net"
	"strconv"
	"testing"
)

// StartEchoTCPServer listens on a loopback port and echoes everything from
// the first accepted connection until EOF.
func StartEchoTCPServer(t *testing.T, ctx context.Context) net.Listener {
	t.Helper()

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()

		_, _ = io.Copy(c, c)
	}()

	return ln
}

// AssertEcho writes msg to w and expects to read it back from r.
func AssertEcho(t *testing.T, w io.Writer, r io.Reader, msg []byte) {
	t.Helper()

	if _, err := w.Write(msg); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, len(msg))
	if _, err := io.ReadFull(r, buf); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf, msg) {
		t.Fatalf("expected %q got %q", string(msg), string(buf))
	}
}

// HostPort splits a listener's address into the host and numeric port form
// the dialer API takes.
func HostPort(t *testing.T, ln net.Listener) (string, int) {
	t.Helper()

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatal(err)
	}
	return host, port
}
