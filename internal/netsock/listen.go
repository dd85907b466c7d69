package netsock

import (
	"fmt"
	"net"
	"strconv"

	"golang.org/x/sys/unix"
)

// Listen opens a listening stream socket on addr ("host:port", where an empty
// host means all interfaces). The listening socket is non-blocking so an
// accept after a readiness wait can never hang on a vanished connection.
func Listen(addr string, backlog int) (*Socket, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: invalid port: %w", addr, err)
	}

	var ip net.IP
	if host != "" {
		ip = net.ParseIP(host)
		if ip == nil {
			return nil, fmt.Errorf("listen %s: invalid address", addr)
		}
	}

	family := unix.AF_INET
	var sa unix.Sockaddr
	if ip4 := ip.To4(); ip == nil || ip4 != nil {
		sa4 := &unix.SockaddrInet4{Port: port}
		if ip4 != nil {
			copy(sa4.Addr[:], ip4)
		}
		sa = sa4
	} else {
		family = unix.AF_INET6
		sa6 := &unix.SockaddrInet6{Port: port}
		copy(sa6.Addr[:], ip.To16())
		sa = sa6
	}

	s, err := New(family, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return nil, err
	}

	_ = unix.SetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)

	if err := unix.Bind(s.fd, sa); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("bind %s: %w", addr, err)
	}
	if backlog <= 0 {
		backlog = unix.SOMAXCONN
	}
	if err := unix.Listen(s.fd, backlog); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}

	return s, nil
}
