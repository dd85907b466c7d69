package netsock

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"golang.org/x/sys/unix"
)

// Candidate is one resolved address to attempt a connection to. Candidates
// are produced in resolver order and consumed strictly in that order.
type Candidate struct {
	Family   int
	Type     int
	Protocol int
	Addr     unix.Sockaddr
}

// Hints narrows resolution, mirroring addrinfo hints. Zero values mean
// "stream over TCP, any family".
type Hints struct {
	Family   int // unix.AF_UNSPEC, unix.AF_INET or unix.AF_INET6
	Type     int
	Protocol int
}

// Resolver turns a host and port into an ordered candidate list.
type Resolver interface {
	Resolve(ctx context.Context, host string, port int, hints Hints) ([]Candidate, error)
}

// ResolveError reports a failed resolution along with the resolver's
// diagnostic.
type ResolveError struct {
	Host string
	Port int
	Err  error
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("cannot resolve %s port %d: %v", e.Host, e.Port, e.Err)
}

func (e *ResolveError) Unwrap() error { return e.Err }

var errNoAddresses = errors.New("no addresses for requested family")

type netResolver struct {
	r *net.Resolver
}

// DefaultResolver resolves via the standard library resolver.
func DefaultResolver() Resolver {
	return &netResolver{r: net.DefaultResolver}
}

func (nr *netResolver) Resolve(ctx context.Context, host string, port int, hints Hints) ([]Candidate, error) {
	ips, err := nr.r.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, &ResolveError{Host: host, Port: port, Err: err}
	}

	sotype := hints.Type
	if sotype == 0 {
		sotype = unix.SOCK_STREAM
	}
	proto := hints.Protocol
	if proto == 0 && sotype == unix.SOCK_STREAM {
		proto = unix.IPPROTO_TCP
	}

	var out []Candidate
	for _, ip := range ips {
		if ip4 := ip.IP.To4(); ip4 != nil {
			if hints.Family == unix.AF_INET6 {
				continue
			}
			sa := &unix.SockaddrInet4{Port: port}
			copy(sa.Addr[:], ip4)
			out = append(out, Candidate{Family: unix.AF_INET, Type: sotype, Protocol: proto, Addr: sa})
		} else if ip16 := ip.IP.To16(); ip16 != nil {
			if hints.Family == unix.AF_INET {
				continue
			}
			sa := &unix.SockaddrInet6{Port: port}
			copy(sa.Addr[:], ip16)
			out = append(out, Candidate{Family: unix.AF_INET6, Type: sotype, Protocol: proto, Addr: sa})
		}
	}

	if len(out) == 0 {
		return nil, &ResolveError{Host: host, Port: port, Err: errNoAddresses}
	}
	return out, nil
}

// SockaddrString formats an IPv4/IPv6 sockaddr as "host:port".
func SockaddrString(sa unix.Sockaddr) string {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return net.JoinHostPort(net.IP(sa.Addr[:]).String(), strconv.Itoa(sa.Port))
	case *unix.SockaddrInet6:
		return net.JoinHostPort(net.IP(sa.Addr[:]).String(), strconv.Itoa(sa.Port))
	default:
		return "<unknown>"
	}
}

// SockaddrPort returns the port of an IPv4/IPv6 sockaddr, or 0.
func SockaddrPort(sa unix.Sockaddr) int {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return sa.Port
	case *unix.SockaddrInet6:
		return sa.Port
	default:
		return 0
	}
}
