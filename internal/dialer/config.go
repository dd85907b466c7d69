package dialer

import (
	"log/slog"
	"time"

	"github.com/Tezaen/vlc/internal/netsock"
)

// SocksConfig configures an optional SOCKS proxy for outbound connections.
type SocksConfig struct {
	Host     string // empty disables the proxy
	Port     int    // 0 means the default SOCKS port 1080
	Version  int    // 4 or 5
	Username string
	Password string
}

// Enabled reports whether connections should be tunneled through the proxy.
func (c SocksConfig) Enabled() bool { return c.Host != "" }

// Config carries the connection settings; it is read at construction time
// and never mutated.
type Config struct {
	// ConnectTimeout bounds the wait for one candidate's connect to
	// complete, in 100ms poll slices. Zero means fail immediately if the
	// connect does not complete synchronously.
	ConnectTimeout time.Duration

	Socks SocksConfig

	// Resolver produces ordered connect candidates. Nil means the default
	// resolver.
	Resolver netsock.Resolver

	Logger *slog.Logger
}
