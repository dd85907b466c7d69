package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/Tezaen/vlc/internal/accept"
	"github.com/Tezaen/vlc/internal/dialer"
	"github.com/Tezaen/vlc/internal/netsock"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		connect = pflag.String("connect", "", "Connect to host:port and relay stdin/stdout")
		listen  = pflag.StringArray("listen", nil, "Listen address (host:port); repeatable. Relays the first accepted connection")

		socksProxy   = pflag.String("socks", defaultSocksProxy(), "SOCKS proxy as host[:port]. Empty disables")
		socksVersion = pflag.Int("socks-version", 5, "SOCKS protocol version (4 or 5)")
		socksUser    = pflag.String("socks-user", "", "SOCKS username")
		socksPass    = pflag.String("socks-pass", "", "SOCKS password")

		connectTimeout = pflag.Duration("connect-timeout", 5*time.Second, "Timeout for each TCP connect attempt")
		acceptTimeout  = pflag.Duration("accept-timeout", -1, "Timeout waiting for an inbound connection; negative waits forever")
		verbose        = pflag.Bool("verbose", false, "Enable debug logging")
	)

	pflag.CommandLine.SortFlags = false
	pflag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if (*connect == "") == (len(*listen) == 0) {
		return errors.New("exactly one of --connect and --listen must be set")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *connect != "" {
		socksCfg, err := parseSocksProxy(*socksProxy, *socksVersion, *socksUser, *socksPass)
		if err != nil {
			return fmt.Errorf("invalid --socks: %w", err)
		}

		host, port, err := splitHostPort(*connect)
		if err != nil {
			return fmt.Errorf("invalid --connect: %w", err)
		}

		d := dialer.New(dialer.Config{
			ConnectTimeout: *connectTimeout,
			Socks:          socksCfg,
			Logger:         log,
		})

		conn, err := d.Connect(ctx, host, port)
		if err != nil {
			return err
		}
		defer conn.Close()

		log.Info("connected", "target", *connect)
		return relay(ctx, conn)
	}

	ls := accept.NewListenSet(len(*listen))
	defer ls.Close()
	for _, addr := range *listen {
		s, err := netsock.Listen(addr, 0)
		if err != nil {
			return err
		}
		ls.Add(s)
		log.Info("listening", "addr", addr)
	}

	cancel, err := netsock.NewWaitPipe()
	if err != nil {
		return err
	}
	defer cancel.Close()
	cancel.SignalOnDone(ctx)

	conn, err := accept.New(ls, cancel, log).Accept(*acceptTimeout, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	if peer, err := conn.RemoteAddr(); err == nil {
		log.Info("accepted", "peer", netsock.SockaddrString(peer))
	}
	return relay(ctx, conn)
}

// relay copies stdin to the connection and the connection to stdout, ending
// when the remote side closes. The stdin copier is left detached: a read on
// stdin cannot be interrupted, so waiting for it would hang the exit path.
func relay(ctx context.Context, conn *netsock.Socket) error {
	context.AfterFunc(ctx, func() { _ = conn.Close() })

	go func() {
		_, _ = io.Copy(conn, os.Stdin)
	}()

	_, err := io.Copy(os.Stdout, conn)
	if err != nil && !errors.Is(err, syscall.EBADF) {
		return err
	}
	return nil
}

func parseSocksProxy(s string, version int, user, pass string) (dialer.SocksConfig, error) {
	cfg := dialer.SocksConfig{Version: version, Username: user, Password: pass}
	if s == "" {
		return cfg, nil
	}

	if host, portStr, err := net.SplitHostPort(s); err == nil {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return cfg, fmt.Errorf("invalid port: %w", err)
		}
		cfg.Host = host
		cfg.Port = port
		return cfg, nil
	}

	// Bare host; the dialer applies the default SOCKS port.
	cfg.Host = s
	return cfg, nil
}

func splitHostPort(s string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port: %w", err)
	}
	return host, port, nil
}

func defaultSocksProxy() string {
	if p := os.Getenv("SOCKS_SERVER"); p != "" {
		return p
	}
	return os.Getenv("socks_server")
}
