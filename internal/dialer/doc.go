package dialer

// Package dialer establishes outbound TCP connections, optionally tunneled
// through a SOCKS4/5 proxy.
//
// A connect resolves the target (or the proxy, when one is configured) into
// an ordered candidate list and tries each candidate in turn with a bounded
// non-blocking connect, polling in 100ms slices so cancellation is observed
// promptly. Per-candidate failures are logged and absorbed; only resolution
// failure, cancellation, proxy-handshake failure, or exhaustion of the whole
// list surface to the caller.
