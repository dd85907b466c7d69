package socks

// Package socks implements the client side of a SOCKS4/SOCKS5 CONNECT
// handshake (RFC 1928 style) over an already-connected stream.
//
// It builds the wire frames by hand because the negotiation has to match the
// historical client behavior exactly (lenient version coercion, 255-byte
// username/password truncation, SOCKS4 with an empty user-id); the
// github.com/txthinking/socks5 constants are used for the protocol values.
//
// The caller owns the connection: a failed handshake leaves the socket open
// for the caller to close.
