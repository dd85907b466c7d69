package netsock

// Package netsock provides the low-level socket primitives used by the
// connection layer: raw stream sockets with non-blocking connect and
// pending-error queries, listening sockets, address resolution into ordered
// connect candidates, and a pollable cancellation pipe.
//
// Everything here is a thin layer over golang.org/x/sys/unix; the policy
// (candidate retry, SOCKS negotiation, accept fairness) lives in
// internal/dialer, internal/socks and internal/accept.
