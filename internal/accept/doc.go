package accept

// Package accept waits for inbound connections across an ordered set of
// listening sockets with cooperative cancellation.
//
// One call returns one accepted connection. The cancellation pipe is polled
// in the same readiness wait as the listeners, so a blocked accept can be
// woken without any separate interrupt mechanism. After each successful
// accept the serviced listener is rotated to the tail of the set, which keeps
// service order round-robin under sustained simultaneous readiness.
