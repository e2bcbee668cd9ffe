// Package sshconn establishes authenticated SSH transports.
//
// [Dial] resolves the host, opens TCP with a bounded connect timeout, runs
// the handshake and authenticates. When private key material is supplied it
// is tried first (through a per-session temporary key file that is always
// removed), then the password. Failures come back as [*Error], classified as
// [ErrDNS], [ErrConnect], [ErrHandshake] or [ErrAuth].
//
// A [Client] owns one transport. Its stall timeout is a mutable property of
// the transport: callers bracket a blocking remote call with
// [Client.SetTimeout] and [Client.ResetTimeout] (or [Client.WithTimeout]).
// While a timeout is set, any read or write that makes no progress for that
// long fails the transport. Idle transports carry no deadline; dead peers are
// detected by the keepalive loop instead.
//
// [Client.OpenShell] starts a PTY shell whose output can be polled without
// blocking via [Shell.TryRead].
package sshconn
