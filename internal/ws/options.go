package ws

// DisableAutoReconnect is the ReconnectIntervalMs sentinel that turns the
// reconnect timer off entirely.
const DisableAutoReconnect = -1

// Options configures a Connection. Zero values are filled in by
// applyDefaults to match the source's documented defaults.
type Options struct {
	// Headers are sent in addition to the mandatory upgrade headers.
	Headers map[string]string
	// UserAgent is sent unless Headers already sets one; ignored in that case.
	UserAgent string

	// StrictAccept, when true, validates the Sec-WebSocket-Accept response
	// header against the RFC 6455 derivation and fails the handshake on
	// mismatch. Default false: the source never validates this header
	// (documented FIXME, see spec.md §9); callers that want the RFC-required
	// check opt in explicitly.
	StrictAccept bool

	// DisablePong turns off the automatic Pong reply to a received Ping.
	// Named as a negative so the zero value matches the source's documented
	// default, kDefaultEnablePong = true.
	DisablePong bool

	// PingIntervalSecs, when > 0, sends a Ping with the fixed keepalive
	// payload every interval. -1 (the default) disables keepalive.
	PingIntervalSecs int

	// ReconnectIntervalMs is the reconnect timer period, armed on dial or
	// handshake failure. Default 1000. Set to DisableAutoReconnect to turn
	// reconnection off.
	ReconnectIntervalMs int

	// ClosingMaxWaitMs bounds how long the close handshake waits for the
	// peer's Close echo before force-closing the socket. Default 300.
	ClosingMaxWaitMs int

	// DialTimeoutMs bounds TCP connect time and, separately, the upgrade
	// request/response exchange that follows it. Default 10000.
	DialTimeoutMs int
}

func applyDefaults(o *Options) Options {
	out := *o
	if out.PingIntervalSecs == 0 {
		out.PingIntervalSecs = -1
	}
	if out.ReconnectIntervalMs == 0 {
		out.ReconnectIntervalMs = 1000
	}
	if out.ClosingMaxWaitMs == 0 {
		out.ClosingMaxWaitMs = 300
	}
	if out.DialTimeoutMs == 0 {
		out.DialTimeoutMs = 10000
	}
	return out
}

// DefaultOptions returns the zero-value Options, which already matches the
// source's documented defaults (kDefaultEnablePong = true among them).
func DefaultOptions() Options {
	return Options{}
}
