// Package wspulsar provides a small public surface for reusing this
// repository as a library. The implementation lives in internal/ and may
// change without notice.
package wspulsar

import (
	"context"

	"wspulsar/internal/config"
	"wspulsar/internal/metrics"
	"wspulsar/internal/pulsar"
	"wspulsar/internal/ws"
)

// --- Config ---

type Config = config.Config

// LoadConfig loads a YAML configuration file.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// --- WebSocket connection ---

type Options = ws.Options
type ReadyState = ws.ReadyState
type Event = ws.Event
type EventKind = ws.EventKind
type OnMessageCallback = ws.OnMessageCallback
type Connection = ws.Connection

const (
	StateClosed     = ws.StateClosed
	StateConnecting = ws.StateConnecting
	StateOpen       = ws.StateOpen
	StateClosing    = ws.StateClosing
)

const (
	EventOpen     = ws.EventOpen
	EventMessage  = ws.EventMessage
	EventFragment = ws.EventFragment
	EventPing     = ws.EventPing
	EventPong     = ws.EventPong
	EventClose    = ws.EventClose
	EventError    = ws.EventError
)

const DisableAutoReconnect = ws.DisableAutoReconnect

// DefaultOptions returns the documented default Options.
func DefaultOptions() Options { return ws.DefaultOptions() }

// NewConnection creates a WebSocket client connection and starts its
// internal event loop. Call Connect to dial.
func NewConnection(opts Options) *Connection { return ws.NewConnection(opts) }

// --- Pulsar bridge ---

type Bridge = pulsar.Bridge
type OnPublishResponseCallback = pulsar.OnPublishResponseCallback
type OnSubscribeResponseCallback = pulsar.OnSubscribeResponseCallback

// NewBridge creates a Pulsar WebSocket bridge talking to baseURL (e.g.
// "ws://localhost:8080"). maxQueueSize <= 0 uses the default of 1000.
func NewBridge(baseURL string, maxQueueSize int, opts Options) *Bridge {
	return pulsar.NewBridge(baseURL, maxQueueSize, opts)
}

// OptionsFromConfig derives connection Options from a loaded Config.
func OptionsFromConfig(cfg *Config) Options {
	return Options{
		StrictAccept:        cfg.StrictAccept,
		DisablePong:         cfg.DisablePong,
		PingIntervalSecs:    cfg.PingIntervalSecs,
		ReconnectIntervalMs: cfg.ReconnectIntervalMs,
		ClosingMaxWaitMs:    cfg.ClosingMaxWaitMs,
		DialTimeoutMs:       cfg.DialTimeoutMs,
	}
}

// --- Metrics ---

// EnableMetrics turns on Prometheus metric collection.
func EnableMetrics() { metrics.Enable() }

// StartMetricsServer serves /metrics on addr until ctx is cancelled.
func StartMetricsServer(ctx context.Context, addr string) error {
	return metrics.StartServer(ctx, addr)
}
