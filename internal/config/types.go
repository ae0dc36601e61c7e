package config

import "fmt"

// Config is the on-disk configuration for a wspulsar client: the Pulsar
// WebSocket proxy to dial, the per-connection Options to use for every
// producer/consumer socket, and where to expose Prometheus metrics.
type Config struct {
	BaseURL   string `yaml:"base_url" json:"base_url"`
	Tenant    string `yaml:"tenant" json:"tenant"`
	Namespace string `yaml:"namespace" json:"namespace"`

	PingIntervalSecs    int  `yaml:"ping_interval_secs" json:"ping_interval_secs"`
	ReconnectIntervalMs int  `yaml:"reconnect_interval_ms" json:"reconnect_interval_ms"`
	ClosingMaxWaitMs    int  `yaml:"closing_max_wait_ms" json:"closing_max_wait_ms"`
	DialTimeoutMs       int  `yaml:"dial_timeout_ms" json:"dial_timeout_ms"`
	StrictAccept        bool `yaml:"strict_accept" json:"strict_accept"`
	// DisablePong mirrors ws.Options.DisablePong; left unset (false), the
	// connection answers Pings with Pongs automatically.
	DisablePong bool `yaml:"disable_pong" json:"disable_pong"`

	MaxQueueSize int `yaml:"max_queue_size" json:"max_queue_size"`

	MetricsAddr string `yaml:"metrics_addr" json:"metrics_addr"`
}

func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base_url is required")
	}
	if c.Tenant == "" {
		return fmt.Errorf("tenant is required")
	}
	if c.Namespace == "" {
		return fmt.Errorf("namespace is required")
	}
	return nil
}

// applyDefaults fills zero-valued fields with the documented defaults
// (mirrors internal/ws.applyDefaults, since a zero Config should behave
// like ws.DefaultOptions()).
func (c *Config) applyDefaults() {
	if c.Tenant == "" {
		c.Tenant = "public"
	}
	if c.Namespace == "" {
		c.Namespace = "default"
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = 1000
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = "127.0.0.1:9090"
	}
}
