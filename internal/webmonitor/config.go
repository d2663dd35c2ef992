package webmonitor

import "time"

// Config defines the runtime configuration for the web monitor server.
type Config struct {
	StatusInterval time.Duration // telemetry push interval for SSE and WebSocket clients
	SwapTimeout    time.Duration // upper bound on one /update-model request
}

// DefaultConfig returns the stock intervals.
func DefaultConfig() Config {
	return Config{
		StatusInterval: time.Second,
		SwapTimeout:    30 * time.Second,
	}
}
