// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package dropsqlite

import "time"

// Config holds configuration for the sync client
type Config struct {
	ResendInterval time.Duration // a pending entry is resent when not sent within this interval (5s)
	DrainTimeout   time.Duration // longest wait of a read for pending entries to resolve (10s)
	RequestTimeout time.Duration // longest wait for a network-delegated request (30s)
	ResyncInterval time.Duration // full resync when the last one is older (1h)
	BackoffMin     time.Duration // reconnect backoff of the websocket transport (1s)
	BackoffMax     time.Duration // 60s
	Offline        bool          // start in forced offline mode
}

// DefaultConfig returns the default client configuration
func DefaultConfig() *Config {
	return &Config{
		ResendInterval: 5 * time.Second,
		DrainTimeout:   10 * time.Second,
		RequestTimeout: 30 * time.Second,
		ResyncInterval: time.Hour,
		BackoffMin:     1 * time.Second,
		BackoffMax:     60 * time.Second,
	}
}

func (c *Config) withDefaults() *Config {
	d := DefaultConfig()
	if c == nil {
		return d
	}
	out := *c
	if out.ResendInterval <= 0 {
		out.ResendInterval = d.ResendInterval
	}
	if out.DrainTimeout <= 0 {
		out.DrainTimeout = d.DrainTimeout
	}
	if out.RequestTimeout <= 0 {
		out.RequestTimeout = d.RequestTimeout
	}
	if out.ResyncInterval <= 0 {
		out.ResyncInterval = d.ResyncInterval
	}
	if out.BackoffMin <= 0 {
		out.BackoffMin = d.BackoffMin
	}
	if out.BackoffMax < out.BackoffMin {
		out.BackoffMax = d.BackoffMax
	}
	return &out
}
