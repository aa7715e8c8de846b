package config

import "sync/atomic"

// Provider hands out the current immutable Config snapshot. A reload builds
// a complete new Config and swaps the pointer; in-flight requests keep the
// snapshot they started with, so they never observe a half-updated policy.
type Provider struct {
	current atomic.Pointer[Config]
}

// NewProvider creates a Provider seeded with the given Config.
func NewProvider(cfg *Config) *Provider {
	p := &Provider{}
	p.current.Store(cfg)
	return p
}

// Current returns the active configuration snapshot.
func (p *Provider) Current() *Config {
	return p.current.Load()
}

// Swap atomically replaces the active configuration.
func (p *Provider) Swap(cfg *Config) {
	p.current.Store(cfg)
}
