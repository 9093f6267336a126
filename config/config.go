// Package config holds the tunables the core reads at startup, following
// the functional-options shape used throughout this codebase for option
// structs.
package config

import "time"

const (
	DefaultPacketThreads    = 4
	DefaultMaxPackets       = 10000
	DefaultTCPSaveTimeout   = 480 * time.Second
	DefaultLogEveryXPackets = 100000

	// MaxBufferedSegments bounds the per-session out-of-order buffer. Past
	// this many unacked segments we give up on reassembly rather than let
	// one stalled flow grow without limit; 256 matches the cap the worker
	// loop is specified against.
	MaxBufferedSegments = 256
)

// DontSaveFilter pairs a BPF-style predicate name with the packet count past
// which matching sessions stop persisting frames.
type DontSaveFilter struct {
	Name  string
	Stop  int
}

// Config is the immutable configuration record read by every worker.
type Config struct {
	PacketThreads    int
	MaxPackets       int
	TCPSaveTimeout   time.Duration
	AntiSynDrop      bool
	DontSaveBPFs     []DontSaveFilter
	LogEveryXPackets int
	LogUnknownProtocols bool
	EnableYara       bool
	Debug            bool
	EnableGRE        bool
}

// New builds a Config with the documented defaults, then applies opts.
func New(opts ...Option) Config {
	c := Config{
		PacketThreads:    DefaultPacketThreads,
		MaxPackets:       DefaultMaxPackets,
		TCPSaveTimeout:   DefaultTCPSaveTimeout,
		LogEveryXPackets: DefaultLogEveryXPackets,
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// Option mutates a Config under construction.
type Option func(*Config)

func WithPacketThreads(n int) Option {
	return func(c *Config) { c.PacketThreads = n }
}

func WithMaxPackets(n int) Option {
	return func(c *Config) { c.MaxPackets = n }
}

func WithTCPSaveTimeout(d time.Duration) Option {
	return func(c *Config) { c.TCPSaveTimeout = d }
}

func WithAntiSynDrop(enabled bool) Option {
	return func(c *Config) { c.AntiSynDrop = enabled }
}

func WithDontSaveBPFs(filters ...DontSaveFilter) Option {
	return func(c *Config) { c.DontSaveBPFs = filters }
}

func WithLogEveryXPackets(n int) Option {
	return func(c *Config) { c.LogEveryXPackets = n }
}

func WithLogUnknownProtocols(enabled bool) Option {
	return func(c *Config) { c.LogUnknownProtocols = enabled }
}

func WithYara(enabled bool) Option {
	return func(c *Config) { c.EnableYara = enabled }
}

func WithDebug(enabled bool) Option {
	return func(c *Config) { c.Debug = enabled }
}

func WithGRE(enabled bool) Option {
	return func(c *Config) { c.EnableGRE = enabled }
}
