package epump

import "go.uber.org/zap"

// defaultMaxFDs is promoted to whenever a caller requests fewer than
// 1024, per spec.md §6's core_new contract.
const defaultMaxFDs = 65536
const minMaxFDs = 1024

// Config holds construction-time parameters for a Core. Per spec.md
// §6 ("Persisted state: none"), there is no file-based layer behind
// this — everything is set once at New and never reloaded.
type Config struct {
	MaxFDs      int
	Logger      *zap.Logger
	NameServers []string // "ip" or "ip:port" entries, seeded via WithNameServers (DNSServerAdd adds to the resolver directly)
}

// Option configures a Core at construction time.
type Option func(*Config)

// WithLogger installs a structured logger; the default is a no-op
// logger so the engine never writes to stdout/stderr unasked.
func WithLogger(l *zap.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// WithMaxFDs overrides the file-descriptor table size hint.
func WithMaxFDs(n int) Option {
	return func(c *Config) { c.MaxFDs = n }
}

// WithNameServers seeds the DNS resolver's name-server list.
func WithNameServers(servers ...string) Option {
	return func(c *Config) { c.NameServers = append(c.NameServers, servers...) }
}

func newConfig(maxFD int, opts []Option) Config {
	cfg := Config{MaxFDs: maxFD, Logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.MaxFDs < minMaxFDs {
		cfg.MaxFDs = defaultMaxFDs
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return cfg
}
