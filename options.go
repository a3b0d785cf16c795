package carol

import (
	"log/slog"
	"os"
	"time"
)

const (
	defaultSweepInterval = time.Minute
	defaultDirPerm       = 0o700
)

type config struct {
	fetcher       Fetcher
	sweepInterval time.Duration
	dirPerm       os.FileMode
	logger        *slog.Logger
	defaultPolicy Policy
}

func defaultConfig() config {
	return config{
		sweepInterval: defaultSweepInterval,
		dirPerm:       defaultDirPerm,
		defaultPolicy: StoreForever(),
	}
}

// Option configures a Manager, the functional-options pattern used
// throughout the teacher (cache/disk.Option, client_opts.go, blob_opts.go).
type Option func(*config)

// WithFetcher sets the capability Get uses to stream bytes for a source.
// Required: Init returns an error if no fetcher is configured.
func WithFetcher(f Fetcher) Option {
	return func(c *config) { c.fetcher = f }
}

// WithSweepInterval sets the eviction sweeper's polling period. The
// sweeper also runs on demand whenever a handle's refcount drops to zero,
// so this interval only bounds the worst case, not the common case.
func WithSweepInterval(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.sweepInterval = d
		}
	}
}

// WithDirPerm sets the permission bits used when creating cache
// directories. Defaults to 0700.
func WithDirPerm(mode os.FileMode) Option {
	return func(c *config) { c.dirPerm = mode }
}

// WithLogger sets the structured logger used for manager and sweeper
// diagnostics. Defaults to a discarding logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithDefaultPolicy sets the retention policy applied to entries created
// by Get (whose signature has no policy parameter). CopyLocalFile takes
// its policy explicitly and ignores this setting. Defaults to StoreForever.
func WithDefaultPolicy(p Policy) Option {
	return func(c *config) { c.defaultPolicy = p }
}

func (c config) log() *slog.Logger {
	if c.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return c.logger
}
