package engine

import (
	"time"

	"github.com/companyzero/inboxengine/enginedb"
	"github.com/companyzero/inboxengine/ntfns"
	"github.com/companyzero/inboxengine/protocol"
	"github.com/decred/slog"
)

const (
	// DefaultMaxMessageAge is how long a received message may stay queued
	// before it is pruned.
	DefaultMaxMessageAge = 15 * 24 * time.Hour

	// DefaultWorkers is the default number of concurrent message
	// processors.
	DefaultWorkers = 4
)

// Config holds the collaborators of an Engine. All fields but Notifications
// are required.
type Config struct {
	DB         *enginedb.DB
	Catalog    *protocol.Catalog
	Channels   protocol.ChannelDelegate
	Identities protocol.IdentityDirectory

	Notifications *ntfns.Manager
}

// config holds the tunables of an Engine.
type config struct {
	log       slog.Logger
	runnerLog slog.Logger
	promAddr  string
	workers   int
	now       func() time.Time

	// maxMessageAge is the age after which queued messages are pruned
	// and pruneInterval how often pruning runs. A zero pruneInterval
	// disables the prune loop.
	maxMessageAge time.Duration
	pruneInterval time.Duration

	// sweepInterval is how often the recently deleted denylist is swept.
	sweepInterval time.Duration

	// dropUnprocessable deletes messages that fail for reasons a later
	// retry cannot fix.
	dropUnprocessable bool
}

// fillConfig fills a new config with the default values, then applies all
// specified options.
func fillConfig(opts ...Option) config {
	cfg := config{
		log:           slog.Disabled,
		runnerLog:     slog.Disabled,
		workers:       DefaultWorkers,
		now:           time.Now,
		maxMessageAge: DefaultMaxMessageAge,
		pruneInterval: time.Hour,
		sweepInterval: enginedb.DefaultRecentlyDeletedRetention,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// Option is a functional engine config option.
type Option func(c *config)

// WithLogger sets the logger of the engine. Logger MUST NOT be nil.
func WithLogger(l slog.Logger) Option {
	return func(c *config) {
		c.log = l
	}
}

// WithRunnerLogger sets the logger used while running protocol steps.
func WithRunnerLogger(l slog.Logger) Option {
	return func(c *config) {
		c.runnerLog = l
	}
}

// WithWorkers sets the number of messages processed concurrently.
func WithWorkers(n int) Option {
	if n <= 0 {
		panic("must have at least one worker")
	}
	return func(c *config) {
		c.workers = n
	}
}

// WithMaxMessageAge sets the age after which queued messages are pruned.
func WithMaxMessageAge(d time.Duration) Option {
	return func(c *config) {
		c.maxMessageAge = d
	}
}

// WithPruneInterval sets how often stale messages are pruned. If set to zero,
// pruning only happens through PruneStaleReceivedMessages.
func WithPruneInterval(d time.Duration) Option {
	return func(c *config) {
		c.pruneInterval = d
	}
}

// WithSweepInterval sets how often the recently deleted denylist is swept.
func WithSweepInterval(d time.Duration) Option {
	return func(c *config) {
		c.sweepInterval = d
	}
}

// WithDropUnprocessable deletes messages that fail with a reason that a
// retry cannot fix: an unknown protocol or message, an undecodable state or a
// cancelled step. By default such messages stay queued until pruned.
func WithDropUnprocessable() Option {
	return func(c *config) {
		c.dropUnprocessable = true
	}
}

// WithPrometheusListenAddr sets the address to offer Prometheus metrics
// endpoint collection.
func WithPrometheusListenAddr(addr string) Option {
	return func(c *config) {
		c.promAddr = addr
	}
}

// WithClock sets the function used to read the current time.
func WithClock(now func() time.Time) Option {
	return func(c *config) {
		c.now = now
	}
}
