package nexusvault

import (
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/woozymasta/pathrules"

	"github.com/marblebag/nexusvault/archive"
	"github.com/marblebag/nexusvault/cache"
	"github.com/marblebag/nexusvault/codec"
	"github.com/marblebag/nexusvault/index"
)

// DefaultMinCompressSize is the smallest file WriteFile tries to compress.
const DefaultMinCompressSize = 64

// Option configures a Vault.
type Option func(*config)

type config struct {
	logger          *slog.Logger
	readOnly        bool
	cacheTime       time.Duration
	cacheTimeSet    bool
	clock           clockwork.Clock
	cache           cache.Cache
	verify          bool
	codec           codec.Compression
	rules           []pathrules.Rule
	minCompressSize int
	capacityHint    int
	buildNumber     uint32
	indexAlloc      []index.Option
	archiveAlloc    []archive.Option
}

func newConfig(opts []Option) *config {
	c := &config{
		verify:          true,
		codec:           codec.Deflate,
		minCompressSize: DefaultMinCompressSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WithLogger sets the logger for the vault and its files.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// WithReadOnly opens the vault without write access. Mutations return
// ErrReadOnly.
func WithReadOnly() Option {
	return func(c *config) {
		c.readOnly = true
	}
}

// WithCacheTime sets how long released file handles stay open. Zero closes
// handles as soon as they are released.
func WithCacheTime(d time.Duration) Option {
	return func(c *config) {
		c.cacheTime = d
		c.cacheTimeSet = true
	}
}

// WithClock sets the clock driving handle expiry.
func WithClock(clock clockwork.Clock) Option {
	return func(c *config) {
		c.clock = clock
	}
}

// WithCache enables caching of decoded content.
//
// Cached content is served without reading or verifying the archive.
// Concurrent reads of the same content are deduplicated with or without a
// cache.
func WithCache(cc cache.Cache) Option {
	return func(c *config) {
		c.cache = cc
	}
}

// WithVerify controls whether stored bytes are checked against the link hash
// on read (default: true).
func WithVerify(enabled bool) Option {
	return func(c *config) {
		c.verify = enabled
	}
}

// WithCodec sets the compression WriteFile uses for candidate files
// (default: deflate). codec.None disables compression.
func WithCodec(cc codec.Compression) Option {
	return func(c *config) {
		c.codec = cc
	}
}

// WithCompressRules limits compression to paths included by rules. Rules
// match case-insensitively and exclude by default. Without rules every
// file is a candidate.
func WithCompressRules(rules ...pathrules.Rule) Option {
	return func(c *config) {
		c.rules = append(c.rules, rules...)
	}
}

// WithMinCompressSize sets the smallest file WriteFile tries to compress.
func WithMinCompressSize(n int) Option {
	return func(c *config) {
		c.minCompressSize = max(n, 0)
	}
}

// WithCapacityHint pre-sizes the archive entry array of a new vault.
func WithCapacityHint(n int) Option {
	return func(c *config) {
		c.capacityHint = n
	}
}

// WithBuildNumber sets the build number recorded by Create.
func WithBuildNumber(n uint32) Option {
	return func(c *config) {
		c.buildNumber = n
	}
}

// WithSplitThreshold sets the smallest free remainder split off a larger
// block when either file allocates (default: 64). Zero disables splitting.
func WithSplitThreshold(n uint32) Option {
	return func(c *config) {
		c.indexAlloc = append(c.indexAlloc, index.WithSplitThreshold(n))
		c.archiveAlloc = append(c.archiveAlloc, archive.WithSplitThreshold(n))
	}
}

// WithCoalescing controls whether freed blocks in either file merge with
// free neighbours (default: true).
func WithCoalescing(enabled bool) Option {
	return func(c *config) {
		c.indexAlloc = append(c.indexAlloc, index.WithCoalescing(enabled))
		c.archiveAlloc = append(c.archiveAlloc, archive.WithCoalescing(enabled))
	}
}

// ExtractOption configures Extract.
type ExtractOption func(*extractConfig)

// defaultExtractWorkers is used when no ExtractWithWorkers option is set.
const defaultExtractWorkers = 4

type extractConfig struct {
	overwrite     bool
	preserveTimes bool
	workers       int
}

// ExtractWithOverwrite allows overwriting existing files.
// By default, existing files are skipped.
func ExtractWithOverwrite(overwrite bool) ExtractOption {
	return func(c *extractConfig) {
		c.overwrite = overwrite
	}
}

// ExtractWithPreserveTimes sets extracted file times to the link write time.
func ExtractWithPreserveTimes(preserve bool) ExtractOption {
	return func(c *extractConfig) {
		c.preserveTimes = preserve
	}
}

// ExtractWithWorkers sets the number of files written concurrently.
// Values <= 0 use the default (4).
func ExtractWithWorkers(n int) ExtractOption {
	return func(c *extractConfig) {
		c.workers = n
	}
}
