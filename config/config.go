// Package config loads one node's configuration: data directory, control
// listen address, section/beacon id, DKG timeouts, and log level, grounded
// on the teacher's internal/core.Config functional-options pattern
// (NewConfig(opts ...ConfigOption)) and its TOML file loading, reworked
// from a beacon-network config to a section-node one.
package config

import (
	"fmt"
	"os"
	"path"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/jonboulle/clockwork"

	"github.com/tidalmesh/elderd/fs"
	"github.com/tidalmesh/elderd/log"
)

// DefaultConfigFolder is the data directory used when none is configured,
// mirroring the teacher's DefaultConfigFolder under the user's home.
func DefaultConfigFolder() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return path.Join(home, ".elderd")
}

const (
	// DefaultControlPort is the control-plane listen port when none is set.
	DefaultControlPort = "7777"
	// DefaultJoiningTimeout bounds how long a join attempt may take before
	// it is abandoned with JoinTimeout (spec.md §5).
	DefaultJoiningTimeout = 90 * time.Second
	// DefaultDkgPhaseTimeout is the per-phase timer of the DKG vote-phase
	// engine; the ephemeral-key phase has no timeout.
	DefaultDkgPhaseTimeout = 30 * time.Second
	// DefaultAggregatorTTL bounds how long an in-flight signature
	// aggregation entry is retained before eviction (spec.md §4.6).
	DefaultAggregatorTTL = 2 * time.Minute
	// DefaultAggregatorCapacity bounds the number of in-flight payloads
	// the Signature Aggregator tracks concurrently.
	DefaultAggregatorCapacity = 4096
)

// Config holds one node's runtime configuration. The zero value is not
// usable; build one with NewConfig.
type Config struct {
	dataDir         string
	sectionID       string
	controlAddr     string
	joiningTimeout  time.Duration
	dkgPhaseTimeout time.Duration
	aggregatorTTL   time.Duration
	aggregatorCap   int
	logLevel        int
	clock           clockwork.Clock
	isFirst         bool
	bootstrapPeers  []string
}

// Option configures a Config in NewConfig.
type Option func(*Config)

// NewConfig returns a Config with the teacher's usual defaults applied,
// then overridden by opts in order.
func NewConfig(opts ...Option) *Config {
	c := &Config{
		dataDir:         DefaultConfigFolder(),
		controlAddr:     "127.0.0.1:" + DefaultControlPort,
		joiningTimeout:  DefaultJoiningTimeout,
		dkgPhaseTimeout: DefaultDkgPhaseTimeout,
		aggregatorTTL:   DefaultAggregatorTTL,
		aggregatorCap:   DefaultAggregatorCapacity,
		logLevel:        log.InfoLevel,
		clock:           clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WithDataDir sets the directory keys, chain snapshots and the prefix map
// are persisted under.
func WithDataDir(dir string) Option { return func(c *Config) { c.dataDir = dir } }

// WithSectionID names the beacon/section identifier this node instance
// belongs to, the way the teacher's multi-beacon folder is keyed by
// beacon id.
func WithSectionID(id string) Option { return func(c *Config) { c.sectionID = id } }

// WithControlAddr sets the control-plane listen address (for an embedder's
// own RPC surface; this module never opens a socket itself).
func WithControlAddr(addr string) Option { return func(c *Config) { c.controlAddr = addr } }

// WithJoiningTimeout overrides DefaultJoiningTimeout.
func WithJoiningTimeout(d time.Duration) Option { return func(c *Config) { c.joiningTimeout = d } }

// WithDkgPhaseTimeout overrides DefaultDkgPhaseTimeout.
func WithDkgPhaseTimeout(d time.Duration) Option { return func(c *Config) { c.dkgPhaseTimeout = d } }

// WithAggregatorTTL overrides DefaultAggregatorTTL.
func WithAggregatorTTL(d time.Duration) Option { return func(c *Config) { c.aggregatorTTL = d } }

// WithLogLevel sets the logger verbosity (log.InfoLevel, log.DebugLevel, ...).
func WithLogLevel(level int) Option { return func(c *Config) { c.logLevel = level } }

// WithClock overrides the real clock with a deterministic one for tests,
// the same seam the teacher's beacon ticker uses clockwork for.
func WithClock(clock clockwork.Clock) Option { return func(c *Config) { c.clock = clock } }

// WithGenesis marks this node as the section's first (is_first=true in
// spec.md's scenario S1), skipping the join flow entirely.
func WithGenesis() Option { return func(c *Config) { c.isFirst = true } }

// WithBootstrapPeers sets the seed addresses a non-genesis node dials to
// join, passed through to the embedder's Comm.Bootstrap.
func WithBootstrapPeers(addrs ...string) Option {
	return func(c *Config) { c.bootstrapPeers = addrs }
}

func (c *Config) DataDir() string               { return c.dataDir }
func (c *Config) SectionID() string             { return c.sectionID }
func (c *Config) ControlAddr() string           { return c.controlAddr }
func (c *Config) JoiningTimeout() time.Duration { return c.joiningTimeout }
func (c *Config) DkgPhaseTimeout() time.Duration { return c.dkgPhaseTimeout }
func (c *Config) AggregatorTTL() time.Duration  { return c.aggregatorTTL }
func (c *Config) AggregatorCapacity() int       { return c.aggregatorCap }
func (c *Config) LogLevel() int                 { return c.logLevel }
func (c *Config) Clock() clockwork.Clock        { return c.clock }
func (c *Config) IsFirst() bool                 { return c.isFirst }
func (c *Config) BootstrapPeers() []string      { return c.bootstrapPeers }

// KeyFile returns the path keys are persisted to under DataDir, mirroring
// the teacher's key.FileStore layout.
func (c *Config) KeyFile(name string) string {
	return path.Join(c.dataDir, name)
}

// file is the on-disk TOML representation of a Config, loaded by Load and
// written by Save. Only the fields meaningful to persist (not runtime
// seams like Clock) round-trip through it.
type file struct {
	DataDir         string `toml:"data_dir"`
	SectionID       string `toml:"section_id"`
	ControlAddr     string `toml:"control_addr"`
	JoiningTimeout  string `toml:"joining_timeout"`
	DkgPhaseTimeout string `toml:"dkg_phase_timeout"`
	AggregatorTTL   string `toml:"aggregator_ttl"`
	LogLevel        int    `toml:"log_level"`
	IsFirst         bool   `toml:"is_first"`
	BootstrapPeers  []string `toml:"bootstrap_peers"`
}

// Load reads a TOML config file, applying its values over NewConfig's
// defaults, matching the teacher's BurntSushi/toml-based config loading
// (cmd/drand's contextToConfig builds ConfigOptions the same way from CLI
// flags; Load does it from a file instead).
func Load(path string) (*Config, error) {
	var f file
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}

	var opts []Option
	if f.DataDir != "" {
		opts = append(opts, WithDataDir(f.DataDir))
	}
	if f.SectionID != "" {
		opts = append(opts, WithSectionID(f.SectionID))
	}
	if f.ControlAddr != "" {
		opts = append(opts, WithControlAddr(f.ControlAddr))
	}
	if f.JoiningTimeout != "" {
		d, err := time.ParseDuration(f.JoiningTimeout)
		if err != nil {
			return nil, fmt.Errorf("config: joining_timeout: %w", err)
		}
		opts = append(opts, WithJoiningTimeout(d))
	}
	if f.DkgPhaseTimeout != "" {
		d, err := time.ParseDuration(f.DkgPhaseTimeout)
		if err != nil {
			return nil, fmt.Errorf("config: dkg_phase_timeout: %w", err)
		}
		opts = append(opts, WithDkgPhaseTimeout(d))
	}
	if f.AggregatorTTL != "" {
		d, err := time.ParseDuration(f.AggregatorTTL)
		if err != nil {
			return nil, fmt.Errorf("config: aggregator_ttl: %w", err)
		}
		opts = append(opts, WithAggregatorTTL(d))
	}
	if f.LogLevel != 0 {
		opts = append(opts, WithLogLevel(f.LogLevel))
	}
	if f.IsFirst {
		opts = append(opts, WithGenesis())
	}
	if len(f.BootstrapPeers) > 0 {
		opts = append(opts, WithBootstrapPeers(f.BootstrapPeers...))
	}
	return NewConfig(opts...), nil
}

// Save writes c out as a TOML file at path, creating parent directories as
// needed, using fs.EnsureSecureDir/fs.NewSecureFile so config and key
// material land under the same 0740/0600 permission conventions as the
// rest of a node's data directory.
func (c *Config) Save(savePath string) error {
	fs.EnsureSecureDir(path.Dir(savePath))
	f, err := fs.NewSecureFile(savePath)
	if err != nil {
		return fmt.Errorf("config: create %s: %w", savePath, err)
	}
	defer f.Close()

	out := file{
		DataDir:         c.dataDir,
		SectionID:       c.sectionID,
		ControlAddr:     c.controlAddr,
		JoiningTimeout:  c.joiningTimeout.String(),
		DkgPhaseTimeout: c.dkgPhaseTimeout.String(),
		AggregatorTTL:   c.aggregatorTTL.String(),
		LogLevel:        c.logLevel,
		IsFirst:         c.isFirst,
		BootstrapPeers:  c.bootstrapPeers,
	}
	return toml.NewEncoder(f).Encode(out)
}
