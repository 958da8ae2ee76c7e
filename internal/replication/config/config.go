// Package config loads the configuration of a shardkv node.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	sentry "github.com/getsentry/sentry-go"
	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml"
	"github.com/sirupsen/logrus"
)

// Role is the part a node plays for its shard.
type Role string

const (
	// RolePrimary nodes own the shard's branch and accept writes.
	RolePrimary Role = "primary"
	// RoleReplica nodes follow a primary.
	RoleReplica Role = "replica"
)

func (r Role) validate() error {
	switch r {
	case RolePrimary, RoleReplica:
		return nil
	default:
		return fmt.Errorf("invalid role %q", r)
	}
}

// Selector names the strategy picking the replica that serves a read.
type Selector string

const (
	// SelectorRandom picks a readable replica at random.
	SelectorRandom Selector = "random"
	// SelectorRoundRobin cycles through the readable replicas.
	SelectorRoundRobin Selector = "round_robin"
)

var (
	errNoListener         = errors.New("no listen address configured")
	errNoPrimaryAddress   = errors.New("replicas need a primary_address")
	errNoAdvertise        = errors.New("replicas need an advertise_address the primary can dial")
	errNoWriteQueueDir    = errors.New("replication.write_queue_dir is required for replicas")
	errInvalidRegion      = errors.New("region must not be empty")
	errInvalidBudget      = errors.New("backfill budget must allow at least one item")
	errInvalidParallelism = errors.New("backfill parallelism must be at least 1")
)

// Duration is a TOML compatible time.Duration.
type Duration time.Duration

// Duration returns the value as a time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// UnmarshalText parses a duration like "5s".
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText formats the duration.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Logging configures the loggers.
type Logging struct {
	Dir    string `toml:"dir,omitempty" envconfig:"dir"`
	Format string `toml:"format,omitempty" envconfig:"format"`
	Level  string `toml:"level,omitempty" envconfig:"level"`
}

// Sentry configures panic reporting.
type Sentry struct {
	DSN         string `toml:"sentry_dsn,omitempty" envconfig:"dsn"`
	Environment string `toml:"sentry_environment,omitempty" envconfig:"environment"`
}

// Prometheus configures metrics collection.
type Prometheus struct {
	// GRPCLatencyBuckets configures the histogram buckets used for gRPC
	// latency measurements.
	GRPCLatencyBuckets []float64 `toml:"grpc_latency_buckets,omitempty"`
}

// DefaultPrometheusConfig returns a new config with default values set.
func DefaultPrometheusConfig() Prometheus {
	return Prometheus{
		GRPCLatencyBuckets: []float64{0.001, 0.005, 0.025, 0.1, 0.5, 1.0, 10.0, 30.0, 60.0},
	}
}

// DB holds the Postgres connection settings used to persist the branch
// history. Leaving Host empty keeps the history in memory.
type DB struct {
	Host        string `toml:"host,omitempty" envconfig:"host"`
	Port        int    `toml:"port,omitempty" envconfig:"port"`
	User        string `toml:"user,omitempty" envconfig:"user"`
	Password    string `toml:"password,omitempty" envconfig:"password"`
	DBName      string `toml:"dbname,omitempty" envconfig:"dbname"`
	SSLMode     string `toml:"sslmode,omitempty" envconfig:"sslmode"`
	SSLCert     string `toml:"sslcert,omitempty"`
	SSLKey      string `toml:"sslkey,omitempty"`
	SSLRootCert string `toml:"sslrootcert,omitempty"`
}

// Region is the key range served by the node.
type Region struct {
	Start string `toml:"start,omitempty"`
	End   string `toml:"end,omitempty"`
}

// Replication tunes the replication protocol.
type Replication struct {
	// WriteQueueDir holds the writes a replica receives while it is
	// backfilling.
	WriteQueueDir string `toml:"write_queue_dir,omitempty" envconfig:"write_queue_dir"`
	// WriteQueueMemoryBytes bounds the size of the queued writes which have
	// not been drained yet.
	WriteQueueMemoryBytes int64 `toml:"write_queue_memory_bytes,omitempty"`
	// DrainWorkers is the number of workers applying queued writes.
	DrainWorkers int `toml:"drain_workers,omitempty"`
	// BackfillParallelism is the number of concurrent range walks.
	BackfillParallelism int `toml:"backfill_parallelism,omitempty"`
	// BackfillMaxItems and BackfillMaxBytes bound a single backfill chunk.
	BackfillMaxItems int `toml:"backfill_max_items,omitempty"`
	BackfillMaxBytes int `toml:"backfill_max_bytes,omitempty"`
	// ReadSelector picks the replica serving reads and write responses.
	ReadSelector Selector `toml:"read_selector,omitempty"`
	// BranchCacheSize is the number of birth certificates kept in memory.
	BranchCacheSize int `toml:"branch_cache_size,omitempty"`
}

// DefaultReplicationConfig returns the default values for the replication
// section.
func DefaultReplicationConfig() Replication {
	return Replication{
		WriteQueueMemoryBytes: 64 << 20,
		DrainWorkers:          4,
		BackfillParallelism:   4,
		BackfillMaxItems:      1000,
		BackfillMaxBytes:      4 << 20,
		ReadSelector:          SelectorRandom,
		BranchCacheSize:       1024,
	}
}

// Config is the configuration of a shardkv node.
type Config struct {
	Role                 Role        `toml:"role,omitempty" envconfig:"role"`
	ListenAddr           string      `toml:"listen_addr,omitempty" envconfig:"listen_addr"`
	AdvertiseAddr        string      `toml:"advertise_addr,omitempty" envconfig:"advertise_addr"`
	PrimaryAddr          string      `toml:"primary_addr,omitempty" envconfig:"primary_addr"`
	BackfillAddr         string      `toml:"backfill_addr,omitempty" envconfig:"backfill_addr"`
	PrometheusListenAddr string      `toml:"prometheus_listen_addr,omitempty" envconfig:"prometheus_listen_addr"`
	Prometheus           Prometheus  `toml:"prometheus,omitempty" ignored:"true"`
	Logging              Logging     `toml:"logging,omitempty" envconfig:"logging"`
	Sentry               Sentry      `toml:"sentry,omitempty" envconfig:"sentry"`
	DB                   DB          `toml:"database,omitempty" envconfig:"database"`
	Region               Region      `toml:"region,omitempty" ignored:"true"`
	Replication          Replication `toml:"replication,omitempty" envconfig:"replication"`
	GracefulStopTimeout  Duration    `toml:"graceful_stop_timeout,omitempty" ignored:"true"`
}

// EnvPrefix is the prefix of environment variables overriding the
// configuration file, e.g. SHARDKV_LISTEN_ADDR.
const EnvPrefix = "shardkv"

// FromFile loads the config for the passed file path. Environment
// variables take precedence over the file.
func FromFile(filePath string) (Config, error) {
	b, err := os.ReadFile(filePath)
	if err != nil {
		return Config{}, err
	}

	conf := &Config{
		Role:        RolePrimary,
		Prometheus:  DefaultPrometheusConfig(),
		Replication: DefaultReplicationConfig(),
	}
	if err := toml.Unmarshal(b, conf); err != nil {
		return Config{}, err
	}

	if err := envconfig.Process(EnvPrefix, conf); err != nil {
		return Config{}, fmt.Errorf("environment overrides: %w", err)
	}

	conf.setDefaults()

	return *conf, nil
}

func (c *Config) setDefaults() {
	if c.GracefulStopTimeout.Duration() == 0 {
		c.GracefulStopTimeout = Duration(time.Minute)
	}

	if c.AdvertiseAddr == "" {
		c.AdvertiseAddr = c.ListenAddr
	}

	if c.BackfillAddr == "" {
		c.BackfillAddr = c.PrimaryAddr
	}

	if c.Replication.ReadSelector == "" {
		c.Replication.ReadSelector = SelectorRandom
	}
}

// Validate establishes if the config is valid
func (c *Config) Validate() error {
	if err := c.Role.validate(); err != nil {
		return err
	}

	if c.ListenAddr == "" {
		return errNoListener
	}

	if c.Region.End != "" && c.Region.End <= c.Region.Start {
		return errInvalidRegion
	}

	if c.Replication.BackfillMaxItems < 1 || c.Replication.BackfillMaxBytes < 1 {
		return errInvalidBudget
	}

	if c.Replication.BackfillParallelism < 1 {
		return errInvalidParallelism
	}

	if c.Replication.DrainWorkers < 1 {
		return fmt.Errorf("replication.drain_workers was %d but must be >=1", c.Replication.DrainWorkers)
	}

	switch c.Replication.ReadSelector {
	case SelectorRandom, SelectorRoundRobin:
	default:
		return fmt.Errorf("invalid read selector %q", c.Replication.ReadSelector)
	}

	if c.Role == RoleReplica {
		if c.PrimaryAddr == "" {
			return errNoPrimaryAddress
		}
		if c.AdvertiseAddr == "" {
			return errNoAdvertise
		}
		if c.Replication.WriteQueueDir == "" {
			return errNoWriteQueueDir
		}
	}

	return nil
}

// NeedsSQL returns true if the branch history is kept in Postgres.
func (c *Config) NeedsSQL() bool {
	return c.DB.Host != ""
}

// ConfigureSentry initializes the Sentry client if a DSN is configured.
func ConfigureSentry(version string, conf Sentry) {
	if conf.DSN == "" {
		return
	}

	logrus.Debug("Using sentry logging")
	if err := sentry.Init(sentry.ClientOptions{
		Dsn:         conf.DSN,
		Environment: conf.Environment,
		Release:     "v" + version,
	}); err != nil {
		logrus.WithError(err).Warn("Unable to initialize sentry client")
	}
}
