// Package config loads the bulkload service configuration.
//
// Values come from built-in defaults, then an optional YAML file, then
// environment variables named BULKLOAD_ followed by the upper-cased key path
// with dots replaced by underscores, e.g. BULKLOAD_LOADER_THRESHOLD.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/mitchellh/mapstructure"
	"github.com/philpearl/bulkload/datastore"
	"github.com/philpearl/bulkload/loader"
	"github.com/philpearl/bulkload/objectstore"
	"github.com/spf13/viper"
)

const envPrefix = "BULKLOAD"

const (
	SinkInsert = "insert"
	SinkStaged = "staged"
)

const (
	BackoffLogarithmic = "logarithmic"
	BackoffExponential = "exponential"
)

type Config struct {
	Server      ServerConfig       `mapstructure:"server"`
	Log         LogConfig          `mapstructure:"log"`
	Loader      LoaderConfig       `mapstructure:"loader"`
	Sink        SinkConfig         `mapstructure:"sink"`
	Datastore   datastore.Config   `mapstructure:"datastore"`
	ObjectStore objectstore.Config `mapstructure:"objectStore"`
	Retry       RetryConfig        `mapstructure:"retry"`
	Spill       SpillConfig        `mapstructure:"spill"`
	Monitor     MonitorConfig      `mapstructure:"monitor"`
	// Tables holds per-table loader overrides. Viper lower-cases map keys,
	// so table names are matched case-insensitively.
	Tables map[string]TableConfig `mapstructure:"tables"`
}

type ServerConfig struct {
	// Addr is where the ingest server listens.
	Addr string `mapstructure:"addr"`
	// MetricsAddr serves /metrics. Empty disables it.
	MetricsAddr string `mapstructure:"metricsAddr"`
}

type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `mapstructure:"level"`
}

type LoaderConfig struct {
	Threshold        int           `mapstructure:"threshold"`
	IdleFlushPeriod  time.Duration `mapstructure:"idleFlushPeriod"`
	SerializeCommits bool          `mapstructure:"serializeCommits"`
	MaxActiveFlushes int           `mapstructure:"maxActiveFlushes"`
}

// TableConfig overrides LoaderConfig for one table. Unset values keep the
// loader defaults.
type TableConfig struct {
	Threshold        *int           `mapstructure:"threshold"`
	IdleFlushPeriod  *time.Duration `mapstructure:"idleFlushPeriod"`
	SerializeCommits *bool          `mapstructure:"serializeCommits"`
	MaxActiveFlushes *int           `mapstructure:"maxActiveFlushes"`
}

type SinkConfig struct {
	// Type is insert or staged.
	Type string `mapstructure:"type"`
	// Quoting is doubling, dollar or backslash. It only applies to insert sinks.
	Quoting        string    `mapstructure:"quoting"`
	Delimiter      Delimiter `mapstructure:"delimiter"`
	ArrayDelimiter string    `mapstructure:"arrayDelimiter"`
	// KeyPrefix is placed between the bucket and the generated artifact key.
	KeyPrefix   string `mapstructure:"keyPrefix"`
	Credentials string `mapstructure:"credentials"`
	Extension   string `mapstructure:"extension"`
	Cleanup     bool   `mapstructure:"cleanup"`
}

type RetryConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	TimeSlot   time.Duration `mapstructure:"timeSlot"`
	MaxDelay   int           `mapstructure:"maxDelay"`
	MaxRetries int           `mapstructure:"maxRetries"`
	// Backoff is logarithmic or exponential.
	Backoff string `mapstructure:"backoff"`
}

type SpillConfig struct {
	// Dir holds batches whose retries ran out. Empty disables spilling.
	Dir string `mapstructure:"dir"`
	// Replay resubmits spilled batches when a loader starts.
	Replay bool `mapstructure:"replay"`
}

type MonitorConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	FlushLatency  time.Duration `mapstructure:"flushLatency"`
	ActiveFlushes int           `mapstructure:"activeFlushes"`
	StageLatency  time.Duration `mapstructure:"stageLatency"`
}

func setDefaults(v *viper.Viper) {
	lc := loader.DefaultConfig()
	rc := loader.DefaultRetryConfig()

	v.SetDefault("server.addr", ":8123")
	v.SetDefault("server.metricsAddr", ":9090")
	v.SetDefault("log.level", "info")

	v.SetDefault("loader.threshold", lc.Threshold)
	v.SetDefault("loader.idleFlushPeriod", lc.IdleFlushPeriod)
	v.SetDefault("loader.serializeCommits", lc.SerializeCommits)
	v.SetDefault("loader.maxActiveFlushes", lc.MaxActiveFlushes)

	v.SetDefault("sink.type", SinkInsert)
	v.SetDefault("sink.quoting", "doubling")
	v.SetDefault("sink.delimiter", string(loader.DefaultDelimiter))
	v.SetDefault("sink.arrayDelimiter", ",")
	v.SetDefault("sink.keyPrefix", "")
	v.SetDefault("sink.credentials", "")
	v.SetDefault("sink.extension", "")
	v.SetDefault("sink.cleanup", false)

	v.SetDefault("datastore.implementation", datastore.ImplDevelopment)
	v.SetDefault("datastore.postgres.connectAttempts", 5)
	v.SetDefault("datastore.postgres.connectDelay", time.Second)
	v.SetDefault("datastore.bigquery.projectID", "")
	v.SetDefault("datastore.bigquery.location", "")
	v.SetDefault("datastore.development.delay", time.Duration(0))

	v.SetDefault("objectStore.implementation", objectstore.ImplMemory)
	v.SetDefault("objectStore.bucket", "")
	v.SetDefault("objectStore.s3.region", "")
	v.SetDefault("objectStore.s3.endpoint", "")
	v.SetDefault("objectStore.s3.usePathStyle", false)

	v.SetDefault("retry.enabled", true)
	v.SetDefault("retry.timeSlot", rc.TimeSlot)
	v.SetDefault("retry.maxDelay", rc.MaxDelay)
	v.SetDefault("retry.maxRetries", rc.MaxRetries)
	v.SetDefault("retry.backoff", BackoffLogarithmic)

	v.SetDefault("spill.dir", "")
	v.SetDefault("spill.replay", true)

	v.SetDefault("monitor.enabled", true)
	v.SetDefault("monitor.flushLatency", 30*time.Second)
	v.SetDefault("monitor.activeFlushes", 10)
	v.SetDefault("monitor.stageLatency", time.Duration(0))
}

// Load reads the configuration. path may be empty, in which case only the
// defaults and the environment are used. The result has been validated.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		DelimiterHookFunc(),
	))); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

// Validate reports every problem with the config.
func (c *Config) Validate() error {
	var result *multierror.Error
	if c.Server.Addr == "" {
		result = multierror.Append(result, errors.New("server.addr is required"))
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		result = multierror.Append(result, err)
	}

	base := c.LoaderConfig("validation", nil)
	if err := base.Validate(); err != nil {
		result = multierror.Append(result, fmt.Errorf("loader: %w", err))
	}
	for table := range c.Tables {
		lc := c.LoaderConfig(table, nil)
		if err := lc.Validate(); err != nil {
			result = multierror.Append(result, fmt.Errorf("tables.%s: %w", table, err))
		}
	}

	switch c.Sink.Type {
	case SinkInsert:
		if _, err := ParseQuoting(c.Sink.Quoting); err != nil {
			result = multierror.Append(result, err)
		}
	case SinkStaged:
		if c.ObjectStore.Bucket == "" {
			result = multierror.Append(result, errors.New("objectStore.bucket is required for staged sinks"))
		}
	default:
		result = multierror.Append(result, fmt.Errorf("unknown sink type %q", c.Sink.Type))
	}

	if c.Retry.Enabled {
		rc, err := c.RetryConfig()
		if err != nil {
			result = multierror.Append(result, err)
		} else if err := rc.Validate(); err != nil {
			result = multierror.Append(result, fmt.Errorf("retry: %w", err))
		}
	}

	if c.Monitor.Enabled {
		if c.Monitor.FlushLatency <= 0 {
			result = multierror.Append(result, errors.New("monitor.flushLatency must be positive"))
		}
		if c.Monitor.ActiveFlushes <= 0 {
			result = multierror.Append(result, errors.New("monitor.activeFlushes must be positive"))
		}
	}
	return result.ErrorOrNil()
}

// LoaderConfig returns the loader configuration for table, with any
// per-table overrides applied.
func (c *Config) LoaderConfig(table string, fields []string) loader.Config {
	base := loader.DefaultConfig()
	base.Threshold = c.Loader.Threshold
	base.IdleFlushPeriod = c.Loader.IdleFlushPeriod
	base.SerializeCommits = c.Loader.SerializeCommits
	base.MaxActiveFlushes = c.Loader.MaxActiveFlushes

	o := loader.Overrides{
		Table:  &table,
		Fields: fields,
	}
	if t, ok := c.Tables[strings.ToLower(table)]; ok {
		o.Threshold = t.Threshold
		o.IdleFlushPeriod = t.IdleFlushPeriod
		o.SerializeCommits = t.SerializeCommits
		o.MaxActiveFlushes = t.MaxActiveFlushes
	}
	return loader.Merge(base, o)
}

func (c *Config) RetryConfig() (loader.RetryConfig, error) {
	rc := loader.DefaultRetryConfig()
	rc.TimeSlot = c.Retry.TimeSlot
	rc.MaxDelay = c.Retry.MaxDelay
	rc.MaxRetries = c.Retry.MaxRetries
	switch c.Retry.Backoff {
	case BackoffLogarithmic:
		rc.Calculation = loader.Logarithmic
	case BackoffExponential:
		rc.Calculation = loader.ExponentialBackoff
	default:
		return rc, fmt.Errorf("unknown retry backoff %q", c.Retry.Backoff)
	}
	return rc, nil
}

func (c *Config) MonitorConfig() loader.MonitorConfig {
	return loader.MonitorConfig{
		FlushLatency:  c.Monitor.FlushLatency,
		ActiveFlushes: c.Monitor.ActiveFlushes,
		StageLatency:  c.Monitor.StageLatency,
	}
}

func ParseQuoting(s string) (loader.Quoting, error) {
	switch s {
	case "doubling", "":
		return loader.QuoteDoubling, nil
	case "dollar":
		return loader.QuoteDollar, nil
	case "backslash":
		return loader.QuoteBackslash, nil
	}
	return 0, fmt.Errorf("unknown quoting %q", s)
}
