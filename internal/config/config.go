package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/aevon-lab/queuewatch/internal/core/lock"
	"github.com/aevon-lab/queuewatch/internal/core/stats"
	"github.com/aevon-lab/queuewatch/internal/rules"
	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/robfig/cron/v3"
)

const envPrefix = "QUEUEWATCH_"

// Config is the top-level configuration plus the seed rules resolved from rules.config_dir.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Hosts     []HostConfig    `koanf:"hosts"`
	Stats     StatsConfig     `koanf:"stats"`
	Lock      LockConfig      `koanf:"lock"`
	Rules     RulesConfig     `koanf:"rules"`
	CatchUp   CatchUpConfig   `koanf:"catchup"`
	Archive   ArchiveConfig   `koanf:"archive"`
	Retention RetentionConfig `koanf:"retention"`

	// Seeds is populated by Load after parsing rule files.
	Seeds []rules.Definition `koanf:"-"`
}

type ServerConfig struct {
	Port int    `koanf:"port"`
	Host string `koanf:"host"`
	Mode string `koanf:"mode"` // debug | release
}

// Addr is the listen address of the ops server.
func (s ServerConfig) Addr() string { return fmt.Sprintf("%s:%d", s.Host, s.Port) }

// HostConfig describes one monitored Redis host.
type HostConfig struct {
	Name     string `koanf:"name"`
	RedisURL string `koanf:"redis_url"`
	// LockNodes are the Redlock nodes. Empty means the host's own Redis.
	LockNodes []string `koanf:"lock_nodes"`
	Prefix    string   `koanf:"prefix"`
	Queues    []string `koanf:"queues"`
}

type StatsConfig struct {
	FlushInterval  time.Duration `koanf:"flush_interval"`
	RollupInterval time.Duration `koanf:"rollup_interval"`
	// Granularities enabled for rollup, e.g. ["hour", "day", "week"].
	Granularities []string      `koanf:"granularities"`
	WorkerCount   int           `koanf:"worker_count"`
	MaxJobs       int           `koanf:"max_jobs"`
	StreamBlock   time.Duration `koanf:"stream_block"`
	// SnapshotInterval is the width of the finest snapshots written by live collection.
	SnapshotInterval time.Duration `koanf:"snapshot_interval"`
}

// Rollups returns the enabled destination granularities in chain order.
func (s StatsConfig) Rollups() ([]stats.Granularity, error) {
	enabled := make(map[stats.Granularity]bool)
	for _, name := range s.Granularities {
		g, err := stats.ParseGranularity(name)
		if err != nil {
			return nil, err
		}
		if g == stats.Minute {
			return nil, fmt.Errorf("minute is always collected and cannot be rolled up into")
		}
		enabled[g] = true
	}
	var out []stats.Granularity
	for _, g := range stats.Granularities {
		if enabled[g] {
			prev, _ := g.Prev()
			if prev != stats.Minute && !enabled[prev] {
				return nil, fmt.Errorf("granularity %s needs %s enabled", g, prev)
			}
			out = append(out, g)
		}
	}
	return out, nil
}

type LockConfig struct {
	TTL        time.Duration `koanf:"ttl"`
	RetryWait  time.Duration `koanf:"retry_wait"`
	RenewRatio float64       `koanf:"renew_ratio"`
}

type RulesConfig struct {
	ConfigDir      string        `koanf:"config_dir"`
	AlertRetention time.Duration `koanf:"alert_retention"`
}

// Catch-up sources.
const (
	SourceStream  = "stream"
	SourceArchive = "archive"
)

type CatchUpConfig struct {
	Enabled    bool          `koanf:"enabled"`
	Source     string        `koanf:"source"` // stream | archive
	Inactivity time.Duration `koanf:"inactivity"`
	BatchSize  int           `koanf:"batch_size"`
}

type ArchiveConfig struct {
	Enabled      bool   `koanf:"enabled"`
	DSN          string `koanf:"dsn"`
	MaxOpenConns int    `koanf:"max_open_conns"`
	MaxIdleConns int    `koanf:"max_idle_conns"`
	AutoMigrate  bool   `koanf:"auto_migrate"`
	// Retention prunes archived events older than this; 0 keeps them forever.
	Retention time.Duration `koanf:"retention"`
}

type RetentionConfig struct {
	Schedule string        `koanf:"schedule"`
	Minute   time.Duration `koanf:"minute"`
	Hour     time.Duration `koanf:"hour"`
	Day      time.Duration `koanf:"day"`
	Week     time.Duration `koanf:"week"`
}

// For returns the retention of g; 0 keeps the series forever.
func (r RetentionConfig) For(g stats.Granularity) time.Duration {
	switch g {
	case stats.Minute:
		return r.Minute
	case stats.Hour:
		return r.Hour
	case stats.Day:
		return r.Day
	case stats.Week:
		return r.Week
	}
	return 0
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d (must be 1-65535)", c.Server.Port)
	}
	if strings.TrimSpace(c.Server.Host) == "" {
		return fmt.Errorf("server.host is required")
	}
	if c.Server.Mode != "debug" && c.Server.Mode != "release" {
		return fmt.Errorf("invalid server.mode %q (must be debug or release)", c.Server.Mode)
	}

	if len(c.Hosts) == 0 {
		return fmt.Errorf("at least one host is required")
	}
	names := make(map[string]bool, len(c.Hosts))
	for i, h := range c.Hosts {
		if strings.TrimSpace(h.Name) == "" {
			return fmt.Errorf("hosts[%d].name is required", i)
		}
		if names[h.Name] {
			return fmt.Errorf("host %q defined twice", h.Name)
		}
		names[h.Name] = true
		if strings.TrimSpace(h.RedisURL) == "" {
			return fmt.Errorf("host %q: redis_url is required", h.Name)
		}
		queues := make(map[string]bool, len(h.Queues))
		for _, q := range h.Queues {
			if strings.TrimSpace(q) == "" {
				return fmt.Errorf("host %q: empty queue name", h.Name)
			}
			if queues[q] {
				return fmt.Errorf("host %q: queue %q listed twice", h.Name, q)
			}
			queues[q] = true
		}
	}

	if c.Stats.FlushInterval <= 0 {
		return fmt.Errorf("stats.flush_interval must be > 0")
	}
	if c.Stats.RollupInterval <= 0 {
		return fmt.Errorf("stats.rollup_interval must be > 0")
	}
	if c.Stats.WorkerCount <= 0 {
		return fmt.Errorf("stats.worker_count must be > 0")
	}
	if c.Stats.MaxJobs <= 0 {
		return fmt.Errorf("stats.max_jobs must be > 0")
	}
	if c.Stats.StreamBlock <= 0 {
		return fmt.Errorf("stats.stream_block must be > 0")
	}
	if si := c.Stats.SnapshotInterval; si < time.Second || si > time.Minute || time.Minute%si != 0 {
		return fmt.Errorf("stats.snapshot_interval %s must be at least 1s and divide one minute evenly", si)
	}
	if _, err := c.Stats.Rollups(); err != nil {
		return fmt.Errorf("stats.granularities: %w", err)
	}

	if c.Lock.TTL < time.Second {
		return fmt.Errorf("lock.ttl must be >= 1s, got %s", c.Lock.TTL)
	}
	if c.Lock.RetryWait <= 0 {
		return fmt.Errorf("lock.retry_wait must be > 0")
	}
	if c.Lock.RenewRatio < lock.MinRenewRatio || c.Lock.RenewRatio > lock.MaxRenewRatio {
		return fmt.Errorf("invalid lock.renew_ratio %v (must be within [%v, %v])", c.Lock.RenewRatio, lock.MinRenewRatio, lock.MaxRenewRatio)
	}

	if strings.TrimSpace(c.Rules.ConfigDir) == "" {
		return fmt.Errorf("rules.config_dir is required")
	}
	if c.Rules.AlertRetention < 0 {
		return fmt.Errorf("rules.alert_retention must be >= 0")
	}

	if c.CatchUp.Source != SourceStream && c.CatchUp.Source != SourceArchive {
		return fmt.Errorf("unsupported catchup.source %q", c.CatchUp.Source)
	}
	if c.CatchUp.Enabled && c.CatchUp.Source == SourceArchive && !c.Archive.Enabled {
		return fmt.Errorf("catchup.source archive requires archive.enabled")
	}
	if c.CatchUp.Inactivity <= 0 {
		return fmt.Errorf("catchup.inactivity must be > 0")
	}
	if c.CatchUp.BatchSize <= 0 {
		return fmt.Errorf("catchup.batch_size must be > 0")
	}

	if c.Archive.Enabled {
		if strings.TrimSpace(c.Archive.DSN) == "" {
			return fmt.Errorf("archive.dsn is required")
		}
		if c.Archive.MaxOpenConns <= 0 {
			return fmt.Errorf("archive.max_open_conns must be > 0")
		}
		if c.Archive.MaxIdleConns <= 0 {
			return fmt.Errorf("archive.max_idle_conns must be > 0")
		}
		if c.Archive.Retention < 0 {
			return fmt.Errorf("archive.retention must be >= 0")
		}
	}

	if _, err := cron.ParseStandard(c.Retention.Schedule); err != nil {
		return fmt.Errorf("invalid retention.schedule %q: %w", c.Retention.Schedule, err)
	}
	for _, g := range stats.Granularities {
		if r := c.Retention.For(g); r < 0 {
			return fmt.Errorf("retention.%s must be >= 0", g)
		} else if r > 0 && r < g.Interval() {
			return fmt.Errorf("retention.%s %s is shorter than one %s", g, r, g)
		}
	}

	return nil
}

// Load parses config from file + env, validates it, then loads and validates seed rules.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	defaults := map[string]interface{}{
		"server.port":             9090,
		"server.host":             "0.0.0.0",
		"server.mode":             "release",
		"stats.flush_interval":    "1s",
		"stats.rollup_interval":   "1m",
		"stats.granularities":     []string{"hour", "day", "week"},
		"stats.worker_count":      4,
		"stats.max_jobs":          100000,
		"stats.stream_block":      "5s",
		"stats.snapshot_interval": "1m",
		"lock.ttl":                "30s",
		"lock.retry_wait":         "5s",
		"lock.renew_ratio":        0.7,
		"rules.config_dir":        "./config/rules",
		"rules.alert_retention":   "720h",
		"catchup.enabled":         true,
		"catchup.source":          SourceStream,
		"catchup.inactivity":      "30s",
		"catchup.batch_size":      500,
		"archive.enabled":         false,
		"archive.max_open_conns":  10,
		"archive.max_idle_conns":  5,
		"archive.auto_migrate":    true,
		"archive.retention":       "720h",
		"retention.schedule":      "@hourly",
		"retention.minute":        "168h",
		"retention.hour":          "720h",
		"retention.day":           "8760h",
		"retention.week":          "0s",
	}
	for key, value := range defaults {
		k.Set(key, value)
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "__", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.DecodeHookFuncType(durationHook),
				mapstructure.TextUnmarshallerHookFunc(),
			),
			WeaklyTypedInput: true,
			Result:           &cfg,
		},
	}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	seeds, err := rules.LoadDir(cfg.Rules.ConfigDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load seed rules: %w", err)
	}
	for _, s := range seeds {
		if !cfg.monitors(s.Queue) {
			return nil, fmt.Errorf("seed rule %q targets unknown queue %q", s.Name, s.Queue)
		}
	}
	cfg.Seeds = seeds

	return &cfg, nil
}

func (c *Config) monitors(queue string) bool {
	for _, h := range c.Hosts {
		for _, q := range h.Queues {
			if q == queue {
				return true
			}
		}
	}
	return false
}

var durationType = reflect.TypeOf(time.Duration(0))

// durationHook decodes duration strings, accepting day and week units ("7d", "2w").
func durationHook(from, to reflect.Type, data any) (any, error) {
	if from.Kind() != reflect.String || to != durationType {
		return data, nil
	}
	return stats.ParseDuration(reflect.ValueOf(data).String())
}
