// Package config loads and validates harvester configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix scopes environment overrides, e.g. HARVESTER_POOL_WORKERS.
const EnvPrefix = "HARVESTER"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Input      InputConfig      `mapstructure:"input"`
	Output     OutputConfig     `mapstructure:"output"`
	Pool       PoolConfig       `mapstructure:"pool"`
	Session    SessionConfig    `mapstructure:"session"`
	Extractor  ExtractorConfig  `mapstructure:"extractor"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Server     ServerConfig     `mapstructure:"server"`
	Export     ExportConfig     `mapstructure:"export"`
	Notify     NotifyConfig     `mapstructure:"notify"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
}

// InputConfig locates the task universe.
type InputConfig struct {
	Path      string `mapstructure:"path"`
	Partition string `mapstructure:"partition"`
	IDWidth   int    `mapstructure:"id_width"`
}

// OutputConfig locates the output table. Path is a file for the xlsx and
// sqlite backends and ignored for postgres.
type OutputConfig struct {
	Path string `mapstructure:"path"`
}

// PoolConfig controls worker management.
type PoolConfig struct {
	Workers      int           `mapstructure:"workers"`
	Tick         time.Duration `mapstructure:"tick"`
	StartSpacing time.Duration `mapstructure:"start_spacing"`
	JoinTimeout  time.Duration `mapstructure:"join_timeout"`
}

// SessionConfig configures the authenticated browser sessions.
type SessionConfig struct {
	Provider     string        `mapstructure:"provider"`
	BaseURL      string        `mapstructure:"base_url"`
	Username     string        `mapstructure:"username"`
	Password     string        `mapstructure:"password"`
	Headless     bool          `mapstructure:"headless"`
	LoginTimeout time.Duration `mapstructure:"login_timeout"`
	LoginBackoff time.Duration `mapstructure:"login_backoff"`
}

// ExtractorConfig tunes per-item extraction.
type ExtractorConfig struct {
	NavTimeout    time.Duration `mapstructure:"nav_timeout"`
	ProbeNotFound bool          `mapstructure:"probe_not_found"`
	ProbeTimeout  time.Duration `mapstructure:"probe_timeout"`
	UserAgent     string        `mapstructure:"user_agent"`
	// MaxRPS caps product page loads per second across all workers; 0 is
	// unlimited.
	MaxRPS float64 `mapstructure:"max_rps"`
}

// CheckpointConfig selects and tunes the checkpoint store.
type CheckpointConfig struct {
	Backend         string        `mapstructure:"backend"`
	BatchMultiplier int           `mapstructure:"batch_multiplier"`
	PollTimeout     time.Duration `mapstructure:"poll_timeout"`
	PostgresDSN     string        `mapstructure:"postgres_dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// ExportConfig controls the CSV export written at completion.
type ExportConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Backend   string `mapstructure:"backend"`
	Dir       string `mapstructure:"dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// NotifyConfig holds metadata for run-finished notifications.
type NotifyConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
	RingSize    int  `mapstructure:"ring_size"`
}

// TelemetryConfig controls tracing.
type TelemetryConfig struct {
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Checkpoint backends.
const (
	BackendXLSX     = "xlsx"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Session providers.
const (
	ProviderChromedp = "chromedp"
	ProviderFake     = "fake"
)

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	return LoadWithFlags(path, nil, nil)
}

// LoadWithFlags is Load with command-line overrides. bindings maps config
// keys to flag names in fs; only flags the user set take effect.
func LoadWithFlags(path string, fs *pflag.FlagSet, bindings map[string]string) (Config, error) {
	v, err := newViper(path)
	if err != nil {
		return Config{}, err
	}
	for key, name := range bindings {
		if fs == nil {
			break
		}
		flag := fs.Lookup(name)
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return Config{}, fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.applyDerived()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func newViper(path string) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return v, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("input.id_width", 10)
	v.SetDefault("pool.workers", 1)
	v.SetDefault("pool.tick", 5*time.Second)
	v.SetDefault("pool.start_spacing", 15*time.Second)
	v.SetDefault("pool.join_timeout", 5*time.Second)
	v.SetDefault("session.provider", ProviderChromedp)
	v.SetDefault("session.headless", true)
	v.SetDefault("session.login_timeout", 60*time.Second)
	v.SetDefault("session.login_backoff", 30*time.Second)
	v.SetDefault("extractor.nav_timeout", 30*time.Second)
	v.SetDefault("extractor.probe_not_found", false)
	v.SetDefault("extractor.probe_timeout", 10*time.Second)
	v.SetDefault("extractor.user_agent", "harvester/0.1")
	v.SetDefault("extractor.max_rps", 0.0)
	v.SetDefault("checkpoint.backend", BackendXLSX)
	v.SetDefault("checkpoint.batch_multiplier", 5)
	v.SetDefault("checkpoint.poll_timeout", time.Second)
	v.SetDefault("checkpoint.max_conns", 4)
	v.SetDefault("server.port", 8080)
	v.SetDefault("export.backend", "local")
	v.SetDefault("export.prefix", "exports")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.ring_size", 200)
	v.SetDefault("telemetry.service_name", "harvester")
	v.SetDefault("telemetry.sample_ratio", 0.0)
}

func (c *Config) applyDerived() {
	if c.Output.Path == "" && c.Input.Path != "" && c.Checkpoint.Backend != BackendPostgres {
		c.Output.Path = DefaultOutputPath(c.Input.Path, c.Checkpoint.Backend)
	}
}

// DefaultOutputPath places the output next to the input, suffixed _PROCESSADO.
func DefaultOutputPath(input, backend string) string {
	ext := ".xlsx"
	if backend == BackendSQLite {
		ext = ".db"
	}
	base := strings.TrimSuffix(filepath.Base(input), filepath.Ext(input))
	return filepath.Join(filepath.Dir(input), base+"_PROCESSADO"+ext)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Input.Path) == "" {
		return fmt.Errorf("input.path is required")
	}
	if c.Pool.Workers < 1 {
		return fmt.Errorf("pool.workers must be >= 1")
	}
	if c.Input.IDWidth <= 0 {
		return fmt.Errorf("input.id_width must be > 0")
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	switch c.Checkpoint.Backend {
	case BackendXLSX, BackendSQLite, BackendMemory:
		if c.Output.Path == "" {
			return fmt.Errorf("output.path is required for the %s backend", c.Checkpoint.Backend)
		}
	case BackendPostgres:
		if c.Checkpoint.PostgresDSN == "" {
			return fmt.Errorf("checkpoint.postgres_dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("checkpoint.backend %q is not supported", c.Checkpoint.Backend)
	}
	if c.Checkpoint.BatchMultiplier < 1 {
		return fmt.Errorf("checkpoint.batch_multiplier must be >= 1")
	}
	switch c.Session.Provider {
	case ProviderChromedp:
		if c.Session.BaseURL == "" {
			return fmt.Errorf("session.base_url is required for the chromedp provider")
		}
		if c.Session.Username == "" || c.Session.Password == "" {
			return fmt.Errorf("session.username and session.password are required for the chromedp provider")
		}
	case ProviderFake:
	default:
		return fmt.Errorf("session.provider %q is not supported", c.Session.Provider)
	}
	if c.Export.Enabled {
		switch c.Export.Backend {
		case "local":
			if c.Export.Dir == "" {
				return fmt.Errorf("export.dir is required for local export")
			}
		case "gcs":
			if c.Export.GCSBucket == "" {
				return fmt.Errorf("export.gcs_bucket is required for gcs export")
			}
		default:
			return fmt.Errorf("export.backend %q is not supported", c.Export.Backend)
		}
	}
	if (c.Notify.ProjectID == "") != (c.Notify.TopicName == "") {
		return fmt.Errorf("notify.project_id and notify.topic_name must be set together")
	}
	if c.Extractor.MaxRPS < 0 {
		return fmt.Errorf("extractor.max_rps must be >= 0")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within [0,1]")
	}
	return nil
}

// WatchPoolTarget re-reads pool.workers whenever the config file at path
// changes and passes valid values to apply.
func WatchPoolTarget(path string, apply func(int), onError func(error)) error {
	if path == "" {
		return errors.New("watch requires a config file")
	}
	v, err := newViper(path)
	if err != nil {
		return err
	}
	last := v.GetInt("pool.workers")
	v.OnConfigChange(func(evt fsnotify.Event) {
		if !evt.Has(fsnotify.Write) && !evt.Has(fsnotify.Create) {
			return
		}
		n := v.GetInt("pool.workers")
		if n == last {
			return
		}
		if n < 1 {
			if onError != nil {
				onError(fmt.Errorf("ignoring pool.workers=%d from %s", n, evt.Name))
			}
			return
		}
		last = n
		apply(n)
	})
	v.WatchConfig()
	return nil
}

// SaveRunPreferences writes the last used worker count and headless flag
// back into the config file at path, creating it when missing.
func SaveRunPreferences(path string, workers int, headless bool) error {
	if path == "" {
		return errors.New("no config file to save preferences into")
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return fmt.Errorf("read config: %w", err)
			}
		}
	}
	v.Set("pool.workers", max(workers, 1))
	v.Set("session.headless", headless)
	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
