// Package config loads mirrord settings from defaults, an optional config
// file and MIRRORD_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/tinoosan/mirrord/internal/dupe"
	"github.com/tinoosan/mirrord/internal/engine"
	"github.com/tinoosan/mirrord/internal/poller"
)

const envPrefix = "MIRRORD"

// Log configures the process logger.
type Log struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// Poll holds the loop settings shared by every backend kind.
type Poll struct {
	Interval       time.Duration `mapstructure:"interval"`
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
}

// Rules are the per-kind stall and integrity thresholds. Zero disables a rule.
type Rules struct {
	StallTimeout     time.Duration `mapstructure:"stall_timeout"`
	MetadataTimeout  time.Duration `mapstructure:"metadata_timeout"`
	RecheckThreshold float64       `mapstructure:"recheck_threshold"`
}

type Torrent struct {
	Enabled       bool          `mapstructure:"enabled"`
	Host          string        `mapstructure:"host"`
	Username      string        `mapstructure:"username"`
	Password      string        `mapstructure:"password"`
	Timeout       time.Duration `mapstructure:"timeout"`
	TLSSkipVerify bool          `mapstructure:"tls_skip_verify"`
	Rules         `mapstructure:",squash"`
}

type NZB struct {
	Enabled bool          `mapstructure:"enabled"`
	Host    string        `mapstructure:"host"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
	Rules   `mapstructure:",squash"`
}

type Direct struct {
	Enabled   bool          `mapstructure:"enabled"`
	RPCURL    string        `mapstructure:"rpc_url"`
	Secret    string        `mapstructure:"secret"`
	Timeout   time.Duration `mapstructure:"timeout"`
	NudgeRate time.Duration `mapstructure:"nudge_rate"`
	Rules     `mapstructure:",squash"`
}

type Dupe struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type Notify struct {
	Attempts uint          `mapstructure:"attempts"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type Queue struct {
	// MaxActive is the admission ceiling; 0 admits everything.
	MaxActive int `mapstructure:"max_active"`
}

// Config is the full application configuration.
type Config struct {
	ListenAddr string  `mapstructure:"listen_addr"`
	APIToken   string  `mapstructure:"api_token"`
	Log        Log     `mapstructure:"log"`
	Queue      Queue   `mapstructure:"queue"`
	Poll       Poll    `mapstructure:"poll"`
	Torrent    Torrent `mapstructure:"torrent"`
	NZB        NZB     `mapstructure:"nzb"`
	Direct     Direct  `mapstructure:"direct"`
	Dupe       Dupe    `mapstructure:"dupe"`
	Notify     Notify  `mapstructure:"notify"`
}

var ErrNoBackend = errors.New("no backend enabled")

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":9090")
	v.SetDefault("api_token", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.path", "")
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 3)

	v.SetDefault("queue.max_active", 0)
	v.SetDefault("poll.interval", 3*time.Second)
	v.SetDefault("poll.command_timeout", 10*time.Second)

	v.SetDefault("torrent.enabled", false)
	v.SetDefault("torrent.host", "http://127.0.0.1:8080")
	v.SetDefault("torrent.username", "")
	v.SetDefault("torrent.password", "")
	v.SetDefault("torrent.timeout", 10*time.Second)
	v.SetDefault("torrent.tls_skip_verify", false)
	v.SetDefault("torrent.stall_timeout", 20*time.Minute)
	v.SetDefault("torrent.metadata_timeout", 30*time.Minute)
	v.SetDefault("torrent.recheck_threshold", 0.999)

	v.SetDefault("nzb.enabled", false)
	v.SetDefault("nzb.host", "http://127.0.0.1:8070")
	v.SetDefault("nzb.api_key", "")
	v.SetDefault("nzb.timeout", 10*time.Second)
	v.SetDefault("nzb.stall_timeout", time.Duration(0))
	v.SetDefault("nzb.metadata_timeout", time.Duration(0))
	v.SetDefault("nzb.recheck_threshold", 0.0)

	v.SetDefault("direct.enabled", true)
	v.SetDefault("direct.rpc_url", "http://127.0.0.1:6800/jsonrpc")
	v.SetDefault("direct.secret", "")
	v.SetDefault("direct.timeout", 3*time.Second)
	v.SetDefault("direct.nudge_rate", 500*time.Millisecond)
	v.SetDefault("direct.stall_timeout", 20*time.Minute)
	v.SetDefault("direct.metadata_timeout", 30*time.Minute)
	v.SetDefault("direct.recheck_threshold", 0.0)

	v.SetDefault("dupe.driver", "memory")
	v.SetDefault("dupe.dsn", "")

	v.SetDefault("notify.attempts", 3)
	v.SetDefault("notify.timeout", 10*time.Second)
}

// Load reads configuration. path may be empty, in which case only defaults and
// the environment apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Variables understood by earlier aria2 deployments.
	_ = v.BindEnv("direct.rpc_url", "MIRRORD_DIRECT_RPC_URL", "ARIA2_RPC_URL")
	_ = v.BindEnv("direct.secret", "MIRRORD_DIRECT_SECRET", "ARIA2_SECRET")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the services cannot run with.
func (c *Config) Validate() error {
	if !c.Torrent.Enabled && !c.NZB.Enabled && !c.Direct.Enabled {
		return ErrNoBackend
	}
	if c.Queue.MaxActive < 0 {
		return fmt.Errorf("queue.max_active must be >= 0, got %d", c.Queue.MaxActive)
	}
	for kind, r := range map[engine.Kind]Rules{
		engine.KindTorrent: c.Torrent.Rules,
		engine.KindNZB:     c.NZB.Rules,
		engine.KindDirect:  c.Direct.Rules,
	} {
		if r.RecheckThreshold < 0 || r.RecheckThreshold >= 1 {
			return fmt.Errorf("%s.recheck_threshold must be in [0,1), got %v", kind, r.RecheckThreshold)
		}
		if r.StallTimeout < 0 || r.MetadataTimeout < 0 {
			return fmt.Errorf("%s timeouts must not be negative", kind)
		}
	}
	switch c.Dupe.Driver {
	case "", "memory":
	case dupe.DriverPostgres, dupe.DriverSQLite:
		if c.Dupe.DSN == "" {
			return fmt.Errorf("dupe.dsn is required for driver %s", c.Dupe.Driver)
		}
	default:
		return fmt.Errorf("%w: %s", dupe.ErrUnsupportedDriver, c.Dupe.Driver)
	}
	return nil
}

// PollConfig combines the shared poll settings with the rules of one kind.
func (c *Config) PollConfig(kind engine.Kind) poller.Config {
	var r Rules
	switch kind {
	case engine.KindTorrent:
		r = c.Torrent.Rules
	case engine.KindNZB:
		r = c.NZB.Rules
	case engine.KindDirect:
		r = c.Direct.Rules
	}
	return poller.Config{
		Interval:         c.Poll.Interval,
		StallTimeout:     r.StallTimeout,
		MetadataTimeout:  r.MetadataTimeout,
		RecheckThreshold: r.RecheckThreshold,
		CommandTimeout:   c.Poll.CommandTimeout,
	}
}
