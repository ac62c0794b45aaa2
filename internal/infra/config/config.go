package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Servers  []ServerConfig `mapstructure:"servers" yaml:"servers"`
	Pool     PoolConfig     `mapstructure:"pool" yaml:"pool"`
	Cache    CacheConfig    `mapstructure:"cache" yaml:"cache"`
	Prefetch PrefetchConfig `mapstructure:"prefetch" yaml:"prefetch"`
	Stream   StreamConfig   `mapstructure:"stream" yaml:"stream"`
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
	Store    StoreConfig    `mapstructure:"store" yaml:"store"`

	Port string `mapstructure:"port" yaml:"port"`
}

type ServerConfig struct {
	ID                 string `mapstructure:"id" yaml:"id"`
	Host               string `mapstructure:"host" yaml:"host"`
	Port               int    `mapstructure:"port" yaml:"port"`
	Username           string `mapstructure:"username" yaml:"username"`
	Password           string `mapstructure:"password" yaml:"password"`
	TLS                bool   `mapstructure:"tls" yaml:"tls"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify" yaml:"insecure_skip_verify"`
	MaxConnection      int    `mapstructure:"max_connections" yaml:"max_connections"`
	Priority           int    `mapstructure:"priority" yaml:"priority"`
}

// Addr is host:port for dialing.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// PoolConfig is shared by every server's connection pool.
type PoolConfig struct {
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	FetchTimeout    time.Duration `mapstructure:"fetch_timeout" yaml:"fetch_timeout"`
	CheckoutTimeout time.Duration `mapstructure:"checkout_timeout" yaml:"checkout_timeout"`

	// MaxAttempts bounds how often one article is tried on timeouts and
	// dropped connections before the error reaches the caller.
	MaxAttempts  int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff" yaml:"retry_backoff"`

	ReconnectAttempts int           `mapstructure:"reconnect_attempts" yaml:"reconnect_attempts"`
	ReconnectBackoff  time.Duration `mapstructure:"reconnect_backoff" yaml:"reconnect_backoff"`
	DeadCooldown      time.Duration `mapstructure:"dead_cooldown" yaml:"dead_cooldown"`

	// IdleCheck is how long a connection may sit idle before it is pinged
	// on checkout.
	IdleCheck time.Duration `mapstructure:"idle_check" yaml:"idle_check"`
	DialRate  float64       `mapstructure:"dial_rate" yaml:"dial_rate"`
	DialBurst int           `mapstructure:"dial_burst" yaml:"dial_burst"`
}

type CacheConfig struct {
	Capacity string `mapstructure:"capacity" yaml:"capacity"`

	CapacityBytes int64 `mapstructure:"-" yaml:"-"`
}

type PrefetchConfig struct {
	InitialWindow string `mapstructure:"initial_window" yaml:"initial_window"`
	MaxWindow     string `mapstructure:"max_window" yaml:"max_window"`
	Workers       int    `mapstructure:"workers" yaml:"workers"`
	QueueSize     int    `mapstructure:"queue_size" yaml:"queue_size"`

	InitialWindowBytes int64 `mapstructure:"-" yaml:"-"`
	MaxWindowBytes     int64 `mapstructure:"-" yaml:"-"`
}

// Mismatch policies for articles whose checksum does not verify.
const (
	MismatchReject = "reject"
	MismatchServe  = "serve"
)

type StreamConfig struct {
	ReadParallelism    int           `mapstructure:"read_parallelism" yaml:"read_parallelism"`
	MismatchPolicy     string        `mapstructure:"mismatch_policy" yaml:"mismatch_policy"`
	SessionIdleTimeout time.Duration `mapstructure:"session_idle_timeout" yaml:"session_idle_timeout"`
}

type LogConfig struct {
	Path          string `mapstructure:"path" yaml:"path"`
	Level         string `mapstructure:"level" yaml:"level"`
	IncludeStdout bool   `mapstructure:"include_stdout" yaml:"include_stdout"`
}

type StoreConfig struct {
	SQLitePath string `mapstructure:"sqlite_path" yaml:"sqlite_path"`
	BlobDir    string `mapstructure:"blob_dir" yaml:"blob_dir"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8080")

	v.SetDefault("pool.connect_timeout", "30s")
	v.SetDefault("pool.fetch_timeout", "60s")
	v.SetDefault("pool.checkout_timeout", "30s")
	v.SetDefault("pool.max_attempts", 3)
	v.SetDefault("pool.retry_backoff", "250ms")
	v.SetDefault("pool.reconnect_attempts", 4)
	v.SetDefault("pool.reconnect_backoff", "500ms")
	v.SetDefault("pool.dead_cooldown", "1m")
	v.SetDefault("pool.idle_check", "30s")
	v.SetDefault("pool.dial_rate", 5.0)
	v.SetDefault("pool.dial_burst", 2)

	v.SetDefault("cache.capacity", "512MiB")

	v.SetDefault("prefetch.initial_window", "4MiB")
	v.SetDefault("prefetch.max_window", "64MiB")
	v.SetDefault("prefetch.workers", 8)
	v.SetDefault("prefetch.queue_size", 256)

	v.SetDefault("stream.read_parallelism", 4)
	v.SetDefault("stream.mismatch_policy", MismatchReject)
	v.SetDefault("stream.session_idle_timeout", "5m")

	v.SetDefault("log.path", "nzbstream.log")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.include_stdout", true)

	v.SetDefault("store.sqlite_path", "./data/nzbstream.db")
	v.SetDefault("store.blob_dir", "./data/nzb")
}

func Load(path string) (*Config, error) {

	if path == "" {
		path = "config.yaml"
	}

	// 1. Check if the file exists
	if _, err := os.Stat(path); os.IsNotExist(err) {
		// FALLBACK: If we are in Docker (or similar) and didn't provide a flag, check /config/config.yaml
		if path == "config.yaml" {
			if _, errEx := os.Stat("/config/config.yaml"); errEx == nil {
				path = "/config/config.yaml"
			} else if _, errEx := os.Stat("config.yaml.example"); errEx == nil {
				// If config.yaml is missing but example exists, give a helpful error
				return nil, fmt.Errorf("configuration file 'config.yaml' not found\n\n" +
					"To fix this, run:\n" +
					"  cp config.yaml.example config.yaml\n" +
					"Then edit it with your Usenet credentials.")
			} else {
				return nil, fmt.Errorf("config file not found: %s", path)
			}
		} else {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
	}

	// 2. Pick up a .env next to the binary, if any. Real env vars win.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", path, err)
	}

	// Support Environment Variables
	v.SetEnvPrefix("NZBSTREAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if len(c.Servers) == 0 {
		return errors.New("at least one server must be configured")
	}

	seen := make(map[string]bool)
	for i, s := range c.Servers {
		if s.ID == "" {
			return fmt.Errorf("server[%d] requires a unique ID", i)
		}
		if seen[s.ID] {
			return fmt.Errorf("server id %s is used twice", s.ID)
		}
		seen[s.ID] = true

		if s.Host == "" {
			return fmt.Errorf("server %s: host is required", s.ID)
		}

		if s.Port == 0 {
			if s.TLS {
				c.Servers[i].Port = 563
			} else {
				c.Servers[i].Port = 119
			}
		}

		if s.TLS && s.Port == 119 {
			fmt.Println("Warning: TLS is enabled but port is set to 119 (standard non-TLS)")
		}

		if s.MaxConnection <= 0 {
			// Default to a sane value
			c.Servers[i].MaxConnection = 10
		}

		if s.Priority == 0 {
			// Default to same priority
			c.Servers[i].Priority = 1
		}
	}

	if c.Pool.MaxAttempts <= 0 {
		c.Pool.MaxAttempts = 1
	}

	var err error
	if c.Cache.CapacityBytes, err = parseSize("cache.capacity", c.Cache.Capacity); err != nil {
		return err
	}
	if c.Prefetch.InitialWindowBytes, err = parseSize("prefetch.initial_window", c.Prefetch.InitialWindow); err != nil {
		return err
	}
	if c.Prefetch.MaxWindowBytes, err = parseSize("prefetch.max_window", c.Prefetch.MaxWindow); err != nil {
		return err
	}
	if c.Prefetch.MaxWindowBytes < c.Prefetch.InitialWindowBytes {
		return fmt.Errorf("prefetch.max_window (%s) is smaller than prefetch.initial_window (%s)",
			c.Prefetch.MaxWindow, c.Prefetch.InitialWindow)
	}

	switch c.Stream.MismatchPolicy {
	case MismatchReject, MismatchServe:
	case "":
		c.Stream.MismatchPolicy = MismatchReject
	default:
		return fmt.Errorf("stream.mismatch_policy must be %q or %q, got %q",
			MismatchReject, MismatchServe, c.Stream.MismatchPolicy)
	}

	if c.Stream.ReadParallelism <= 0 {
		c.Stream.ReadParallelism = 1
	}

	return nil
}

func parseSize(key, val string) (int64, error) {
	n, err := humanize.ParseBytes(val)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if n == 0 {
		return 0, fmt.Errorf("%s must be greater than zero", key)
	}
	return int64(n), nil
}
