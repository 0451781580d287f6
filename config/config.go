// Package config loads the edfpipe YAML configuration shared by the serve,
// worker and purge commands.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full edfpipe configuration.
type Config struct {
	Listen       string          `yaml:"listen"`
	UploadDir    string          `yaml:"upload_dir"`
	ProcessedDir string          `yaml:"processed_dir"`
	ChunksDir    string          `yaml:"chunks_dir"`
	DBPath       string          `yaml:"db_path"`
	MaxContentMB int             `yaml:"max_content_mb"`
	Log          LogConfig       `yaml:"log"`
	Progress     ProgressConfig  `yaml:"progress"`
	Redis        RedisConfig     `yaml:"redis"`
	Queue        QueueConfig     `yaml:"queue"`
	Worker       WorkerConfig    `yaml:"worker"`
	Processor    ProcessorConfig `yaml:"processor"`
	Archive      ArchiveConfig   `yaml:"archive"`
	Session      SessionConfig   `yaml:"session"`
	Maintenance  MaintConfig     `yaml:"maintenance"`
	RateLimits   []RateLimit     `yaml:"rate_limits"`
}

// LogConfig configures the slog fan-out.
type LogConfig struct {
	File  string `yaml:"file"`  // empty: stderr only
	Level string `yaml:"level"` // debug | info | warn | error
	// SQLTrace logs every SQL statement; SlowQuery raises those slower
	// than it to Warn.
	SQLTrace  bool          `yaml:"sql_trace"`
	SlowQuery time.Duration `yaml:"slow_query"`
}

// ProgressConfig selects the progress store.
type ProgressConfig struct {
	Backend string        `yaml:"backend"` // redis | sqlite
	TTL     time.Duration `yaml:"ttl"`
}

// RedisConfig addresses the shared key-value store.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// QueueConfig configures the durable job queue.
type QueueConfig struct {
	Name         string        `yaml:"name"`
	JobTimeout   time.Duration `yaml:"job_timeout"`
	ResultTTL    time.Duration `yaml:"result_ttl"`
	Visibility   time.Duration `yaml:"visibility"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// WorkerConfig sizes the executor pool.
type WorkerConfig struct {
	Name              string        `yaml:"name"`
	Concurrency       int           `yaml:"concurrency"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// ProcessorConfig names the external scoring command. The command receives
// the artifact path, the selection JSON and the two output paths as
// arguments after Args.
type ProcessorConfig struct {
	Command      string   `yaml:"command"`
	Args         []string `yaml:"args"`
	EpochSeconds int      `yaml:"epoch_seconds"`
}

// ArchiveConfig lists the mirrors finished artifacts are copied to.
type ArchiveConfig struct {
	Targets []ArchiveTarget `yaml:"targets"`
}

// ArchiveTarget configures one mirror.
type ArchiveTarget struct {
	Name string `yaml:"name"`
	Kind string `yaml:"kind"` // s3 | azure | sftp

	// s3
	Bucket string `yaml:"bucket"`
	Region string `yaml:"region"`
	Prefix string `yaml:"prefix"`

	// azure
	AccountName string `yaml:"account_name"`
	AccountKey  string `yaml:"account_key"`
	Container   string `yaml:"container"`

	// sftp
	Host       string `yaml:"host"`
	User       string `yaml:"user"`
	Password   string `yaml:"password"`
	KeyPath    string `yaml:"key_path"`
	KnownHosts string `yaml:"known_hosts"`
	RemoteDir  string `yaml:"remote_dir"`
}

// SessionConfig configures the opaque client session cookie.
type SessionConfig struct {
	CookieName   string `yaml:"cookie_name"`
	CookieSecure bool   `yaml:"cookie_secure"`
}

// RateLimit caps requests per client IP on one endpoint, written as
// "METHOD /path".
type RateLimit struct {
	Endpoint    string        `yaml:"endpoint"`
	MaxRequests int           `yaml:"max_requests"`
	Window      time.Duration `yaml:"window"`
}

// MaintConfig configures the janitor.
type MaintConfig struct {
	Interval      time.Duration `yaml:"interval"`
	OrphanMaxAge  time.Duration `yaml:"orphan_max_age"`
	SessionMaxAge time.Duration `yaml:"session_max_age"`
	EventDays     int           `yaml:"event_days"`
	HeartbeatDays int           `yaml:"heartbeat_days"`
}

// Default returns sane defaults.
func Default() *Config {
	return &Config{
		Listen:       ":5000",
		UploadDir:    "uploads",
		ProcessedDir: "processed",
		ChunksDir:    "chunks",
		DBPath:       "edfpipe.db",
		MaxContentMB: 500,
		Log:          LogConfig{Level: "info"},
		Progress:     ProgressConfig{Backend: "redis", TTL: 24 * time.Hour},
		Redis:        RedisConfig{Addr: "localhost:6379"},
		Queue: QueueConfig{
			Name:         "default",
			JobTimeout:   6000 * time.Second,
			ResultTTL:    3600 * time.Second,
			Visibility:   2 * time.Minute,
			PollInterval: time.Second,
		},
		Worker: WorkerConfig{
			Name:              "edfpipe-worker",
			Concurrency:       runtime.NumCPU(),
			HeartbeatInterval: 15 * time.Second,
		},
		Processor: ProcessorConfig{EpochSeconds: 30},
		Session:   SessionConfig{CookieName: "edfpipe_session"},
		Maintenance: MaintConfig{
			Interval:      10 * time.Minute,
			OrphanMaxAge:  24 * time.Hour,
			SessionMaxAge: 7 * 24 * time.Hour,
			EventDays:     30,
			HeartbeatDays: 7,
		},
	}
}

// Load reads a YAML config file over Default, applies environment
// overrides and validates the result. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("EDFPIPE_LISTEN"); ok && v != "" {
		c.Listen = v
	}
	if v, ok := lookup("EDFPIPE_REDIS_ADDR"); ok && v != "" {
		c.Redis.Addr = v
	}
	if v, ok := lookup("EDFPIPE_REDIS_PASSWORD"); ok {
		c.Redis.Password = v
	}
	if v, ok := lookup("EDFPIPE_REDIS_DB"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("EDFPIPE_REDIS_DB: %w", err)
		}
		c.Redis.DB = n
	}
	return nil
}

// Validate checks that required fields are present and values are sane.
func (c *Config) Validate() error {
	for name, v := range map[string]string{
		"upload_dir":    c.UploadDir,
		"processed_dir": c.ProcessedDir,
		"chunks_dir":    c.ChunksDir,
		"db_path":       c.DBPath,
	} {
		if v == "" {
			return fmt.Errorf("%s is required", name)
		}
	}
	if c.MaxContentMB <= 0 {
		return fmt.Errorf("max_content_mb must be > 0")
	}
	switch c.Progress.Backend {
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required for progress.backend=redis")
		}
	case "sqlite":
	default:
		return fmt.Errorf("progress.backend: unsupported %q (use redis or sqlite)", c.Progress.Backend)
	}
	if c.Queue.Name == "" {
		return fmt.Errorf("queue.name is required")
	}
	if c.Queue.JobTimeout <= 0 || c.Queue.ResultTTL <= 0 || c.Queue.Visibility <= 0 {
		return fmt.Errorf("queue durations must be > 0")
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be > 0")
	}
	if c.Processor.EpochSeconds <= 0 {
		return fmt.Errorf("processor.epoch_seconds must be > 0")
	}
	if c.Session.CookieName == "" {
		return fmt.Errorf("session.cookie_name is required")
	}
	for i, rl := range c.RateLimits {
		if rl.Endpoint == "" || rl.MaxRequests <= 0 || rl.Window <= 0 {
			return fmt.Errorf("rate_limits[%d]: endpoint, max_requests and window are required", i)
		}
	}
	for i, t := range c.Archive.Targets {
		switch t.Kind {
		case "s3":
			if t.Bucket == "" {
				return fmt.Errorf("archive.targets[%d]: bucket is required", i)
			}
		case "azure":
			if t.AccountName == "" || t.Container == "" {
				return fmt.Errorf("archive.targets[%d]: account_name and container are required", i)
			}
		case "sftp":
			if t.Host == "" || t.User == "" {
				return fmt.Errorf("archive.targets[%d]: host and user are required", i)
			}
			if t.Password == "" && t.KeyPath == "" {
				return fmt.Errorf("archive.targets[%d]: password or key_path is required", i)
			}
		default:
			return fmt.Errorf("archive.targets[%d]: unsupported kind %q (use s3, azure or sftp)", i, t.Kind)
		}
	}
	return nil
}

// MaxContentBytes returns the request body limit in bytes.
func (c *Config) MaxContentBytes() int64 { return int64(c.MaxContentMB) * 1024 * 1024 }
