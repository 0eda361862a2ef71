package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/kballard/go-shellquote"
	"github.com/spf13/viper"
)

const (
	defaultListenAddr       = ":8080"
	defaultDBPath           = "simforge.db"
	defaultLogLevel         = "info"
	defaultEngineExecutable = "energyplus"
	defaultLockTimeout      = 30 * time.Minute
	defaultLockStaleAfter   = 2 * time.Minute

	envPrefix = "SIMFORGE"

	// projectConfigFile is read from the working directory when no config
	// file is named explicitly.
	projectConfigFile = "simforge.toml"
)

// Config holds application configuration. Values come from defaults, an
// optional TOML file and SIMFORGE_* environment variables, in increasing
// precedence. SIMFORGE_ENGINE_EXECUTABLE sets engine.executable.
type Config struct {
	ListenAddr string
	DBPath     string
	LogLevel   slog.Level

	// WorkDir is the only directory API clients may read models and
	// weather from or write outputs to. Empty forbids client paths.
	WorkDir string

	Cache      CacheConfig
	Engine     EngineConfig
	S3         S3Config
}

// CacheConfig selects where simulation results are cached.
type CacheConfig struct {
	// URL is a local directory, file:// or s3:// location. Empty disables
	// caching.
	URL            string
	LockTimeout    time.Duration
	LockStaleAfter time.Duration

	// RedisURL, when set, replaces file and marker locks with Redis locks
	// shared by every host using the cache.
	RedisURL string
}

// EngineConfig describes how to run the simulation engine.
type EngineConfig struct {
	Executable     string
	Args           []string
	MaxConcurrency int
	DefaultTimeout time.Duration
	LaunchRate     float64
	JobMemoryMB    int
}

// S3Config holds explicit object store credentials.
type S3Config struct {
	AccessKey    string
	SecretKey    string
	SessionToken string
}

// SetDefaults registers the default of every setting on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", defaultListenAddr)
	v.SetDefault("db_path", defaultDBPath)
	v.SetDefault("log_level", defaultLogLevel)
	v.SetDefault("work_dir", "")

	v.SetDefault("cache.url", defaultCacheDir())
	v.SetDefault("cache.lock_timeout", defaultLockTimeout)
	v.SetDefault("cache.lock_stale_after", defaultLockStaleAfter)
	v.SetDefault("cache.redis_url", "")

	v.SetDefault("engine.executable", defaultEngineExecutable)
	v.SetDefault("engine.args", "")
	v.SetDefault("engine.max_concurrency", 0)
	v.SetDefault("engine.default_timeout", time.Duration(0))
	v.SetDefault("engine.launch_rate", 0.0)
	v.SetDefault("engine.job_memory_mb", 0)

	v.SetDefault("s3.access_key", "")
	v.SetDefault("s3.secret_key", "")
	v.SetDefault("s3.session_token", "")
}

// Load reads configuration. path names a TOML file; when empty, simforge.toml
// in the working directory is used if present.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)

	if path == "" {
		if _, err := os.Stat(projectConfigFile); err == nil {
			path = projectConfigFile
		}
	}
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, errors.Wrapf(err, "read config file %s", path)
		}
	}

	return fromViper(v)
}

func fromViper(v *viper.Viper) (Config, error) {
	args, err := shellquote.Split(v.GetString("engine.args"))
	if err != nil {
		return Config{}, errors.Wrap(err, "parse engine.args")
	}

	cfg := Config{
		ListenAddr: v.GetString("listen_addr"),
		DBPath:     v.GetString("db_path"),
		LogLevel:   parseLogLevel(v.GetString("log_level")),
		WorkDir:    v.GetString("work_dir"),
		Cache: CacheConfig{
			URL:            v.GetString("cache.url"),
			LockTimeout:    v.GetDuration("cache.lock_timeout"),
			LockStaleAfter: v.GetDuration("cache.lock_stale_after"),
			RedisURL:       v.GetString("cache.redis_url"),
		},
		Engine: EngineConfig{
			Executable:     v.GetString("engine.executable"),
			Args:           args,
			MaxConcurrency: v.GetInt("engine.max_concurrency"),
			DefaultTimeout: v.GetDuration("engine.default_timeout"),
			LaunchRate:     v.GetFloat64("engine.launch_rate"),
			JobMemoryMB:    v.GetInt("engine.job_memory_mb"),
		},
		S3: S3Config{
			AccessKey:    v.GetString("s3.access_key"),
			SecretKey:    v.GetString("s3.secret_key"),
			SessionToken: v.GetString("s3.session_token"),
		},
	}

	if cfg.Engine.Executable == "" {
		return Config{}, errors.New("engine.executable must not be empty")
	}
	if cfg.Engine.MaxConcurrency < 0 {
		return Config{}, errors.Newf("engine.max_concurrency must not be negative, got %d", cfg.Engine.MaxConcurrency)
	}
	if cfg.Engine.DefaultTimeout < 0 || cfg.Cache.LockTimeout < 0 || cfg.Cache.LockStaleAfter < 0 {
		return Config{}, errors.New("durations must not be negative")
	}
	return cfg, nil
}

// defaultCacheDir returns the per-user cache directory, or "" when the
// platform has none.
func defaultCacheDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "simforge")
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
