package config

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/Aidin1998/leaguecore/internal/database"
	"github.com/Aidin1998/leaguecore/internal/database/cache"
	applog "github.com/Aidin1998/leaguecore/pkg/logger"
	"github.com/Aidin1998/leaguecore/pkg/metrics"
)

// Environments
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
	EnvTest        = "test"
)

// FileEnv names the environment variable holding an optional YAML config path.
const FileEnv = "LEAGUECORE_CONFIG"

// MaxPoolConnections caps the computed pool size.
const MaxPoolConnections = 200

// Config is the process configuration. It is read once at startup and passed by value.
type Config struct {
	Environment string `validate:"oneof=development production test"`
	LogLevel    string
	StatusAddr  string `validate:"required"`
	OTelStdout  bool

	Database Database
	Breaker  database.BreakerConfig
	Redis    Redis
	Cache    cache.Config
	Metrics  metrics.RecorderConfig
}

// Database holds connection and query execution settings.
type Database struct {
	URL      string `validate:"required"`
	Driver   string `validate:"oneof=pgx gorm-postgres sqlite"`
	Pool     database.PoolConfig
	Session  database.SessionConfig
	Executor database.ExecutorConfig
}

// Redis describes the remote cache topology. An empty URL and address list
// disables the remote tier.
type Redis struct {
	URL      string
	Addrs    []string
	Password string
	DB       int `validate:"gte=0,lte=15"`
}

// Enabled reports whether a remote cache is configured.
func (r Redis) Enabled() bool {
	return r.URL != "" || len(r.Addrs) > 0
}

// UniversalOptions builds go-redis options. A URL is used for a single node;
// an address list of more than one entry yields a cluster client.
func (r Redis) UniversalOptions() (*redis.UniversalOptions, error) {
	if r.URL != "" {
		opt, err := redis.ParseURL(r.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		password := opt.Password
		if r.Password != "" {
			password = r.Password
		}
		return &redis.UniversalOptions{
			Addrs:     []string{opt.Addr},
			Username:  opt.Username,
			Password:  password,
			DB:        opt.DB,
			TLSConfig: opt.TLSConfig,
		}, nil
	}
	if len(r.Addrs) == 0 {
		return nil, fmt.Errorf("no redis address configured")
	}
	return &redis.UniversalOptions{
		Addrs:    r.Addrs,
		Password: r.Password,
		DB:       r.DB,
	}, nil
}

// IsProduction reports whether the process runs in production.
func (c Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

// DefaultMaxConnections computes the pool ceiling from the core count:
// (cores * 2) + 4, doubled in production, capped at MaxPoolConnections.
func DefaultMaxConnections(env string, cores int) int {
	n := cores*2 + 4
	if env == EnvProduction {
		n *= 2
	}
	if n > MaxPoolConnections {
		n = MaxPoolConnections
	}
	return n
}

// Load reads configuration from defaults, the optional YAML file named by
// LEAGUECORE_CONFIG, and the environment, in increasing precedence.
// Callers load .env files into the environment beforehand.
func Load(logger *zap.Logger) (Config, error) {
	logger = applog.OrNop(logger)
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if path := os.Getenv(FileEnv); path != "" {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			logger.Warn("Configuration file not found, using environment and defaults",
				zap.String("path", path))
		} else {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return Config{}, fmt.Errorf("failed to read configuration file: %w", err)
			}
		}
	}

	cfg := fromViper(v)
	if err := Validate(cfg); err != nil {
		return Config{}, fmt.Errorf("configuration validation failed: %w", err)
	}

	logger.Info("Configuration loaded",
		zap.String("environment", cfg.Environment),
		zap.String("db_driver", cfg.Database.Driver),
		zap.Int("db_max_connections", cfg.Database.Pool.MaxConnections),
		zap.Int("db_min_connections", cfg.Database.Pool.MinConnections),
		zap.Bool("remote_cache", cfg.Redis.Enabled()),
		zap.Bool("cache_compression", cfg.Cache.Compression))

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app_env", EnvDevelopment)
	v.SetDefault("log_level", "info")
	v.SetDefault("status_addr", ":9090")
	v.SetDefault("otel_stdout", false)

	v.SetDefault("db_driver", "pgx")
	v.SetDefault("db_acquire_timeout", 10*time.Second)
	v.SetDefault("db_idle_timeout", 30*time.Second)
	v.SetDefault("db_max_lifetime", 30*time.Minute)
	v.SetDefault("db_retry_attempts", 3)
	v.SetDefault("db_retry_base_delay", 100*time.Millisecond)
	v.SetDefault("db_slow_query_threshold", metrics.DefaultSlowThreshold)
	v.SetDefault("db_statement_timeout", 30*time.Second)
	v.SetDefault("db_lock_timeout", 10*time.Second)
	v.SetDefault("db_idle_in_tx_timeout", 60*time.Second)
	v.SetDefault("db_log_queries", false)
	v.SetDefault("db_log_slow_queries", true)

	v.SetDefault("breaker_failure_threshold", 5)
	v.SetDefault("breaker_open_timeout", 30*time.Second)
	v.SetDefault("breaker_failure_window", 60*time.Second)
	v.SetDefault("breaker_health_interval", 30*time.Second)

	v.SetDefault("redis_db", 0)

	def := cache.DefaultConfig()
	v.SetDefault("cache_key_prefix", def.KeyPrefix)
	v.SetDefault("cache_compression_threshold", def.CompressionThreshold)
	v.SetDefault("cache_hot_max_entries", def.HotMaxEntries)
	v.SetDefault("cache_hot_max_ttl", def.HotMaxTTL)
	v.SetDefault("cache_memory_max_entries", def.MemoryMaxEntries)
	v.SetDefault("cache_memory_max_bytes", def.MemoryMaxBytes)
	v.SetDefault("cache_memory_max_ttl", def.MemoryMaxTTL)
	v.SetDefault("cache_health_interval", def.HealthInterval)
	v.SetDefault("cache_invalidation_broadcast", false)
}

func fromViper(v *viper.Viper) Config {
	env := strings.ToLower(strings.TrimSpace(v.GetString("app_env")))

	maxConns := v.GetInt("db_max_connections")
	if maxConns <= 0 {
		maxConns = DefaultMaxConnections(env, runtime.NumCPU())
	}
	minConns := v.GetInt("db_min_connections")
	if minConns <= 0 {
		minConns = maxConns / 10
		if minConns < 2 {
			minConns = 2
		}
	}
	if minConns > maxConns {
		minConns = maxConns
	}

	// compression defaults on only in production
	compression := env == EnvProduction
	if v.IsSet("cache_compression") {
		compression = v.GetBool("cache_compression")
	}

	breaker := database.BreakerConfig{
		FailureThreshold: uint32(v.GetInt("breaker_failure_threshold")),
		OpenTimeout:      v.GetDuration("breaker_open_timeout"),
		FailureWindow:    v.GetDuration("breaker_failure_window"),
		HealthInterval:   v.GetDuration("breaker_health_interval"),
	}

	cacheCfg := cache.DefaultConfig()
	cacheCfg.KeyPrefix = v.GetString("cache_key_prefix")
	cacheCfg.Compression = compression
	cacheCfg.CompressionThreshold = v.GetInt("cache_compression_threshold")
	cacheCfg.HotMaxEntries = v.GetInt("cache_hot_max_entries")
	cacheCfg.HotMaxTTL = v.GetDuration("cache_hot_max_ttl")
	cacheCfg.MemoryMaxEntries = v.GetInt("cache_memory_max_entries")
	cacheCfg.MemoryMaxBytes = v.GetInt64("cache_memory_max_bytes")
	cacheCfg.MemoryMaxTTL = v.GetDuration("cache_memory_max_ttl")
	cacheCfg.HealthInterval = v.GetDuration("cache_health_interval")
	cacheCfg.InvalidationBroadcast = v.GetBool("cache_invalidation_broadcast")
	cacheCfg.Breaker = breaker

	recorder := metrics.DefaultRecorderConfig()
	recorder.SlowThreshold = v.GetDuration("db_slow_query_threshold")

	driver := strings.ToLower(strings.TrimSpace(v.GetString("db_driver")))
	dialect := database.DialectPostgres
	if driver == "sqlite" {
		dialect = database.DialectSQLite
	}

	return Config{
		Environment: env,
		LogLevel:    v.GetString("log_level"),
		StatusAddr:  v.GetString("status_addr"),
		OTelStdout:  v.GetBool("otel_stdout"),
		Database: Database{
			URL:    v.GetString("database_url"),
			Driver: driver,
			Pool: database.PoolConfig{
				MaxConnections: maxConns,
				MinConnections: minConns,
				AcquireTimeout: v.GetDuration("db_acquire_timeout"),
				IdleTimeout:    v.GetDuration("db_idle_timeout"),
				MaxLifetime:    v.GetDuration("db_max_lifetime"),
			},
			Session: database.SessionConfig{
				StatementTimeout:         v.GetDuration("db_statement_timeout"),
				LockTimeout:              v.GetDuration("db_lock_timeout"),
				IdleInTransactionTimeout: v.GetDuration("db_idle_in_tx_timeout"),
			},
			Executor: database.ExecutorConfig{
				RetryAttempts:  v.GetInt("db_retry_attempts"),
				RetryBaseDelay: v.GetDuration("db_retry_base_delay"),
				LogQueries:     v.GetBool("db_log_queries"),
				LogSlowQueries: v.GetBool("db_log_slow_queries"),
				Dialect:        dialect,
			},
		},
		Breaker: breaker,
		Redis: Redis{
			URL:      v.GetString("redis_url"),
			Addrs:    splitList(v.GetString("redis_addrs")),
			Password: v.GetString("redis_password"),
			DB:       v.GetInt("redis_db"),
		},
		Cache:   cacheCfg,
		Metrics: recorder,
	}
}

// Validate checks field constraints and cross-field bounds.
func Validate(cfg Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return err
	}
	p := cfg.Database.Pool
	if p.MaxConnections <= 0 {
		return fmt.Errorf("DB_MAX_CONNECTIONS must be positive, got %d", p.MaxConnections)
	}
	if p.MinConnections < 0 || p.MinConnections > p.MaxConnections {
		return fmt.Errorf("DB_MIN_CONNECTIONS must be between 0 and %d, got %d", p.MaxConnections, p.MinConnections)
	}
	if cfg.Database.Executor.RetryAttempts < 1 {
		return fmt.Errorf("DB_RETRY_ATTEMPTS must be at least 1, got %d", cfg.Database.Executor.RetryAttempts)
	}
	if cfg.Breaker.FailureThreshold == 0 {
		return fmt.Errorf("BREAKER_FAILURE_THRESHOLD must be positive")
	}
	if cfg.Cache.CompressionThreshold < 0 {
		return fmt.Errorf("CACHE_COMPRESSION_THRESHOLD must not be negative")
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
