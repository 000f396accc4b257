// Package config loads lock manager settings from flags, environment
// variables, .env files and an optional config file.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	redis "github.com/redis/go-redis/v9"
	"github.com/spf13/viper"

	"github.com/mirkobrombin/go-latch/v1/lock"
	"github.com/mirkobrombin/go-latch/v1/lockmanager"
)

// EnvPrefix is prepended to every environment variable, e.g. LATCH_MAX_WAIT.
const EnvPrefix = "latch"

// Configuration keys. They double as flag names and config file keys; the
// environment variable is EnvPrefix plus the key in upper snake case.
const (
	KeyRedisAddr        = "redis-addr"
	KeyRedisPassword    = "redis-password"
	KeyRedisDB          = "redis-db"
	KeyPollInterval     = "poll-interval"
	KeyMaxWait          = "max-wait"
	KeyLease            = "lease"
	KeySlowThreshold    = "slow-threshold"
	KeyLogLevel         = "log-level"
	KeyBreakerThreshold = "breaker-threshold"
	KeyBreakerTimeout   = "breaker-timeout"
)

// DefaultBreakerTimeout is how long an open breaker refuses store calls.
const DefaultBreakerTimeout = 5 * time.Second

// Config is the resolved configuration.
type Config struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	PollInterval  time.Duration
	MaxWait       time.Duration
	Lease         time.Duration
	SlowThreshold time.Duration

	LogLevel string

	// BreakerThreshold is the number of consecutive store failures that
	// opens the circuit breaker. Zero disables the breaker.
	BreakerThreshold int
	BreakerTimeout   time.Duration
}

// LoadEnvFiles loads .env and .env.local when present. Variables already set
// in the environment win.
func LoadEnvFiles() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")
}

// New returns a viper instance with defaults and environment binding.
func New() *viper.Viper {
	v := viper.New()
	v.SetDefault(KeyRedisAddr, "localhost:6379")
	v.SetDefault(KeyRedisPassword, "")
	v.SetDefault(KeyRedisDB, 0)
	v.SetDefault(KeyPollInterval, lockmanager.DefaultPollInterval)
	v.SetDefault(KeyMaxWait, lockmanager.DefaultMaxWait)
	v.SetDefault(KeyLease, lockmanager.DefaultLease)
	v.SetDefault(KeySlowThreshold, lockmanager.DefaultSlowExecutionThreshold)
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyBreakerThreshold, 0)
	v.SetDefault(KeyBreakerTimeout, DefaultBreakerTimeout)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the optional config file at path into v and resolves the
// configuration.
func Load(v *viper.Viper, path string) (Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return FromViper(v)
}

// FromViper resolves and validates the configuration held by v.
func FromViper(v *viper.Viper) (Config, error) {
	c := Config{
		RedisAddr:     v.GetString(KeyRedisAddr),
		RedisPassword: v.GetString(KeyRedisPassword),
		RedisDB:       v.GetInt(KeyRedisDB),
		PollInterval:  v.GetDuration(KeyPollInterval),
		MaxWait:       v.GetDuration(KeyMaxWait),
		Lease:         v.GetDuration(KeyLease),
		SlowThreshold: v.GetDuration(KeySlowThreshold),
		LogLevel:      v.GetString(KeyLogLevel),

		BreakerThreshold: v.GetInt(KeyBreakerThreshold),
		BreakerTimeout:   v.GetDuration(KeyBreakerTimeout),
	}
	return c, c.Validate()
}

// Validate checks that every duration is positive, the address is set and
// the breaker threshold is not negative.
func (c Config) Validate() error {
	var errs []error
	if c.RedisAddr == "" {
		errs = append(errs, fmt.Errorf("%s must not be empty", KeyRedisAddr))
	}
	for name, d := range map[string]time.Duration{
		KeyPollInterval:   c.PollInterval,
		KeyMaxWait:        c.MaxWait,
		KeyLease:          c.Lease,
		KeySlowThreshold:  c.SlowThreshold,
		KeyBreakerTimeout: c.BreakerTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if c.BreakerThreshold < 0 {
		errs = append(errs, fmt.Errorf("%s must not be negative, got %d", KeyBreakerThreshold, c.BreakerThreshold))
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// RedisOptions returns the go-redis client options.
func (c Config) RedisOptions() *redis.Options {
	return &redis.Options{
		Addr:     c.RedisAddr,
		Password: c.RedisPassword,
		DB:       c.RedisDB,
	}
}

// ManagerOptions returns the lock manager options, logging through logger.
func (c Config) ManagerOptions(logger *slog.Logger) []lockmanager.Option {
	return []lockmanager.Option{
		lockmanager.WithPollInterval(c.PollInterval),
		lockmanager.WithMaxWait(c.MaxWait),
		lockmanager.WithLease(c.Lease),
		lockmanager.WithSlowExecutionThreshold(c.SlowThreshold),
		lockmanager.WithLogger(logger),
	}
}

// WrapStore puts store behind a circuit breaker when a breaker threshold is
// configured, and returns it unchanged otherwise.
func (c Config) WrapStore(store lock.Store) lock.Store {
	if c.BreakerThreshold <= 0 {
		return store
	}
	return lock.NewCircuitBreaker(store, c.BreakerThreshold, c.BreakerTimeout)
}

// Logger builds a text logger writing to w at the configured level.
func (c Config) Logger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("%s: %w", KeyLogLevel, err)
	}
	return level, nil
}
