package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	redis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/mirkobrombin/go-latch/v1/config"
	"github.com/mirkobrombin/go-latch/v1/lock"
	"github.com/mirkobrombin/go-latch/v1/lockmanager"
	"github.com/mirkobrombin/go-latch/v1/metrics"
)

const Version = "0.1.0"

// env holds what the subcommands share once flags and config are resolved.
type env struct {
	cfg     config.Config
	logger  *slog.Logger
	client  *redis.Client
	store   *lock.Redis
	manager *lockmanager.Manager
	closers []func(context.Context) error
}

var (
	v       = config.New()
	current *env

	cfgFile     string
	metricsAddr string
	traceStdout bool

	rootCmd = &cobra.Command{
		Use:   "latchctl",
		Short: "run commands under a Redis-backed distributed lock",
		Long: fmt.Sprintf(`latchctl (v%s)

Runs commands with at-most-one concurrent execution per (namespace, id)
across every process sharing the same Redis. Settings can be given as flags,
LATCH_<FLAG> environment variables, .env files or a config file.`, Version),
		SilenceUsage:       true,
		PersistentPreRunE:  setup,
		PersistentPostRunE: teardown,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of latchctl",
		// no Redis needed
		PersistentPreRunE:  func(*cobra.Command, []string) error { return nil },
		PersistentPostRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("latchctl v%s\n", Version)
		},
	}
)

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVar(&cfgFile, "config", "", "optional config file (yaml, json, toml)")
	f.StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address, e.g. :2112")
	f.BoolVar(&traceStdout, "trace", false, "print OpenTelemetry spans to stdout")
	f.String(config.KeyRedisAddr, "localhost:6379", "Redis address")
	f.String(config.KeyRedisPassword, "", "Redis password")
	f.Int(config.KeyRedisDB, 0, "Redis database")
	f.Duration(config.KeyPollInterval, lockmanager.DefaultPollInterval, "spacing between acquisition attempts")
	f.Duration(config.KeyMaxWait, lockmanager.DefaultMaxWait, "maximum time to wait for the lock")
	f.Duration(config.KeyLease, lockmanager.DefaultLease, "lock expiry in the store")
	f.Duration(config.KeySlowThreshold, lockmanager.DefaultSlowExecutionThreshold, "warn when a locked run takes longer")
	f.String(config.KeyLogLevel, "info", "log level (debug, info, warn, error)")
	f.Int(config.KeyBreakerThreshold, 0, "consecutive Redis failures that open the circuit breaker (0 disables it)")
	f.Duration(config.KeyBreakerTimeout, config.DefaultBreakerTimeout, "how long an open circuit breaker fails fast")

	rootCmd.AddCommand(runCmd, statusCmd, benchCmd, versionCmd)
}

func setup(cmd *cobra.Command, _ []string) error {
	config.LoadEnvFiles()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	cfg, err := config.Load(v, cfgFile)
	if err != nil {
		return err
	}

	e := &env{cfg: cfg, logger: cfg.Logger(os.Stderr)}
	e.client = redis.NewClient(cfg.RedisOptions())
	e.closers = append(e.closers, func(context.Context) error { return e.client.Close() })
	e.store = lock.NewRedis(e.client, nil)
	e.manager = lockmanager.New(cfg.WrapStore(e.store), cfg.ManagerOptions(e.logger)...)

	if metricsAddr != "" {
		reg := metrics.NewRegistry()
		metrics.RegisterLockMetrics(reg)
		srv := &http.Server{Addr: metricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				e.logger.Error("latch: metrics server stopped", "error", err)
			}
		}()
		e.closers = append(e.closers, srv.Shutdown)
	}

	if traceStdout {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return err
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		otel.SetTracerProvider(tp)
		e.closers = append(e.closers, tp.Shutdown)
	}

	current = e
	return nil
}

func teardown(*cobra.Command, []string) error {
	if current == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var errs []error
	for i := len(current.closers) - 1; i >= 0; i-- {
		errs = append(errs, current.closers[i](ctx))
	}
	current = nil
	return errors.Join(errs...)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		var exitErr interface{ ExitCode() int }
		if errors.As(err, &exitErr) && exitErr.ExitCode() > 0 {
			os.Exit(exitErr.ExitCode())
		}
		os.Exit(1)
	}
}
