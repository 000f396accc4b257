package lockmanager

import (
	"log/slog"
	"time"
)

// Defaults used when an option is unset or given a non-positive value.
const (
	DefaultPollInterval           = 50 * time.Millisecond
	DefaultMaxWait                = 10 * time.Second
	DefaultLease                  = 30 * time.Second
	DefaultSlowExecutionThreshold = 5 * time.Second
)

// Options holds the tunables of a Manager.
type Options struct {
	// PollInterval is the fixed spacing between acquisition attempts.
	PollInterval time.Duration
	// MaxWait bounds the total time spent acquiring before ErrTimeout.
	MaxWait time.Duration
	// Lease is the expiry set on the lock record. The watchdog fires after
	// the same duration.
	Lease time.Duration
	// SlowExecutionThreshold is the run duration above which a warning is
	// logged.
	SlowExecutionThreshold time.Duration
	Logger                 *slog.Logger
}

// Option configures a Manager.
type Option func(*Options)

// WithPollInterval sets the spacing between acquisition attempts.
// Non-positive values keep the default.
func WithPollInterval(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.PollInterval = d
		}
	}
}

// WithMaxWait sets the acquisition deadline. Non-positive values keep the
// default.
func WithMaxWait(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.MaxWait = d
		}
	}
}

// WithLease sets the lock expiry. Non-positive values keep the default.
func WithLease(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.Lease = d
		}
	}
}

// WithSlowExecutionThreshold sets the slow run warning threshold.
// Non-positive values keep the default.
func WithSlowExecutionThreshold(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.SlowExecutionThreshold = d
		}
	}
}

// WithLogger sets the logger used for warnings. A nil logger keeps
// slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *Options) {
		if l != nil {
			o.Logger = l
		}
	}
}

func defaultOptions() Options {
	return Options{
		PollInterval:           DefaultPollInterval,
		MaxWait:                DefaultMaxWait,
		Lease:                  DefaultLease,
		SlowExecutionThreshold: DefaultSlowExecutionThreshold,
		Logger:                 slog.Default(),
	}
}
