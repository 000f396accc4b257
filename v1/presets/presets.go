package presets

import (
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-latch/v1/lock"
	"github.com/mirkobrombin/go-latch/v1/lockmanager"
)

// RedisOptions configures the connection to Redis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// BreakerThreshold enables a circuit breaker in front of Redis that
	// opens after this many consecutive transport errors. Zero disables it.
	BreakerThreshold int
	// BreakerTimeout is how long an open breaker refuses calls.
	BreakerTimeout time.Duration
}

// NewRedis creates a lock manager using Redis as the shared store. The
// returned client is owned by the caller and must be closed when done.
func NewRedis(opts RedisOptions, managerOpts ...lockmanager.Option) (*lockmanager.Manager, *redis.Client) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	var store lock.Store = lock.NewRedis(client, nil)
	if opts.BreakerThreshold > 0 {
		timeout := opts.BreakerTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		store = lock.NewCircuitBreaker(store, opts.BreakerThreshold, timeout)
	}
	return lockmanager.New(store, managerOpts...), client
}

// NewInMemoryStandalone creates a lock manager that only coordinates
// goroutines of the current process. Useful for local development and
// single-instance deployments.
func NewInMemoryStandalone(managerOpts ...lockmanager.Option) *lockmanager.Manager {
	return lockmanager.New(lock.NewInMemory(nil), managerOpts...)
}
