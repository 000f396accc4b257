package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	latcherrors "github.com/mirkobrombin/go-latch/v1/errors"
	"github.com/mirkobrombin/go-latch/v1/lock"
	"github.com/mirkobrombin/go-latch/v1/lockmanager"
)

type benchOptions struct {
	Processes  int
	Workers    int
	Iterations int
	Hold       time.Duration
	Namespace  string
	ID         string
}

type benchResult struct {
	Runs       int64
	Timeouts   int64
	Violations int64
	Elapsed    time.Duration
}

var benchOpts = benchOptions{Namespace: "bench"}

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Contend for one lock from many simulated processes",
	Long: `Starts several lock managers (each standing in for a separate process)
with concurrent workers that all lock the same key, and checks that no two
locked sections ever overlap.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		opts := benchOpts
		opts.ID = uuid.NewString()
		managers := make([]*lockmanager.Manager, opts.Processes)
		for i := range managers {
			managers[i] = lockmanager.New(current.cfg.WrapStore(lock.NewRedis(current.client, nil)), current.cfg.ManagerOptions(current.logger)...)
		}

		log.Printf("Starting benchmark: %d processes x %d workers x %d iterations on %s",
			opts.Processes, opts.Workers, opts.Iterations, lockmanager.Key(opts.Namespace, opts.ID))
		res, err := runBench(cmd.Context(), managers, opts)
		if err != nil {
			return err
		}

		log.Printf("Finished in %v", res.Elapsed)
		log.Printf("Locked runs: %d (%.2f runs/s)", res.Runs, float64(res.Runs)/res.Elapsed.Seconds())
		if res.Timeouts > 0 {
			log.Printf("Timeouts: %d", res.Timeouts)
		}
		if res.Violations > 0 {
			return fmt.Errorf("mutual exclusion violated %d times", res.Violations)
		}
		return nil
	},
}

func init() {
	f := benchCmd.Flags()
	f.IntVar(&benchOpts.Processes, "processes", 4, "number of simulated processes")
	f.IntVar(&benchOpts.Workers, "workers", 8, "concurrent workers per process")
	f.IntVar(&benchOpts.Iterations, "iterations", 20, "locked runs per worker")
	f.DurationVar(&benchOpts.Hold, "hold", time.Millisecond, "time spent inside the lock per run")
	f.StringVar(&benchOpts.Namespace, "namespace", "bench", "lock namespace")
}

// runBench drives every worker of every manager against the same key.
// Timeouts are counted, any other error aborts the run.
func runBench(ctx context.Context, managers []*lockmanager.Manager, opts benchOptions) (benchResult, error) {
	var res benchResult
	var inside atomic.Int32

	start := time.Now()
	g, ctx := errgroup.WithContext(ctx)
	for _, m := range managers {
		for w := 0; w < opts.Workers; w++ {
			g.Go(func() error {
				for i := 0; i < opts.Iterations; i++ {
					err := m.Run(ctx, opts.Namespace, opts.ID, func(context.Context) error {
						if inside.Add(1) > 1 {
							atomic.AddInt64(&res.Violations, 1)
						}
						time.Sleep(opts.Hold)
						inside.Add(-1)
						return nil
					})
					switch {
					case err == nil:
						atomic.AddInt64(&res.Runs, 1)
					case errors.Is(err, latcherrors.ErrTimeout):
						atomic.AddInt64(&res.Timeouts, 1)
					default:
						return err
					}
				}
				return nil
			})
		}
	}
	err := g.Wait()
	res.Elapsed = time.Since(start)
	return res, err
}
