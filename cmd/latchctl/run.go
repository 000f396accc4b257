package main

import (
	"context"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run NAMESPACE ID -- COMMAND [ARGS...]",
	Short: "Run a command while holding the lock for (NAMESPACE, ID)",
	Long: `Waits for the lock, runs COMMAND and releases the lock when it exits.
The command is never started if the lock cannot be acquired within max-wait.
If it outlives the lease a warning is logged but the command keeps running.`,
	Args: cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		namespace, id, argv := args[0], args[1], args[2:]
		return current.manager.Run(ctx, namespace, id, func(ctx context.Context) error {
			c := exec.CommandContext(ctx, argv[0], argv[1:]...)
			c.Stdin = os.Stdin
			c.Stdout = os.Stdout
			c.Stderr = os.Stderr
			return c.Run()
		})
	},
}
