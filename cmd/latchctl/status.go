package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mirkobrombin/go-latch/v1/lockmanager"
)

var statusCmd = &cobra.Command{
	Use:   "status NAMESPACE ID",
	Short: "Show who holds the lock for (NAMESPACE, ID)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := lockmanager.Key(args[0], args[1])
		token, ttl, ok, err := current.store.Holder(cmd.Context(), key)
		if err != nil {
			return fmt.Errorf("failed to read lock %s: %w", key, err)
		}
		if !ok {
			fmt.Printf("key=%s held=false\n", key)
			return nil
		}
		fmt.Printf("key=%s held=true ttl=%s token=%s\n", key, ttl, token)
		return nil
	},
}
