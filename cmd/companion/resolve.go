package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/esobuild/companion/internal/syncer"
)

var (
	resolvePolicy string
	resolveData   string
)

var resolveCmd = &cobra.Command{
	Use:   "resolve <item-id>",
	Short: "Resolve a sync conflict",
	Long: `Settle a conflicted queue item with the server.

Policies: server_wins (default), client_wins, newest_wins, manual.
Manual resolution requires the merged record as JSON via --data.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		s, err := openStack(false)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer s.close()

		var merged map[string]any
		if resolveData != "" {
			if err := json.Unmarshal([]byte(resolveData), &merged); err != nil {
				fmt.Fprintf(os.Stderr, "Error parsing --data: %v\n", err)
				os.Exit(1)
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := s.engine.ResolveConflict(ctx, args[0], syncer.Resolution(resolvePolicy), merged); err != nil {
			fmt.Fprintf(os.Stderr, "Error resolving conflict: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Conflict %s resolved\n", args[0])
	},
}

func init() {
	resolveCmd.Flags().StringVar(&resolvePolicy, "policy", "", "resolution policy (default server_wins)")
	resolveCmd.Flags().StringVar(&resolveData, "data", "", "merged record JSON for manual resolution")
}
