package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/esobuild/companion/internal/store"
	"github.com/esobuild/companion/internal/syncer"
	"github.com/esobuild/companion/internal/watcher"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue, auth, and server status",
	Run: func(cmd *cobra.Command, args []string) {
		s, err := openStack(false)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer s.close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		st, err := s.engine.Status(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading status: %v\n", err)
			os.Exit(1)
		}

		fmt.Println("Queue:")
		for _, status := range []store.Status{
			store.StatusPending, store.StatusUploading, store.StatusUploaded,
			store.StatusFailed, store.StatusConflict,
		} {
			fmt.Printf("  %-10s %d\n", status, st.QueueStats[status])
		}

		if st.QueueStats[store.StatusConflict] > 0 {
			conflicts, err := s.engine.Conflicts(ctx)
			if err == nil && len(conflicts) > 0 {
				fmt.Println("Conflicts awaiting resolution:")
				for _, c := range conflicts {
					fmt.Printf("  %s\n", c.ItemID)
				}
			}
		}

		auth := "not logged in"
		if st.Authenticated {
			auth = "logged in"
		}
		fmt.Printf("Auth:       %s\n", auth)
		fmt.Printf("Rate limit: %d/min, %d/hour remaining\n", st.RemainingMinute, st.RemainingHour)

		server := "unreachable"
		if s.engine.HealthCheck(ctx) {
			server = "ok"
		}
		fmt.Printf("Server:     %s\n", server)
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run a full sync cycle once",
	Long: `Flush the upload queue, refresh recommendations and feature updates,
and prune completed items. Useful for testing or cron-style scheduling.`,
	Run: func(cmd *cobra.Command, args []string) {
		s, err := openStack(false)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer s.close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		res, err := s.engine.SyncAll(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error syncing: %v\n", err)
			os.Exit(1)
		}
		printResult(res)
		if !res.Success {
			os.Exit(1)
		}
	},
}

var flushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Upload queued items now",
	Run: func(cmd *cobra.Command, args []string) {
		s, err := openStack(false)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer s.close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		res, err := s.engine.FlushUploads(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error flushing queue: %v\n", err)
			os.Exit(1)
		}
		printResult(res)
		if !res.Success {
			os.Exit(1)
		}
	},
}

var pathsCmd = &cobra.Command{
	Use:   "paths",
	Short: "Show detected SavedVariables directories",
	Run: func(cmd *cobra.Command, args []string) {
		def, err := watcher.DefaultSavedVariablesDir()
		if err != nil {
			fmt.Printf("Default: not found (%v)\n", err)
		} else {
			fmt.Printf("Default: %s\n", def)
		}
		dirs := watcher.FindSavedVariablesDirs()
		if len(dirs) == 0 {
			fmt.Println("No SavedVariables directories detected.")
			return
		}
		fmt.Println("Detected:")
		for _, d := range dirs {
			fmt.Printf("  %s\n", d)
		}
	},
}

func printResult(res *syncer.Result) {
	fmt.Printf("Processed %d item(s), %d failed in %s\n",
		res.ItemsProcessed, res.ItemsFailed, res.Duration.Round(time.Millisecond))
	for _, e := range res.Errors {
		fmt.Printf("  error: %s\n", e)
	}
}
