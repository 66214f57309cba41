package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/esobuild/companion/internal/watcher"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the companion agent",
	Long: `Start the agent and keep it running until interrupted.

The agent watches the SavedVariables directory for addon writes, queues new
combat runs and build snapshots, and syncs with the server in the background.
Press Ctrl+C to stop.`,
	Run: func(cmd *cobra.Command, args []string) {
		s, err := openStack(true)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error starting agent: %v\n", err)
			os.Exit(1)
		}
		defer s.close()

		dir := s.cfg.SavedVariablesDir
		if dir == "" {
			dir, err = watcher.DefaultSavedVariablesDir()
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error locating SavedVariables: %v\n", err)
				fmt.Fprintf(os.Stderr, "Set saved_variables_dir in the config file to override.\n")
				os.Exit(1)
			}
		}

		detector := watcher.NewDetector(s.cfg.AddonName, s.logger)
		detector.SetRecentRunCap(s.cfg.RecentIDCap)
		w, err := watcher.New(dir, s.cfg.AddonName, detector, s.logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating watcher: %v\n", err)
			os.Exit(1)
		}
		if err := w.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Error watching %s: %v\n", dir, err)
			os.Exit(1)
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		s.engine.Start(ctx)
		s.logger.Printf("agent started, watching %s", w.FilePath())
		fmt.Printf("Companion agent running. Watching %s\n", w.FilePath())

	events:
		for {
			select {
			case <-ctx.Done():
				break events
			case ev, ok := <-w.Events():
				if !ok {
					break events
				}
				handleEvent(ctx, s, ev)
			case werr, ok := <-w.Errors():
				if !ok {
					break events
				}
				s.logger.Printf("watcher error: %v", werr)
			}
		}

		fmt.Println("Shutting down...")
		if err := w.Stop(); err != nil {
			s.logger.Printf("failed to stop watcher: %v", err)
		}
		s.engine.Stop()
		s.logger.Printf("agent stopped")
	},
}

func handleEvent(ctx context.Context, s *stack, ev watcher.Event) {
	switch ev.Kind {
	case watcher.EventNewRun:
		id, err := s.engine.QueueRun(ctx, ev.Run)
		if err != nil {
			s.logger.Printf("failed to queue run %s: %v", ev.Run.RunID, err)
			return
		}
		s.logger.Printf("queued combat run %s as %s", ev.Run.RunID, id)
	case watcher.EventBuildChanged:
		id, err := s.engine.QueueBuildSnapshot(ctx, ev.Build)
		if err != nil {
			s.logger.Printf("failed to queue build snapshot: %v", err)
			return
		}
		s.logger.Printf("queued build snapshot as %s", id)
	}
}
