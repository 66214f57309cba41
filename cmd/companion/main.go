// Command companion is the desktop agent for the ESO Build Optimizer.
//
// It watches the game's SavedVariables directory for addon data, queues
// combat runs and build snapshots in a local SQLite database, and syncs them
// with the cloud API in the background. It works offline; queued data is
// uploaded when connectivity returns.
package main

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/esobuild/companion/internal/auth"
	"github.com/esobuild/companion/internal/config"
	"github.com/esobuild/companion/internal/ratelimit"
	"github.com/esobuild/companion/internal/store"
	"github.com/esobuild/companion/internal/syncer"
)

var configDir string

var rootCmd = &cobra.Command{
	Use:   "companion",
	Short: "ESO Build Optimizer companion agent",
	Long: `The companion agent links the ESO Build Optimizer addon to the cloud.

It watches the game's SavedVariables files for new combat runs and build
changes, stores them in a local queue, and uploads them in batches. Crunched
recommendations are downloaded and cached locally.

Run 'companion login' once, then 'companion run' to start the agent.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config", "", "config directory (default ~/.eso-companion)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(flushCmd)
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(pathsCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// stack is everything the subcommands need, wired together.
type stack struct {
	cfg     *config.Config
	store   *store.Store
	auth    *auth.Manager
	limiter *ratelimit.Limiter
	engine  *syncer.Engine
	logger  *log.Logger
}

// openStack loads config and opens the store and engine. logToFile selects
// rotating file logging (for the daemon) instead of stderr.
func openStack(logToFile bool) (*stack, error) {
	cfg, err := config.Load(configDir)
	if err != nil {
		return nil, err
	}

	var out io.Writer = os.Stderr
	if logToFile {
		out = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     30, // days
			Compress:   true,
		})
	}
	logger := log.New(out, "[companion] ", log.LstdFlags)

	st, err := store.Open(cfg.DatabasePath())
	if err != nil {
		return nil, err
	}

	httpClient := &http.Client{Timeout: cfg.APITimeout}
	am := auth.New(st, cfg.APIBaseURL, cfg.TokenRefreshBuffer, httpClient, logger)
	limiter := ratelimit.New(cfg.RequestsPerMinute, cfg.RequestsPerHour)
	client := syncer.NewClient(cfg.APIBaseURL, am, limiter, httpClient, logger)
	client.SetRetryPolicy(cfg.MaxRetries, cfg.BaseRetryDelay, cfg.MaxRetryDelay)
	engine := syncer.New(syncer.Options{
		UploadInterval:   cfg.UploadInterval,
		DownloadInterval: cfg.DownloadInterval,
		FullSyncInterval: cfg.FullSyncInterval,
		MaxBatchSize:     cfg.MaxBatchSize,
		MaxQueueSize:     cfg.MaxQueueSize,
		MaxAttempts:      cfg.MaxRetries,
		CacheTTL:         cfg.CacheTTL,
	}, st, client, am, limiter, logger)

	return &stack{
		cfg:     cfg,
		store:   st,
		auth:    am,
		limiter: limiter,
		engine:  engine,
		logger:  logger,
	}, nil
}

func (s *stack) close() {
	if err := s.store.Close(); err != nil {
		s.logger.Printf("failed to close store: %v", err)
	}
}
