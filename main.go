package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
)

var version = "dev"

var (
	configFile   string
	dryRun       bool
	debugMode    bool
	confirmReset bool
)

var rootCmd = &cobra.Command{
	Use:   "feed-digest",
	Short: "Summarize and announce new videos from a channel feed",
	Long: `Checks a channel feed for a new video, fetches its transcript through
several fallback strategies, summarizes it and sends a notification.
Run it from cron or a systemd timer; each invocation processes at most one item.`,
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runOnce,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Process the newest feed item once",
	Args:  cobra.NoArgs,
	RunE:  runOnce,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the cursor and recently processed items",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		settings, _, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := openCursor(cmd.Context(), settings)
		if err != nil {
			return err
		}
		defer store.Close()

		report, err := renderStatus(cmd.Context(), settings.Cursor, store, time.Now())
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), report)
		return nil
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Forget the last processed item",
	Long:  `Clears the cursor so the newest feed item is announced again on the next run.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !confirmReset {
			return errors.New("refusing to clear the cursor without --yes")
		}
		settings, logger, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := openCursor(cmd.Context(), settings)
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.Clear(cmd.Context()); err != nil {
			return fmt.Errorf("clearing cursor: %w", err)
		}
		logger.Info("cursor cleared", slog.String("backend", settings.Cursor.Backend))
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", appName, version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to settings.yaml")
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging")
	rootCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Print the notification instead of sending it and leave the cursor untouched")
	runCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Print the notification instead of sending it and leave the cursor untouched")
	resetCmd.Flags().BoolVar(&confirmReset, "yes", false, "Confirm clearing the cursor")

	rootCmd.AddCommand(runCmd, statusCmd, resetCmd, versionCmd)
}

func loadConfig() (*Settings, *slog.Logger, error) {
	settings, path, err := LoadSettings(configFile)
	if err != nil {
		return nil, nil, err
	}

	level := settings.Logging.Level
	if debugMode {
		level = "debug"
	}
	logger := newLogger(level, settings.Logging.Format, os.Stderr)
	if path != "" {
		logger.Debug("loaded settings", slog.String("path", path))
	}
	return settings, logger, nil
}

func openCursor(ctx context.Context, settings *Settings) (cursorBackend, error) {
	if err := settings.ValidateCursor(); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}
	store, err := openCursorStore(ctx, settings.Cursor)
	if err != nil {
		return nil, fmt.Errorf("opening cursor store: %w", err)
	}
	return store, nil
}

func runOnce(cmd *cobra.Command, args []string) error {
	settings, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if dryRun {
		settings.Notifier.Provider = "stdout"
	}
	if err := settings.Validate(); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}
	logger = withRunID(logger)

	lockPath := LockPath()
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}
	lock := flock.New(lockPath)
	ok, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		logger.Info("another run is in progress, exiting", slog.String("lock", lockPath))
		return nil
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			logger.Warn("failed to release run lock", slog.Any("error", err))
		}
	}()

	ctx := cmd.Context()
	store, err := openCursor(ctx, settings)
	if err != nil {
		return err
	}
	defer store.Close()

	pipeline, err := buildPipeline(settings, store, cmd.OutOrStdout(), logger)
	if err != nil {
		return err
	}

	start := time.Now()
	result, err := pipeline.Run(ctx)
	if err != nil {
		return err
	}
	logger.Info("run finished",
		slog.String("state", string(result.State)),
		slog.Bool("degraded", result.Degraded),
		slog.Bool("delivered", result.Delivered),
		slog.Duration("elapsed", time.Since(start)))
	return nil
}

func buildPipeline(settings *Settings, store CursorStore, stdout io.Writer, logger *slog.Logger) (*Pipeline, error) {
	// Deadlines come from per-call contexts.
	client := &http.Client{}

	if dryRun {
		store = readOnlyCursor{CursorStore: store, logger: logger}
	}

	strategies, err := buildStrategies(settings.Transcript, client)
	if err != nil {
		return nil, err
	}
	fetcher := NewTranscriptFetcher(strategies, seconds(settings.Transcript.TimeoutSeconds),
		seconds(settings.Transcript.MinIntervalSeconds), logger)

	backend, err := newChunkSummarizer(settings.Summarizer, client)
	if err != nil {
		return nil, err
	}

	renderer, err := NewMessageRenderer(settings.Notifier.TemplatePath, settings.Notifier.MaxMessageChars)
	if err != nil {
		return nil, err
	}
	notifier, err := newNotifier(settings.Notifier, client, stdout)
	if err != nil {
		return nil, err
	}

	return NewPipeline(
		settings,
		store,
		NewFeedReader(settings.Feed, client, logger),
		fetcher,
		NewSummarizer(backend, settings.Summarizer, logger),
		renderer,
		notifier,
		logger,
	), nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
