package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/TobiSchelling/feedrefresh/internal/config"
	"github.com/TobiSchelling/feedrefresh/internal/database"
	"github.com/TobiSchelling/feedrefresh/internal/pipeline"
	"github.com/TobiSchelling/feedrefresh/internal/refresh"
	"github.com/TobiSchelling/feedrefresh/internal/server"
)

var version = "dev"

var (
	verbose    bool
	configPath string
	cfg        *config.Config
	logger     *slog.Logger
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "feedrefresh",
	Short:   "Feed refresh and ingestion engine",
	Long:    "feedrefresh polls RSS/Atom/JSON feeds on a schedule, stores new entries and backs off from failing sources.",
	Version: version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level := slog.LevelInfo

		// Skip config loading for init and version
		if cmd.Name() != "init" && cmd.Name() != "version" {
			path, err := config.ResolveConfigPath(configPath)
			if err != nil {
				return err
			}
			cfg, err = config.Load(path)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			level = cfg.LogLevel()
		}

		if verbose {
			level = slog.LevelDebug
		}
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level, AddSource: verbose}))
		slog.SetDefault(logger)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(refreshCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(feedsCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("feedrefresh", version)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration in ~/.config/feedrefresh/",
	RunE: func(cmd *cobra.Command, args []string) error {
		target := filepath.Join(config.ConfigDir(), "config.yaml")
		if _, err := os.Stat(target); err == nil {
			fmt.Printf("Config already exists: %s\n", target)
			return nil
		}

		if err := os.MkdirAll(config.ConfigDir(), 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}

		if err := os.WriteFile(target, config.DefaultConfigYAML, 0o644); err != nil {
			return fmt.Errorf("writing config: %w", err)
		}

		fmt.Printf("Created config: %s\n", target)
		fmt.Println("Edit it to tune refresh intervals, backoff and concurrency.")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show database and scheduling status",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		stats, err := db.GetStats(cmd.Context(), time.Now())
		if err != nil {
			return fmt.Errorf("getting stats: %w", err)
		}

		fmt.Printf("Database: %s\n\n", db.Path())
		fmt.Println("Feeds:")
		fmt.Printf("  Total: %d\n", stats.TotalFeeds)
		fmt.Printf("  Active: %d\n", stats.ActiveFeeds)
		fmt.Printf("  Error: %d\n", stats.ErrorFeeds)
		fmt.Printf("  Disabled: %d\n", stats.DisabledFeeds)
		fmt.Printf("  Due now: %d\n", stats.DueFeeds)
		fmt.Println("\nArticles:")
		fmt.Printf("  Total stored: %d\n", stats.TotalArticles)
		return nil
	},
}

// --- refresh command ---

var (
	refreshUser  string
	refreshForce bool
	refreshFeeds []string
)

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Refresh due feeds (all users, or one user with --user)",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		pipe := pipeline.New(cfg, db, logger)
		ctx := cmd.Context()

		var result *pipeline.Result
		if refreshUser == "" {
			if refreshForce || len(refreshFeeds) > 0 {
				return errors.New("--force and --feed require --user")
			}
			result, err = pipe.RunScheduled(ctx)
		} else {
			result, err = pipe.RefreshForUser(ctx, refreshUser, refreshFeeds, refreshForce)
		}

		var limited *pipeline.RateLimitedError
		if errors.As(err, &limited) {
			fmt.Printf("Refresh rate limited. Try again in %d minute(s) or use --force.\n", limited.RetryAfterMinutes)
			return nil
		}
		if err != nil {
			return err
		}

		printResults(result.Results)
		fmt.Println("\nRefresh complete:")
		fmt.Printf("  Refreshed: %d\n", result.Refreshed)
		fmt.Printf("  Failed: %d\n", result.Failed)
		fmt.Printf("  Skipped (not due): %d\n", result.Skipped)
		fmt.Printf("  New articles: %d\n", result.NewArticles)
		return nil
	},
}

func init() {
	refreshCmd.Flags().StringVarP(&refreshUser, "user", "u", "", "Refresh only this user's feeds (rate limited)")
	refreshCmd.Flags().BoolVarP(&refreshForce, "force", "f", false, "Bypass the rate limit and the due check")
	refreshCmd.Flags().StringSliceVar(&refreshFeeds, "feed", nil, "Refresh these feed IDs instead of every due feed")
}

func printResults(results []refresh.Result) {
	for _, r := range results {
		switch {
		case r.Skipped:
			continue
		case !r.Success:
			fmt.Printf("  x %s %s: %s\n", r.FeedID, r.Title, r.Error)
		case r.NotModified:
			fmt.Printf("  = %s %s: not modified\n", r.FeedID, r.Title)
		default:
			fmt.Printf("  + %s %s: %d new\n", r.FeedID, r.Title, r.NewArticles)
		}
	}
}

// --- serve command ---

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP trigger API and the background refresh loop",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		port := cfg.Server.Port
		if cmd.Flags().Changed("port") {
			port = servePort
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		pipe := pipeline.New(cfg, db, logger)
		srv := server.New(db, pipe, logger)

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return server.Serve(gctx, srv, port)
		})
		if every := cfg.Refresh.ScheduleEvery; every > 0 {
			g.Go(func() error {
				if err := pipe.Loop(gctx, every); !errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			})
		}

		fmt.Printf("Starting server at http://localhost:%d\n", port)
		fmt.Println("Press Ctrl+C to stop")
		return g.Wait()
	},
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 8000, "Port to run server on (overrides server.port)")
}

// --- feeds command ---

var feedsUser string

var feedsCmd = &cobra.Command{
	Use:   "feeds",
	Short: "Manage feed subscriptions",
}

var feedsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List feeds and their scheduling state",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		feeds, err := db.ListFeeds(cmd.Context(), feedsUser)
		if err != nil {
			return err
		}

		if len(feeds) == 0 {
			fmt.Println("No feeds. Add one with: feedrefresh feeds add <url>")
			return nil
		}

		for _, f := range feeds {
			fmt.Printf("  [%s] %-8s %s\n", f.ID, f.Status, f.Title)
			fmt.Printf("        %s (user %s)\n", f.URL, f.UserID)
			next := "now"
			if f.NextFetchAt != nil {
				next = f.NextFetchAt.Local().Format(time.DateTime)
			}
			fmt.Printf("        next fetch: %s, errors: %d\n", next, f.ErrorCount)
			if f.ErrorMessage != nil {
				fmt.Printf("        last error: %s\n", *f.ErrorMessage)
			}
		}
		return nil
	},
}

var feedsAddCmd = &cobra.Command{
	Use:   "add [url] [title]",
	Short: "Subscribe to a feed and fetch it right away",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		title := ""
		if len(args) > 1 {
			title = args[1]
		}

		pipe := pipeline.New(cfg, db, logger)
		feed, res, err := pipe.AddFeed(cmd.Context(), feedsUser, args[0], title)
		if err != nil {
			return err
		}
		fmt.Printf("Added feed [%s]: %s\n", feed.ID, feed.Title)
		if res.Success {
			fmt.Printf("  First refresh: %d new articles\n", res.NewArticles)
		} else {
			fmt.Printf("  First refresh failed: %s (will retry)\n", res.Error)
		}
		return nil
	},
}

var feedsResetCmd = &cobra.Command{
	Use:   "reset [id]",
	Short: "Clear a feed's error state and make it due immediately",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		ok, err := db.ResetFeed(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("feed %s not found", args[0])
		}
		fmt.Printf("Reset feed [%s]\n", args[0])
		return nil
	},
}

func init() {
	feedsCmd.PersistentFlags().StringVarP(&feedsUser, "user", "u", "default", "Owner of the feeds")
	feedsCmd.AddCommand(feedsListCmd)
	feedsCmd.AddCommand(feedsAddCmd)
	feedsCmd.AddCommand(feedsResetCmd)
}

func openDB() (*database.DB, error) {
	dataDir := cfg.GetDataDir()
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, "feedrefresh.db")
	return database.Open(dbPath)
}
