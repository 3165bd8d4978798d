// Command wksync mirrors WaniKani study progress into a local Anki-style
// collection. One-shot subcommands run a single pass; watch keeps the
// collection synced on timers until interrupted.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/kmaglione/ankiwanikanisync/internal/collection"
	"github.com/kmaglione/ankiwanikanisync/internal/config"
	"github.com/kmaglione/ankiwanikanisync/internal/promise"
	"github.com/kmaglione/ankiwanikanisync/internal/sync"
	"github.com/kmaglione/ankiwanikanisync/internal/timers"
	"github.com/kmaglione/ankiwanikanisync/internal/wanikani"
)

const usage = `usage: wksync [flags] <command>

commands:
  sync         full sync pass: import subjects, reconcile unlocks, update due dates
  intervals    pull remote scheduling into local cards
  lessons      submit locally-mastered lessons upstream
  reviews      submit due local reviews upstream
  next         print when the next review submission would qualify
  unlock       recompute level progression and unlock eligible notes
  watch        run continuously on the configured sync intervals
  clear-cache  forget incremental-sync watermarks, forcing a full refetch
`

func main() {
	flags := pflag.NewFlagSet("wksync", pflag.ExitOnError)
	flags.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		fmt.Fprintln(os.Stderr, "\nflags:")
		flags.PrintDefaults()
	}

	configPath := flags.String("config", "wksync.yaml", "path to the config file")
	colPath := flags.String("collection", "collection.db", "path to the collection database")
	verbose := flags.BoolP("verbose", "v", false, "enable debug logging")
	flags.String("api_token", "", "WaniKani API token (overrides config)")
	flags.Bool("sync_all", false, "fetch the whole subject catalog, not just unlocked subjects")
	flags.Parse(os.Args[1:])

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	command := "sync"
	if args := flags.Args(); len(args) > 0 {
		command = args[0]
	}

	if err := run(command, *configPath, *colPath, flags); err != nil {
		if errors.Is(err, sync.ErrNoAPIToken) {
			slog.Error("no API token configured; set api_token in the config file or pass --api_token")
		} else {
			slog.Error("wksync failed", "command", command, "error", err)
		}
		os.Exit(1)
	}
}

func run(command, configPath, colPath string, flags *pflag.FlagSet) error {
	cfg, err := config.Load(configPath, flags)
	if err != nil {
		return err
	}

	col, err := collection.Open(colPath)
	if err != nil {
		return err
	}
	defer col.Close()

	client := wanikani.NewClient(cfg.APIToken)
	eng := sync.New(client, col, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch command {
	case "sync":
		n, err := eng.DoSync(ctx)
		if err != nil {
			return err
		}
		slog.Info("sync finished", "subjects", n)
	case "intervals":
		n, err := eng.UpdateIntervals(ctx)
		if err != nil {
			return err
		}
		slog.Info("intervals updated", "cards", n)
	case "lessons":
		ts, err := eng.UpstreamAvailableAssignments(ctx, true, false, cfg.LastLessonsSync)
		if err != nil {
			return err
		}
		if err := cfg.SetWatermark("lessons", ts.UTC().Format(time.RFC3339)); err != nil {
			return err
		}
	case "reviews":
		if _, err := eng.UpstreamAvailableAssignments(ctx, false, true, ""); err != nil {
			return err
		}
	case "next":
		next, err := eng.GetNextAssignmentAvailable(ctx)
		if err != nil {
			return err
		}
		fmt.Println(next.Format(time.RFC3339))
	case "unlock":
		unlocks := eng.Unlocks()
		if err := unlocks.UpdateCurrentLevel(); err != nil {
			return err
		}
		if err := unlocks.UnlockEligible(unlocks.WindowLevels()); err != nil {
			return err
		}
	case "watch":
		return watch(ctx, eng, cfg)
	case "clear-cache":
		return eng.ClearCache()
	default:
		return fmt.Errorf("unknown command %q", command)
	}
	return nil
}

// watch runs the timer-driven sync loop until the context is cancelled.
func watch(ctx context.Context, eng *sync.Engine, cfg *config.Store) error {
	loop := promise.NewLoop()
	tm := timers.New(eng, cfg, loop)

	tm.Start()
	if cfg.AutoSync {
		eng.SyncOp(loop).Then(func(n int) (int, error) {
			slog.Info("startup sync finished", "subjects", n)
			return n, nil
		}, func(err error) (int, error) {
			slog.Error("startup sync failed", "error", err)
			return 0, nil
		})
	}

	go func() {
		<-ctx.Done()
		tm.Stop()
		loop.Stop()
	}()

	slog.Info("watching",
		"lessons_interval", cfg.SyncIntervalLessons,
		"due_interval", cfg.SyncIntervalDue)
	loop.Run()
	return nil
}
