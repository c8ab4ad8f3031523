// Package main is the entry point for the sygnal intraday signal engine.
//
// The binary exposes the full pipeline as one-shot subcommands for operators
// and cron, plus `serve`, which runs the scheduler, worker pool, dispatcher,
// and operational HTTP server until interrupted. Every subcommand wires the
// same dependency container, so a manual `collect` writes to the same
// databases the daemon reads.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"github.com/wojtczak/sygnal/internal/config"
	"github.com/wojtczak/sygnal/internal/di"
	"github.com/wojtczak/sygnal/internal/domain"
	"github.com/wojtczak/sygnal/internal/modules/signals"
	"github.com/wojtczak/sygnal/pkg/logger"
)

// Exit codes by failure family. Operators and cron alert on these.
const (
	exitOK        = 0 // success
	exitConfig    = 1 // configuration or usage error
	exitTransient = 2 // external source or delivery failure, retry later
	exitInvariant = 3 // data integrity violation, needs investigation
)

const usage = `sygnal - intraday trading signals for the Warsaw Stock Exchange

Usage: sygnal <command> [flags]

Commands:
  collect             poll price and news sources once, classify new articles
  compute-indicators  recompute indicator snapshots for monitored symbols
  generate-signals    run one generation pass (--all-monitored | --symbol X)
  dispatch            deliver undispatched signals over configured channels
  resolve-outcomes    settle open signals against collected bars
  status              print database, schedule, session, and outcome state
  serve               run the full engine until SIGINT/SIGTERM
`

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return exitConfig
	}
	command := args[0]
	if command == "help" || command == "-h" || command == "--help" {
		fmt.Print(usage)
		return exitOK
	}

	cfg, err := config.Load()
	if err != nil {
		fallback := logger.New(logger.Config{Level: "info", Pretty: true})
		fallback.Error().Err(err).Msg("Failed to load configuration")
		return exitConfig
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty})

	store := config.NewStore(cfg)
	container, err := di.Wire(store, log)
	if err != nil {
		log.Error().Err(err).Msg("Failed to wire dependencies")
		return exitConfig
	}
	defer container.Close()

	ctx := context.Background()

	switch command {
	case "collect":
		return cmdCollect(ctx, container, log)
	case "compute-indicators":
		return cmdComputeIndicators(ctx, container, log)
	case "generate-signals":
		return cmdGenerateSignals(ctx, container, log, args[1:])
	case "dispatch":
		return cmdDispatch(ctx, container, log)
	case "resolve-outcomes":
		return cmdResolveOutcomes(ctx, container, log)
	case "status":
		return cmdStatus(ctx, container)
	case "serve":
		return cmdServe(container, cfg, log)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", command, usage)
		return exitConfig
	}
}

// exitCode maps an error to the documented exit code families.
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	switch domain.KindOf(err) {
	case domain.KindTransient:
		return exitTransient
	case domain.KindInvariant:
		return exitInvariant
	default:
		return exitConfig
	}
}

// cmdCollect runs one acquisition pass: prices for every monitored symbol,
// every enabled news feed, then classification of whatever arrived. Stages
// are independent; a dead price source must not starve the news pipeline.
func cmdCollect(ctx context.Context, container *di.Container, log zerolog.Logger) int {
	var firstErr error

	prices, err := container.PriceCollector.CollectAll(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Price collection failed")
		firstErr = err
	} else {
		log.Info().
			Int("symbols", prices.Symbols).
			Int("inserted", prices.Inserted).
			Int("failures", prices.Failures).
			Msg("Price collection finished")
	}

	articles, err := container.NewsCollector.Collect(ctx, di.EnabledFeeds(container.Store.Current()))
	if err != nil {
		log.Error().Err(err).Msg("News collection failed")
		if firstErr == nil {
			firstErr = err
		}
	} else {
		log.Info().
			Int("feeds", articles.Feeds).
			Int("inserted", articles.Inserted).
			Int("failures", articles.Failures).
			Msg("News collection finished")
	}

	classified, err := container.Sentiment.ClassifyPending(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Classification failed")
		if firstErr == nil {
			firstErr = err
		}
	} else {
		log.Info().
			Int("pending", classified.Pending).
			Int("classified", classified.Classified).
			Int("failures", classified.Failures).
			Msg("Classification finished")
	}

	return exitCode(firstErr)
}

func cmdComputeIndicators(ctx context.Context, container *di.Container, log zerolog.Logger) int {
	stats, err := container.Indicators.ComputeAll(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Indicator computation failed")
		return exitCode(err)
	}
	log.Info().
		Int("symbols", stats.Symbols).
		Int("computed", stats.Computed).
		Int("skipped", stats.Skipped).
		Int("failures", stats.Failures).
		Msg("Indicator computation finished")
	return exitOK
}

func cmdGenerateSignals(ctx context.Context, container *di.Container, log zerolog.Logger, args []string) int {
	fs := flag.NewFlagSet("generate-signals", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	allMonitored := fs.Bool("all-monitored", false, "generate for every monitored symbol")
	symbol := fs.String("symbol", "", "generate for a single symbol")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}
	if *allMonitored == (*symbol != "") {
		fmt.Fprintln(os.Stderr, "generate-signals requires exactly one of --all-monitored or --symbol")
		return exitConfig
	}

	var (
		stats signals.Stats
		err   error
	)
	if *allMonitored {
		stats, err = container.Signals.GenerateAll(ctx)
	} else {
		stats, err = container.Signals.GenerateFor(ctx, []string{strings.ToUpper(*symbol)})
	}
	if err != nil {
		log.Error().Err(err).Msg("Signal generation failed")
		return exitCode(err)
	}
	if stats.WindowClosed {
		log.Info().Msg("Outside the entry window, nothing generated")
		return exitOK
	}
	log.Info().
		Int("users", stats.Users).
		Int("symbols", stats.Symbols).
		Int("generated", stats.Generated).
		Int("superseded", stats.Superseded).
		Int("holds", stats.Holds).
		Int("filtered", stats.Filtered).
		Int("failures", stats.Failures).
		Msg("Signal generation finished")
	return exitOK
}

func cmdDispatch(ctx context.Context, container *di.Container, log zerolog.Logger) int {
	stats, err := container.Dispatcher.Sweep(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Dispatch sweep failed")
		return exitCode(err)
	}
	log.Info().
		Int("signals", stats.Signals).
		Int("dispatched", stats.Dispatched).
		Int("sent", stats.Sent).
		Int("retrying", stats.Retrying).
		Int("failed", stats.Failed).
		Msg("Dispatch sweep finished")
	if stats.Retrying > 0 {
		return exitTransient
	}
	return exitOK
}

func cmdResolveOutcomes(ctx context.Context, container *di.Container, log zerolog.Logger) int {
	stats, err := container.Tracker.Resolve(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Outcome resolution failed")
		return exitCode(err)
	}
	log.Info().
		Int("checked", stats.Checked).
		Int("target_hits", stats.TargetHits).
		Int("stop_hits", stats.StopHits).
		Int("still_open", stats.StillOpen).
		Int("failures", stats.Failures).
		Msg("Outcome resolution finished")
	return exitOK
}
