// Package main is the entry point for the Warden host detection engine.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"warden/config"
	"warden/core"
	"warden/detect"
	"warden/storage"
)

var (
	flagConfig string
	flagEvents string
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "warden",
		Short: "Host-based security detection engine",
		Long: "Warden ingests a stream of structured audit events and evaluates them " +
			"against detection rules, including time-windowed aggregation rules.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	}
	cmd.Flags().StringVarP(&flagConfig, "config", "c", "", "path to config file")
	cmd.Flags().StringVarP(&flagEvents, "events", "e", "-", "newline-delimited JSON event stream (\"-\" for stdin)")
	return cmd
}

func newLogger(cfg *config.Config) (*zap.SugaredLogger, error) {
	var zcfg zap.Config
	if cfg.Logging.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	level, err := zapcore.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Logging.Level, err)
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	logger, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger.Sugar(), nil
}

func run(ctx context.Context) error {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := storage.NewSQLite(cfg.Storage.SQLitePath, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	store := storage.NewSQLiteAggregationStore(db, logger)
	aggregator := detect.NewAggregator(store, nil, cfg.Engine.MaxEventsPerRule, logger)
	detector := detect.NewDetector(aggregator, cfg.Engine.AggregateInterval, cfg.Engine.TrimInterval, logger)

	for _, rule := range builtinRules(aggregator, logger) {
		if err := detector.AddRule(rule); err != nil {
			return fmt.Errorf("failed to register rule: %w", err)
		}
	}
	logger.Infow("Rules registered", "count", detector.RuleCount())

	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Errorw("Metrics server failed", "addr", cfg.Metrics.Addr, "error", err)
			}
		}()
		defer srv.Close()
		logger.Infow("Metrics server listening", "addr", cfg.Metrics.Addr)
	}

	detector.Start(ctx)
	defer detector.Stop()

	go func() {
		for match := range detector.Matches() {
			logger.Infow("Correlation fired",
				"date", match.Date,
				"details", match.Details,
				"elapsed", match.Elapsed)
		}
	}()

	return consumeEvents(ctx, detector, logger)
}

// consumeEvents feeds the configured JSONL event source into the detector
func consumeEvents(ctx context.Context, detector *detect.Detector, logger *zap.SugaredLogger) error {
	var in io.Reader
	if flagEvents == "-" {
		in = os.Stdin
	} else {
		f, err := os.Open(flagEvents)
		if err != nil {
			return fmt.Errorf("failed to open event stream: %w", err)
		}
		defer f.Close()
		in = f
	}

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		event := core.NewEvent()
		if err := json.Unmarshal(line, event); err != nil {
			logger.Warnw("Skipping malformed event", "error", err)
			continue
		}
		if event.Timestamp.IsZero() {
			event.Timestamp = time.Now().UTC()
		}

		matches, err := detector.ProcessEvent(ctx, event)
		if err != nil {
			logger.Errorw("Event processing failed", "eventID", event.EventID, "error", err)
			continue
		}
		for _, match := range matches {
			logger.Infow("Rule matched",
				"date", match.Date,
				"details", match.Details,
				"elapsed", match.Elapsed)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("event stream read failed: %w", err)
	}

	// stream exhausted; give pending correlations one final pass
	for _, match := range detector.RunAggregates(ctx) {
		logger.Infow("Correlation fired", "date", match.Date, "details", match.Details)
	}
	return nil
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
