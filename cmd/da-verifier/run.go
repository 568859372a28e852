package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/devblac/da-verifier/internal/config"
	"github.com/devblac/da-verifier/internal/feed"
	"github.com/devblac/da-verifier/internal/health"
	"github.com/devblac/da-verifier/internal/logging"
	"github.com/devblac/da-verifier/internal/metrics"
	"github.com/devblac/da-verifier/internal/node"
	"github.com/devblac/da-verifier/internal/stream"
	"github.com/devblac/da-verifier/internal/verifier"
	"github.com/devblac/da-verifier/internal/watcher"
)

var (
	flagOnce      bool
	flagLocalNode bool
	flagHealth    string
	flagMetrics   string
)

func init() {
	runCmd.Flags().BoolVar(&flagOnce, "once", false, "Process one feed page and exit")
	runCmd.Flags().BoolVar(&flagLocalNode, "local-node", false, "Verify against a local anvil fork of the configured node")
	runCmd.Flags().StringVar(&flagHealth, "health", "", "Health check HTTP address (e.g., :8080)")
	runCmd.Flags().StringVar(&flagMetrics, "metrics", "", "Metrics HTTP address (e.g., :9090)")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the verifier node",
	RunE: func(cmd *cobra.Command, args []string) error {
		logLevel := os.Getenv("LOG_LEVEL")
		if logLevel == "" {
			logLevel = "info"
		}
		log := logging.NewWithLevel(logLevel)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		holder := node.NewHolder(node.Config{
			Environment: cfg.Node.Environment,
			Deployment:  cfg.Node.Deployment,
			URL:         cfg.Node.URL,
		})
		clients := node.NewClients(nil)
		defer clients.Close()

		feedClient, err := feed.NewClient(cfg.Feed.URL, cfg.Feed.Timeout.Std())
		if err != nil {
			return err
		}
		checker := verifier.NewDAChecker(verifier.NewGatewayFetcher(cfg.Feed.GatewayURL, cfg.Feed.Timeout.Std()), clients)
		pool := verifier.NewPool(checker, clients, verifier.PoolOptions{
			Concurrency: cfg.Watcher.Concurrency,
			Log:         log,
		})

		var mtr *metrics.Metrics
		if flagMetrics != "" {
			mtr = metrics.Init()
			log.Info("metrics enabled", "addr", flagMetrics)
		}

		sink, closeSink, err := buildSink(cfg.Stream, log, mtr)
		if err != nil {
			return err
		}
		defer closeSink()

		useLocal := flagLocalNode || cfg.Node.Local
		vn, err := watcher.Bootstrap(ctx, holder, cfg.Global.DBPath, useLocal, watcher.StartOptions{
			Feed:     feedClient,
			Verifier: pool,
			Watcher: watcher.Options{
				BatchSize:        cfg.Watcher.BatchSize,
				IdleDelay:        cfg.Watcher.IdleDelay.Std(),
				ErrorDelay:       cfg.Watcher.ErrorDelay.Std(),
				RetryDelay:       cfg.Watcher.RetryDelay.Std(),
				MaxRetryAttempts: cfg.Watcher.MaxRetryAttempts,
				Sink:             sink,
			},
			RetryWorkers: cfg.Watcher.RetryWorkers,
			Local:        node.LocalOptions{URL: cfg.Node.LocalURL},
			Log:          log,
			Metrics:      mtr,
		})
		if err != nil {
			return err
		}
		defer vn.Close()

		if flagHealth != "" {
			healthSrv := health.Serve(flagHealth, health.Checker{
				DBPing:   vn.Store.Ping,
				NodePing: health.NewNodeChecker(holder, clients).Ping,
				FeedPing: feedClient.Ping,
			})
			log.Info("health check enabled", "addr", flagHealth)
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = health.Shutdown(shutdownCtx, healthSrv)
			}()
		}

		if flagMetrics != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			srv := &http.Server{Addr: flagMetrics, Handler: mux, ReadHeaderTimeout: 3 * time.Second}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("metrics server error", "error", err)
				}
			}()
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()
		}

		log.Info("DA verification watcher started",
			"environment", cfg.Node.Environment,
			"deployment", cfg.Node.Deployment,
			"local_node", useLocal,
		)
		if flagOnce {
			return vn.Watcher.Step(ctx)
		}
		if err := vn.Watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		log.Info("verifier node stopped", "cursor", vn.Watcher.Cursor())
		return nil
	},
}

// buildSink returns the configured outcome stream and a func that flushes it.
func buildSink(cfg config.StreamConfig, log *slog.Logger, mtr *metrics.Metrics) (verifier.Sink, func(), error) {
	switch strings.ToLower(cfg.Type) {
	case "webhook":
		sender, err := stream.NewWebhookSender(cfg.URL, "", cfg.Template, cfg.Timeout.Std(), nil)
		if err != nil {
			return nil, nil, err
		}
		ch := stream.NewChannel(sender, cfg.Buffer, log.With("component", "stream"))
		filtered, err := stream.NewFilter(ch, cfg.Where, cfg.RateLimit)
		if err != nil {
			ch.Close()
			return nil, nil, fmt.Errorf("stream where: %w", err)
		}
		return filtered, func() {
			ch.Close()
			if dropped := ch.Dropped(); dropped > 0 {
				mtr.StreamDropped(int(dropped))
				log.Warn("stream outcomes dropped", "count", dropped)
			}
			if limited := filtered.Limited(); limited > 0 {
				log.Warn("stream outcomes rate limited", "count", limited)
			}
		}, nil
	default:
		return stream.Nop{}, func() {}, nil
	}
}
