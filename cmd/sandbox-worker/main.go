// Package main provides the sandbox-worker entrypoint: the queue consumer
// that downloads binaries, runs connectors and dispatches results.
//
// Usage:
//
//	sandbox-worker run [-config <path>]
package main

import (
	"fmt"
	"os"

	"github.com/hibiken/asynq"
	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/sandbox/cache"
	"github.com/pithecene-io/sandbox/config"
	"github.com/pithecene-io/sandbox/connector"
	"github.com/pithecene-io/sandbox/connector/null"
	"github.com/pithecene-io/sandbox/log"
	"github.com/pithecene-io/sandbox/queue"
	"github.com/pithecene-io/sandbox/sink"
	"github.com/pithecene-io/sandbox/store"
	"github.com/pithecene-io/sandbox/ubs"
	"github.com/pithecene-io/sandbox/worker"
)

func main() {
	app := &cli.App{
		Name:    "sandbox-worker",
		Usage:   "binary analysis sandbox - queue worker",
		Version: "0.1.0",
		Commands: []*cli.Command{
			runCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Consume the sandbox queues",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to config.yml",
				Value: "/etc/sandbox/config.yml",
			},
		},
		Action: runAction,
	}
}

func runAction(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := log.New("sandbox-worker", cfg.LogLevel)

	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = st.Close() }()

	ca, err := cache.New(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}
	defer func() { _ = ca.Close() }()

	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("parse redis url: %w", err)
	}

	enq := queue.NewEnqueuer(redisOpt)
	defer func() { _ = enq.Close() }()

	resolver, err := ubs.New(ubs.Config{
		URL:     cfg.UBS.URL,
		Token:   cfg.UBS.Token,
		Timeout: cfg.UBS.Timeout.Duration,
	}, log.New("ubs", cfg.LogLevel))
	if err != nil {
		return fmt.Errorf("ubs client: %w", err)
	}

	feed, err := buildFeed(cfg)
	if err != nil {
		return err
	}

	registry := buildRegistry(cfg, logger)

	w := worker.New(cfg, logger, st, ca, enq, resolver, feed, registry)
	mux := asynq.NewServeMux()
	w.RegisterHandlers(mux)

	// asynq.Server.Run installs its own SIGINT/SIGTERM handling and blocks
	// until shutdown completes.
	return worker.NewServer(redisOpt, cfg, logger).Run(mux)
}

// buildFeed creates the feed client when any connector dispatches to a
// feed. Without feed sinks the worker never appends reports, so no client
// is needed.
func buildFeed(cfg *config.Config) (worker.Feed, error) {
	feedSinks := false
	for _, s := range cfg.ResultSinks {
		if s.Kind == config.KindFeed {
			feedSinks = true
			break
		}
	}
	if !feedSinks {
		return nil, nil
	}
	if cfg.Feed.URL == "" {
		return nil, fmt.Errorf("feed sinks are configured but feed.url is unset")
	}
	return sink.NewFeedClient(sink.Config{
		URL:     cfg.Feed.URL,
		Token:   cfg.Feed.Token,
		Timeout: cfg.Feed.Timeout.Duration,
	})
}

// buildRegistry registers the built-in connectors. Connectors whose
// configuration fails to load register as unavailable and are skipped at
// fan-out.
func buildRegistry(cfg *config.Config, logger *log.Logger) *connector.Registry {
	registry := connector.NewRegistry(cfg.ConnectorDirs, logger)
	for _, conn := range []connector.Connector{
		null.New(),
	} {
		if err := registry.Register(conn); err != nil {
			logger.Error("cannot register connector", map[string]any{
				"connector": conn.Name(),
				"error":     err.Error(),
			})
		}
	}
	return registry
}
