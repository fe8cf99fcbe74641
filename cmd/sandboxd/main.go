// Package main provides the sandboxd entrypoint: the HTTP front end plus
// the cron scheduler for saved-query ingestion.
//
// Usage:
//
//	sandboxd serve [-config <path>]
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/sandbox/api"
	"github.com/pithecene-io/sandbox/config"
	"github.com/pithecene-io/sandbox/log"
	"github.com/pithecene-io/sandbox/queue"
	"github.com/pithecene-io/sandbox/scheduler"
	"github.com/pithecene-io/sandbox/store"
)

func main() {
	app := &cli.App{
		Name:    "sandboxd",
		Usage:   "binary analysis sandbox - HTTP front end and query scheduler",
		Version: "0.1.0",
		Commands: []*cli.Command{
			serveCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the HTTP API and run the query scheduler",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to config.yml",
				Value: "/etc/sandbox/config.yml",
			},
		},
		Action: serveAction,
	}
}

func serveAction(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := log.New("sandboxd", cfg.LogLevel)

	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = st.Close() }()

	ctx := context.Background()
	if err := st.Ping(ctx); err != nil {
		return fmt.Errorf("database unreachable: %w", err)
	}
	if err := st.InitSchema(ctx); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}

	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("parse redis url: %w", err)
	}

	enq := queue.NewEnqueuer(redisOpt)
	defer func() { _ = enq.Close() }()

	inspector := queue.NewInspector(redisOpt)
	defer func() { _ = inspector.Close() }()

	sched := scheduler.New(enq, log.New("scheduler", cfg.LogLevel))
	sched.Start()
	defer sched.Stop()

	srv := api.New(api.Addr(cfg.HTTPHost, cfg.HTTPPort), logger, st, enq, sched, inspector)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info("shutting down", map[string]any{"signal": sig.String()})
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
