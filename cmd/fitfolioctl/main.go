package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/Unfixab1e/fitfolio/internal/app"
	"github.com/Unfixab1e/fitfolio/internal/cli"
	"github.com/Unfixab1e/fitfolio/internal/config"
	"github.com/Unfixab1e/fitfolio/internal/queue"
)

func main() {
	var grammar cli.CLI
	kctx := kong.Parse(&grammar, cli.Options()...)
	if err := run(kctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(kctx *kong.Context) error {
	cfg, err := config.Resolve()
	if err != nil {
		return err
	}
	logger, err := app.NewLogger(cfg, "fitfolioctl")
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runCtx := &cli.Context{
		Context: ctx,
		Config:  cfg,
		Logger:  logger,
		Out:     os.Stdout,
		NewPublisher: func() (cli.PublishCloser, error) {
			return queue.NewPublisher(cfg.KafkaBrokers, cfg.SyncRequestTopic), nil
		},
	}

	if cli.NeedsStore(kctx.Command()) {
		a, err := app.New(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()
		runCtx.App = a
	}
	return kctx.Run(runCtx)
}
