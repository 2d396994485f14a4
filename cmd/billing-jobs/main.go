// Command billing-jobs runs the periodic billing work for an external scheduler:
//
//	billing-jobs [flags] overdue            mark issued invoices past their due date
//	billing-jobs [flags] dispatch [-follow] deliver pending outbox effects
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"rentflow.io/internal/billing"
	"rentflow.io/internal/config"
	"rentflow.io/internal/obs"
	"rentflow.io/internal/outbox"
	"rentflow.io/internal/store/pg"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "billing-jobs:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := config.Load(args, os.Getenv)
	if err != nil {
		return err
	}
	rest := cfg.Args
	if len(rest) == 0 {
		return errors.New("usage: billing-jobs [flags] overdue|dispatch [-follow]")
	}
	if cfg.PGDSN == "" {
		return errors.New("missing DSN: provide via -dsn or BILLING_PG_DSN")
	}

	logger, err := obs.NewLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	restore := obs.SetLogger(logger.With(zap.String("job", rest[0])))
	defer restore()
	defer func() { _ = logger.Sync() }()
	obs.Init()

	store, err := pg.Open(cfg.PGDSN)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer store.Close()

	collab := pg.NewCollaborators(store.DB())
	svc := billing.NewService(store, collab, collab, collab,
		billing.WithCurrency(cfg.Currency),
		billing.WithProrationDueDays(cfg.ProrationDueDays),
		billing.WithLogger(obs.Logger()),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch rest[0] {
	case "overdue":
		n, err := svc.MarkOverdueInvoices(ctx, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("mark overdue: %w", err)
		}
		obs.Logger().Info("overdue sweep finished", zap.Int("marked", n))
		return nil
	case "dispatch":
		sub := flag.NewFlagSet("dispatch", flag.ContinueOnError)
		follow := sub.Bool("follow", false, "keep dispatching until interrupted")
		if err := sub.Parse(rest[1:]); err != nil {
			return err
		}
		d := outbox.NewDispatcher(store, svc, outbox.Config{
			MediaURL:       cfg.MediaURL,
			NotifyURL:      cfg.NotifyURL,
			InternalAPIKey: cfg.InternalAPIKey,
			BatchSize:      cfg.OutboxBatch,
			MaxAttempts:    cfg.OutboxMaxAttempts,
			Timeout:        cfg.OutboxTimeout,
		})
		if *follow {
			err := d.Run(ctx, cfg.OutboxInterval)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		stats, err := d.RunOnce(ctx)
		obs.Logger().Info("outbox pass finished",
			zap.Int("claimed", stats.Claimed),
			zap.Int("delivered", stats.Delivered),
			zap.Int("skipped", stats.Skipped),
			zap.Int("failed", stats.Failed),
			zap.Int("dead", stats.Dead),
		)
		// Failed deliveries are rescheduled on the effect; only infrastructure errors fail the run.
		if err != nil && stats.Claimed == 0 {
			return err
		}
		return nil
	default:
		return fmt.Errorf("unknown job %q", rest[0])
	}
}
