package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Orchestrator runs the long-lived worker loops: the snapshot consumer and,
// when configured, the scheduled ledger export.
type Orchestrator struct {
	consumer   *Consumer
	exporter   *Exporter
	exportCron string
	logger     *slog.Logger
}

// NewOrchestrator creates an Orchestrator. exporter may be nil.
func NewOrchestrator(consumer *Consumer, exporter *Exporter, exportCron string, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		consumer:   consumer,
		exporter:   exporter,
		exportCron: exportCron,
		logger:     logger.With(slog.String("component", "orchestrator")),
	}
}

// Run starts every loop in an errgroup. A loop failing for any reason other
// than cancellation stops the others and is returned.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("orchestrator: starting", slog.String("export_cron", o.exportCron))

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := o.consumer.Run(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			return fmt.Errorf("consumer: exited unexpectedly")
		}
		return fmt.Errorf("consumer: %w", err)
	})

	if o.exporter != nil && o.exportCron != "" {
		g.Go(func() error {
			err := o.exporter.RunCron(ctx, o.exportCron)
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("exporter: %w", err)
		})
	}

	if err := g.Wait(); err != nil {
		o.logger.Error("orchestrator: stopped with error", slog.String("error", err.Error()))
		return err
	}
	o.logger.Info("orchestrator: stopped cleanly")
	return nil
}
