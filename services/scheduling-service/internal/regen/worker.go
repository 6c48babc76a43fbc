// Package regen keeps every active config generated over the rolling horizon.
package regen

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/kairos-labs/slotkeeper/services/scheduling-service/internal/generation"
	"github.com/kairos-labs/slotkeeper/services/scheduling-service/internal/model"
)

type ConfigLister interface {
	ListActiveConfigs(ctx context.Context) ([]model.AvailabilityConfig, error)
}

type Generator interface {
	GenerateHorizon(ctx context.Context, configID string, days int, force bool) (generation.Result, error)
}

type Config struct {
	// Schedule is a standard five-field cron expression.
	Schedule    string
	HorizonDays int
}

type Worker struct {
	configs ConfigLister
	gen     Generator
	logger  *slog.Logger
	cfg     Config
}

func NewWorker(configs ConfigLister, gen Generator, logger *slog.Logger, cfg Config) *Worker {
	if cfg.Schedule == "" {
		cfg.Schedule = "15 * * * *"
	}
	if cfg.HorizonDays <= 0 {
		cfg.HorizonDays = 14
	}
	return &Worker{configs: configs, gen: gen, logger: logger, cfg: cfg}
}

type Summary struct {
	Configs   int
	Generated int
	Failed    int
}

// RunOnce extends every active config to the horizon without forcing, so days that already
// hold slots are untouched. One failing config does not stop the others.
func (w *Worker) RunOnce(ctx context.Context) (Summary, error) {
	var sum Summary
	configs, err := w.configs.ListActiveConfigs(ctx)
	if err != nil {
		return sum, err
	}
	for _, cfg := range configs {
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}
		sum.Configs++
		res, err := w.gen.GenerateHorizon(ctx, cfg.ID, w.cfg.HorizonDays, false)
		if err != nil {
			sum.Failed++
			w.logger.Error("horizon regeneration failed", "err", err, "config_id", cfg.ID)
			continue
		}
		sum.Generated += res.Generated
	}
	return sum, nil
}

// Run schedules RunOnce on the cron expression until ctx ends. A run that overlaps the
// next tick causes that tick to be skipped.
func (w *Worker) Run(ctx context.Context) error {
	logger := cronLogger{w.logger}
	c := cron.New(cron.WithLogger(logger), cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))

	if _, err := c.AddFunc(w.cfg.Schedule, func() {
		sum, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("regeneration run failed", "err", err)
			return
		}
		w.logger.Info("regeneration run complete", "configs", sum.Configs, "generated", sum.Generated, "failed", sum.Failed)
	}); err != nil {
		return err
	}
	c.Start()
	<-ctx.Done()
	// Stop's context ends once a running job has returned.
	<-c.Stop().Done()
	return nil
}

type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error(msg, append([]any{"err", err}, keysAndValues...)...)
}
