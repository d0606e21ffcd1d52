// Package sweeper runs the clock-driven transitions: expiring lapsed
// payment windows and completing appointments whose end time passed.
package sweeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/nadim-ashraf/bookflow/internal/engine"
)

type Worker struct {
	engine   *engine.Engine
	logger   *slog.Logger
	interval time.Duration
}

type Config struct {
	Interval time.Duration
}

func NewWorker(eng *engine.Engine, logger *slog.Logger, cfg Config) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	return &Worker{
		engine:   eng,
		logger:   logger,
		interval: cfg.Interval,
	}
}

func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

// tick runs both passes. Each transition re-checks status under its row
// lock, so racing a landing payment or a manual transition is harmless.
func (w *Worker) tick(ctx context.Context) {
	expired, err := w.engine.ExpirePayments(ctx)
	if err != nil {
		w.logger.Error("payment expiry sweep failed", "err", err)
	} else if expired > 0 {
		w.logger.Info("expired lapsed payment windows", "count", expired)
	}

	completed, err := w.engine.CompletePast(ctx)
	if err != nil {
		w.logger.Error("completion sweep failed", "err", err)
	} else if completed > 0 {
		w.logger.Info("completed past appointments", "count", completed)
	}
}
