package workflow

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// SweepExpired expires every open request past its deadline and returns how
// many it changed. Requests that turn out to be terminal already are skipped.
// Only a failure to list candidates is returned.
func (e *Engine) SweepExpired(ctx context.Context) (processed int, err error) {
	ctx, span := e.startSpan(ctx, "SweepExpired")
	defer func() { endSpan(span, err) }()

	ids, err := e.repo.ListExpirable(ctx, e.now())
	if err != nil {
		return 0, fmt.Errorf("list expirable requests: %w", err)
	}
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		changed, err := e.sweepOne(ctx, id)
		if err != nil {
			e.logger.Warn("expire request failed", zap.String("request_id", id), zap.Error(err))
			continue
		}
		if changed {
			processed++
		}
	}
	return processed, nil
}

func (e *Engine) sweepOne(ctx context.Context, requestID string) (bool, error) {
	unlock := e.locks.Lock(requestID)
	defer unlock()

	req, err := e.load(ctx, requestID)
	if err != nil {
		return false, err
	}
	return e.expireIfDue(ctx, &req)
}

// RunSweeper calls SweepExpired every interval until ctx is done.
func (e *Engine) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := e.clock.NewTicker(interval)
	defer ticker.Stop()

	e.logger.Info("expiry sweeper started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("expiry sweeper stopped")
			return
		case <-ticker.Chan():
			count, err := e.SweepExpired(ctx)
			if err != nil {
				e.logger.Error("expiry sweep failed", zap.Error(err))
				continue
			}
			if count > 0 {
				e.logger.Info("expiry sweep finished", zap.Int("expired", count))
			}
		}
	}
}
