package messaging

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/talkincode/wagate/internal/domain"
	"github.com/talkincode/wagate/internal/instance"
	"github.com/talkincode/wagate/pkg/metrics"
	"go.uber.org/zap"
)

// RetryScheduler periodically re-drives failed outbound messages through
// the dispatcher's send path. Messages past the retry ceiling stay
// terminally failed; no sweep selects them again.
type RetryScheduler struct {
	registry   *instance.Registry
	store      *Store
	dispatcher *Dispatcher
	batchSize  int

	running atomic.Bool
}

func NewRetryScheduler(registry *instance.Registry, store *Store, dispatcher *Dispatcher) *RetryScheduler {
	return &RetryScheduler{
		registry:   registry,
		store:      store,
		dispatcher: dispatcher,
		batchSize:  200,
	}
}

// TickRetrySweep runs one sweep. Overlapping ticks are skipped, not queued.
func (r *RetryScheduler) TickRetrySweep() {
	if !r.running.CompareAndSwap(false, true) {
		zap.L().Warn("retry sweep still running, tick skipped")
		return
	}
	defer r.running.Store(false)

	start := time.Now()
	ctx := context.Background()
	msgs, err := r.store.SelectRetryable(ctx, r.batchSize)
	if err != nil {
		zap.L().Error("retry sweep query failed", zap.Error(err))
		return
	}

	var retried, skipped int
	for i := range msgs {
		msg := msgs[i]
		inst, err := r.registry.Get(ctx, msg.InstanceId)
		if err != nil {
			zap.L().Warn("retry sweep: owner lookup failed",
				zap.Int64("message_id", msg.ID), zap.Error(err))
			skipped++
			continue
		}
		// not connected: leave the message for a later sweep
		if inst.Status != domain.InstanceConnected {
			skipped++
			continue
		}

		ok, err := r.store.BeginRetry(ctx, &msg)
		if err != nil {
			zap.L().Error("retry sweep: begin retry failed",
				zap.Int64("message_id", msg.ID), zap.Error(err))
			continue
		}
		if !ok {
			// another sweep won the race
			skipped++
			continue
		}

		if err := r.dispatcher.Resend(ctx, &msg); err != nil {
			// preconditions failing after BeginRetry means no bridge call
			// happened; park the message back on failed for a later sweep
			if errors.Is(err, ErrInstanceNotConnected) || errors.Is(err, instance.ErrQuotaExceeded) {
				if merr := r.store.MarkFailed(ctx, msg.ID, "RETRY_DEFERRED", err.Error()); merr != nil {
					zap.L().Error("retry sweep: defer failed",
						zap.Int64("message_id", msg.ID), zap.Error(merr))
				}
			}
			zap.L().Warn("retry sweep: resend failed",
				zap.Int64("message_id", msg.ID),
				zap.Int("retry_count", msg.RetryCount),
				zap.Error(err))
			continue
		}
		retried++
	}

	metrics.SetGauge("wagate_retry_sweep_selected", int64(len(msgs)))
	metrics.SetGauge("wagate_retry_sweep_retried", int64(retried))
	if len(msgs) > 0 {
		zap.L().Info("retry sweep finished",
			zap.Int("selected", len(msgs)),
			zap.Int("retried", retried),
			zap.Int("skipped", skipped),
			zap.Duration("elapsed", time.Since(start)))
	}
}
