package instance

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/talkincode/wagate/internal/domain"
	"github.com/talkincode/wagate/pkg/metrics"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrQuotaExceeded is surfaced to the caller synchronously and never
// retried automatically.
var ErrQuotaExceeded = errors.New("send quota exceeded")

// QuotaStatus is the result of a pure quota evaluation.
type QuotaStatus struct {
	Used      int64 `json:"used"`
	Limit     int64 `json:"limit"`
	Remaining int64 `json:"remaining"`
	Exceeded  bool  `json:"exceeded"`
}

// DailyRemaining evaluates the daily budget. A zero limit means unlimited.
func DailyRemaining(inst *domain.WaInstance) QuotaStatus {
	return remaining(inst.Quota.DailySent, inst.Quota.DailyLimit)
}

// MonthlyRemaining evaluates the monthly budget.
func MonthlyRemaining(inst *domain.WaInstance) QuotaStatus {
	return remaining(inst.Quota.MonthlySent, inst.Quota.MonthlyLimit)
}

func remaining(used, limit int64) QuotaStatus {
	s := QuotaStatus{Used: used, Limit: limit}
	if limit <= 0 {
		s.Remaining = -1
		return s
	}
	s.Remaining = limit - used
	if s.Remaining < 0 {
		s.Remaining = 0
	}
	s.Exceeded = used >= limit
	return s
}

// QuotaManager owns the reset ticks and the pre-send check. It holds no
// counters itself; the instance row is the source of truth and every write
// goes through the registry's per-instance lock.
type QuotaManager struct {
	db       *gorm.DB
	registry *Registry

	dailyRunning   atomic.Bool
	monthlyRunning atomic.Bool
}

func NewQuotaManager(db *gorm.DB, registry *Registry) *QuotaManager {
	return &QuotaManager{db: db, registry: registry}
}

// Check returns ErrQuotaExceeded when either budget is spent.
func (q *QuotaManager) Check(inst *domain.WaInstance) error {
	if DailyRemaining(inst).Exceeded {
		return errors.Wrapf(ErrQuotaExceeded, "daily %d/%d", inst.Quota.DailySent, inst.Quota.DailyLimit)
	}
	if MonthlyRemaining(inst).Exceeded {
		return errors.Wrapf(ErrQuotaExceeded, "monthly %d/%d", inst.Quota.MonthlySent, inst.Quota.MonthlyLimit)
	}
	return nil
}

// TickDailyReset zeroes daily counters for instances whose last reset
// precedes the current day. Runs at midnight; safe to invoke directly.
func (q *QuotaManager) TickDailyReset() {
	if !q.dailyRunning.CompareAndSwap(false, true) {
		zap.L().Warn("daily quota reset still running, tick skipped")
		return
	}
	defer q.dailyRunning.Store(false)

	now := time.Now()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	q.resetWhere("quota_last_daily_reset_at < ?", dayStart, map[string]interface{}{
		"quota_daily_sent":          0,
		"quota_last_daily_reset_at": now,
	})
	metrics.SetGauge("wagate_quota_daily_reset_at", now.Unix())
}

// TickMonthlyReset is the calendar-boundary variant of the daily reset.
func (q *QuotaManager) TickMonthlyReset() {
	if !q.monthlyRunning.CompareAndSwap(false, true) {
		zap.L().Warn("monthly quota reset still running, tick skipped")
		return
	}
	defer q.monthlyRunning.Store(false)

	now := time.Now()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	q.resetWhere("quota_last_monthly_reset_at < ?", monthStart, map[string]interface{}{
		"quota_monthly_sent":          0,
		"quota_last_monthly_reset_at": now,
	})
}

func (q *QuotaManager) resetWhere(cond string, boundary time.Time, updates map[string]interface{}) {
	var insts []domain.WaInstance
	if err := q.db.Where(cond, boundary).Find(&insts).Error; err != nil {
		zap.L().Error("quota reset query failed", zap.Error(err))
		return
	}
	ctx := context.Background()
	for _, inst := range insts {
		id := inst.ID
		err := q.registry.WithLock(id, func() error {
			// re-read under the lock, a concurrent send may have bumped version
			cur, err := q.registry.Get(ctx, id)
			if err != nil {
				return err
			}
			return q.registry.update(ctx, cur, "", copyUpdates(updates))
		})
		if err != nil {
			zap.L().Error("quota reset failed", zap.Int64("instance_id", id), zap.Error(err))
			continue
		}
	}
	if len(insts) > 0 {
		zap.L().Info("quota counters reset", zap.Int("count", len(insts)))
	}
}

func copyUpdates(src map[string]interface{}) map[string]interface{} {
	dst := make(map[string]interface{}, len(src)+1)
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
