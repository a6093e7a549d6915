// Package instance owns the persisted instance records and their state
// machine. All mutations go through the Registry so per-instance update
// serialization and the transition guard cannot be bypassed.
package instance

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/talkincode/wagate/internal/domain"
	"github.com/talkincode/wagate/pkg/common"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrNotFound          = errors.New("instance not found")
	ErrDuplicateName     = errors.New("instance name already exists")
	ErrInvalidTransition = errors.New("invalid instance transition")
	// ErrConflict means a concurrent writer applied first; the caller's
	// picture of the row is stale and should be re-read.
	ErrConflict = errors.New("instance update conflict")
)

// Event drives the instance state machine.
type Event string

const (
	EventQRIssued  Event = "qr_issued" // creating -> waiting_qr
	EventPaired    Event = "paired"    // waiting_qr -> connected
	EventDropped   Event = "dropped"   // connected -> disconnected
	EventReconnect Event = "reconnect" // disconnected -> creating
	EventFailure   Event = "failure"   // * -> error
	EventSuspend   Event = "suspend"   // * -> suspended
)

var eventTargets = map[Event]string{
	EventQRIssued:  domain.InstanceWaitingQR,
	EventPaired:    domain.InstanceConnected,
	EventDropped:   domain.InstanceDisconnected,
	EventReconnect: domain.InstanceCreating,
	EventFailure:   domain.InstanceError,
	EventSuspend:   domain.InstanceSuspended,
}

// eventSources lists the states an event may fire from; a nil entry means
// any state other than the target itself.
var eventSources = map[Event][]string{
	EventQRIssued:  {domain.InstanceCreating},
	EventPaired:    {domain.InstanceWaitingQR},
	EventDropped:   {domain.InstanceConnected},
	EventReconnect: {domain.InstanceDisconnected},
	EventFailure:   nil,
	EventSuspend:   nil,
}

// Registry is the single writer for wa_instance rows.
type Registry struct {
	db *gorm.DB

	locksMu sync.Mutex
	locks   map[int64]*sync.Mutex
}

func NewRegistry(db *gorm.DB) *Registry {
	return &Registry{db: db, locks: make(map[int64]*sync.Mutex)}
}

// lockFor returns the mutex serializing updates to one instance row.
func (r *Registry) lockFor(id int64) *sync.Mutex {
	r.locksMu.Lock()
	defer r.locksMu.Unlock()
	l, ok := r.locks[id]
	if !ok {
		l = &sync.Mutex{}
		r.locks[id] = l
	}
	return l
}

// WithLock runs fn while holding the instance's update lock. The quota
// reset task and the dispatcher's counter increments share this lock so
// check and reset cannot race.
func (r *Registry) WithLock(id int64, fn func() error) error {
	l := r.lockFor(id)
	l.Lock()
	defer l.Unlock()
	return fn()
}

// Create registers a new instance in status creating with a fresh webhook
// token and the supplied quota limits.
func (r *Registry) Create(ctx context.Context, nodeId int64, name, phone string, dailyLimit, monthlyLimit int64) (*domain.WaInstance, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&domain.WaInstance{}).Where("name = ?", name).Count(&count).Error; err != nil {
		return nil, errors.Wrap(err, "query instance name")
	}
	if count > 0 {
		return nil, ErrDuplicateName
	}
	now := time.Now()
	inst := &domain.WaInstance{
		ID:            common.UUIDint64(),
		NodeId:        nodeId,
		Name:          name,
		Phone:         phone,
		Token:         common.RandomToken(48),
		Status:        domain.InstanceCreating,
		AutoReconnect: true,
		Version:       1,
		Quota: domain.InstanceQuota{
			DailyLimit:         dailyLimit,
			MonthlyLimit:       monthlyLimit,
			LastDailyResetAt:   now,
			LastMonthlyResetAt: now,
		},
	}
	if err := r.db.WithContext(ctx).Create(inst).Error; err != nil {
		// a concurrent create (or a soft-deleted row) can hold the unique
		// name index even though the pre-check saw nothing
		var dup int64
		r.db.WithContext(ctx).Unscoped().Model(&domain.WaInstance{}).
			Where("name = ?", name).Count(&dup)
		if dup > 0 {
			return nil, ErrDuplicateName
		}
		return nil, errors.Wrap(err, "create instance")
	}
	return inst, nil
}

func (r *Registry) Get(ctx context.Context, id int64) (*domain.WaInstance, error) {
	var inst domain.WaInstance
	err := r.db.WithContext(ctx).First(&inst, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &inst, nil
}

func (r *Registry) GetByName(ctx context.Context, name string) (*domain.WaInstance, error) {
	var inst domain.WaInstance
	err := r.db.WithContext(ctx).Where("name = ?", name).First(&inst).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &inst, nil
}

func (r *Registry) GetByToken(ctx context.Context, token string) (*domain.WaInstance, error) {
	var inst domain.WaInstance
	err := r.db.WithContext(ctx).Where("token = ?", token).First(&inst).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &inst, nil
}

// ListByStatus returns all instances currently in one of the given states.
func (r *Registry) ListByStatus(ctx context.Context, statuses ...string) ([]domain.WaInstance, error) {
	var insts []domain.WaInstance
	err := r.db.WithContext(ctx).Where("status IN ?", statuses).Find(&insts).Error
	return insts, err
}

// Remove soft-deletes the instance; message rows keep referencing it.
func (r *Registry) Remove(ctx context.Context, id int64) error {
	return r.WithLock(id, func() error {
		res := r.db.WithContext(ctx).Delete(&domain.WaInstance{}, id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// update applies a guarded write: the row must still be at the observed
// version (and status, when fromStatus is non-empty). The version column
// advances on every applied update so the poll and webhook paths can detect
// and discard stale pictures of the same instance.
func (r *Registry) update(ctx context.Context, inst *domain.WaInstance, fromStatus string, updates map[string]interface{}) error {
	updates["version"] = inst.Version + 1
	q := r.db.WithContext(ctx).Model(&domain.WaInstance{}).
		Where("id = ? AND version = ?", inst.ID, inst.Version)
	if fromStatus != "" {
		q = q.Where("status = ?", fromStatus)
	}
	res := q.Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}

// Transition applies one state-machine event to the instance. Any request
// outside the transition table fails with ErrInvalidTransition and is
// logged, never applied.
func (r *Registry) Transition(ctx context.Context, id int64, event Event, reason string) (*domain.WaInstance, error) {
	target, ok := eventTargets[event]
	if !ok {
		return nil, errors.Wrapf(ErrInvalidTransition, "unknown event %q", event)
	}
	var out *domain.WaInstance
	err := r.WithLock(id, func() error {
		inst, err := r.Get(ctx, id)
		if err != nil {
			return err
		}
		if !transitionAllowed(event, inst.Status) {
			zap.L().Warn("instance transition rejected",
				zap.Int64("instance_id", id),
				zap.String("from", inst.Status),
				zap.String("to", target),
				zap.String("event", string(event)),
				zap.String("reason", reason))
			return errors.Wrapf(ErrInvalidTransition, "%s -> %s", inst.Status, target)
		}

		now := time.Now()
		updates := map[string]interface{}{"status": target}
		switch target {
		case domain.InstanceConnected:
			// a successful pairing wipes the failure history
			updates["reconnect_attempts"] = 0
			updates["error_count"] = 0
			updates["poll_failures"] = 0
			updates["qr_code"] = ""
			updates["qr_expires_at"] = time.Time{}
			updates["last_seen_at"] = now
		case domain.InstanceDisconnected:
			updates["stat_connection_drops"] = gorm.Expr("stat_connection_drops + 1")
			updates["qr_code"] = ""
			updates["qr_expires_at"] = time.Time{}
			if reason != "" {
				updates["last_error"] = reason
				updates["last_error_at"] = now
			}
		case domain.InstanceError:
			updates["error_count"] = gorm.Expr("error_count + 1")
			updates["last_error"] = reason
			updates["last_error_at"] = now
		case domain.InstanceCreating:
			updates["qr_code"] = ""
			updates["qr_expires_at"] = time.Time{}
		}

		if err := r.update(ctx, inst, inst.Status, updates); err != nil {
			return err
		}
		zap.L().Info("instance transition applied",
			zap.Int64("instance_id", id),
			zap.String("from", inst.Status),
			zap.String("to", target),
			zap.String("reason", reason))
		out, err = r.Get(ctx, id)
		return err
	})
	return out, err
}

func transitionAllowed(event Event, from string) bool {
	target := eventTargets[event]
	if from == target {
		return false
	}
	sources := eventSources[event]
	if sources == nil {
		return true
	}
	for _, s := range sources {
		if s == from {
			return true
		}
	}
	return false
}

// SetQR stores fresh QR material and moves the instance to waiting_qr.
// QR material only exists while pairing; any other state rejects it.
func (r *Registry) SetQR(ctx context.Context, id int64, code string, expiresAt time.Time) error {
	return r.WithLock(id, func() error {
		inst, err := r.Get(ctx, id)
		if err != nil {
			return err
		}
		switch inst.Status {
		case domain.InstanceCreating, domain.InstanceWaitingQR:
		default:
			zap.L().Warn("qr update rejected",
				zap.Int64("instance_id", id), zap.String("status", inst.Status))
			return errors.Wrapf(ErrInvalidTransition, "%s -> %s", inst.Status, domain.InstanceWaitingQR)
		}
		return r.update(ctx, inst, inst.Status, map[string]interface{}{
			"status":        domain.InstanceWaitingQR,
			"qr_code":       code,
			"qr_expires_at": expiresAt,
		})
	})
}

// MarkSeen records a healthy poll observation.
func (r *Registry) MarkSeen(ctx context.Context, id int64) error {
	return r.WithLock(id, func() error {
		inst, err := r.Get(ctx, id)
		if err != nil {
			return err
		}
		return r.update(ctx, inst, "", map[string]interface{}{
			"last_seen_at":  time.Now(),
			"poll_failures": 0,
		})
	})
}

// IncrPollFailures bumps the consecutive transport-failure counter and
// returns the new count.
func (r *Registry) IncrPollFailures(ctx context.Context, id int64) (int, error) {
	var failures int
	err := r.WithLock(id, func() error {
		inst, err := r.Get(ctx, id)
		if err != nil {
			return err
		}
		failures = inst.PollFailures + 1
		return r.update(ctx, inst, "", map[string]interface{}{"poll_failures": failures})
	})
	return failures, err
}

// IncrReconnectAttempts bumps the reconnect counter and returns the new
// value. Callers must check the ceiling before issuing a bridge restart.
func (r *Registry) IncrReconnectAttempts(ctx context.Context, id int64) (int, error) {
	var attempts int
	err := r.WithLock(id, func() error {
		inst, err := r.Get(ctx, id)
		if err != nil {
			return err
		}
		attempts = inst.ReconnectAttempts + 1
		return r.update(ctx, inst, "", map[string]interface{}{"reconnect_attempts": attempts})
	})
	return attempts, err
}

// DisableAutoReconnect parks the instance after the reconnect ceiling.
func (r *Registry) DisableAutoReconnect(ctx context.Context, id int64, reason string) error {
	return r.WithLock(id, func() error {
		inst, err := r.Get(ctx, id)
		if err != nil {
			return err
		}
		return r.update(ctx, inst, "", map[string]interface{}{
			"auto_reconnect": false,
			"last_error":     reason,
			"last_error_at":  time.Now(),
		})
	})
}

// SetQuotaLimits applies externally-owned budget limits. Counters and
// reset stamps are untouched; a lowered limit takes effect on the next
// quota check.
func (r *Registry) SetQuotaLimits(ctx context.Context, id int64, dailyLimit, monthlyLimit int64) error {
	return r.WithLock(id, func() error {
		inst, err := r.Get(ctx, id)
		if err != nil {
			return err
		}
		return r.update(ctx, inst, "", map[string]interface{}{
			"quota_daily_limit":   dailyLimit,
			"quota_monthly_limit": monthlyLimit,
		})
	})
}

// EnableAutoReconnect re-arms automatic reconnection and zeroes the
// attempt counter so the next sweep starts a fresh budget.
func (r *Registry) EnableAutoReconnect(ctx context.Context, id int64) error {
	return r.WithLock(id, func() error {
		inst, err := r.Get(ctx, id)
		if err != nil {
			return err
		}
		return r.update(ctx, inst, "", map[string]interface{}{
			"auto_reconnect":     true,
			"reconnect_attempts": 0,
		})
	})
}

// ReserveSend consumes one unit of both budgets ahead of the bridge call.
// The check and the increment happen under the instance lock, so two
// concurrent sends cannot jointly pass a nearly spent budget. A failed
// delivery returns the unit through ReleaseSend. Together with ReleaseSend
// this is the only write path for quota_daily_sent and quota_monthly_sent;
// the reset ticks go through the same lock.
func (r *Registry) ReserveSend(ctx context.Context, id int64) error {
	return r.WithLock(id, func() error {
		inst, err := r.Get(ctx, id)
		if err != nil {
			return err
		}
		if DailyRemaining(inst).Exceeded {
			return errors.Wrapf(ErrQuotaExceeded, "daily %d/%d",
				inst.Quota.DailySent, inst.Quota.DailyLimit)
		}
		if MonthlyRemaining(inst).Exceeded {
			return errors.Wrapf(ErrQuotaExceeded, "monthly %d/%d",
				inst.Quota.MonthlySent, inst.Quota.MonthlyLimit)
		}
		return r.update(ctx, inst, "", map[string]interface{}{
			"quota_daily_sent":   inst.Quota.DailySent + 1,
			"quota_monthly_sent": inst.Quota.MonthlySent + 1,
		})
	})
}

// ReleaseSend returns one reserved unit after a delivery that never got a
// bridge acknowledgement.
func (r *Registry) ReleaseSend(ctx context.Context, id int64) error {
	return r.WithLock(id, func() error {
		inst, err := r.Get(ctx, id)
		if err != nil {
			return err
		}
		daily, monthly := inst.Quota.DailySent, inst.Quota.MonthlySent
		if daily > 0 {
			daily--
		}
		if monthly > 0 {
			monthly--
		}
		return r.update(ctx, inst, "", map[string]interface{}{
			"quota_daily_sent":   daily,
			"quota_monthly_sent": monthly,
		})
	})
}

// RecordSend advances the stat counters after a bridge acknowledgement.
// Quota consumption already happened in ReserveSend.
func (r *Registry) RecordSend(ctx context.Context, id int64) error {
	return r.WithLock(id, func() error {
		inst, err := r.Get(ctx, id)
		if err != nil {
			return err
		}
		return r.update(ctx, inst, "", map[string]interface{}{
			"stat_sent":            gorm.Expr("stat_sent + 1"),
			"stat_last_message_at": time.Now(),
		})
	})
}

// RecordSendFailure counts a failed send without touching quota.
func (r *Registry) RecordSendFailure(ctx context.Context, id int64, errMsg string) error {
	return r.WithLock(id, func() error {
		inst, err := r.Get(ctx, id)
		if err != nil {
			return err
		}
		return r.update(ctx, inst, "", map[string]interface{}{
			"stat_failed":   gorm.Expr("stat_failed + 1"),
			"last_error":    errMsg,
			"last_error_at": time.Now(),
		})
	})
}

// RecordReceive counts one accepted inbound message.
func (r *Registry) RecordReceive(ctx context.Context, id int64) error {
	return r.WithLock(id, func() error {
		inst, err := r.Get(ctx, id)
		if err != nil {
			return err
		}
		return r.update(ctx, inst, "", map[string]interface{}{
			"stat_received":        gorm.Expr("stat_received + 1"),
			"stat_last_message_at": time.Now(),
		})
	})
}
