// Package supervisor is the periodic reconciler: it polls bridge state for
// connected instances, drives reconnection for dropped ones and refreshes
// expired pairing QR codes.
package supervisor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/asaskevich/EventBus"
	"github.com/panjf2000/ants/v2"
	"github.com/talkincode/wagate/internal/bridge"
	"github.com/talkincode/wagate/internal/domain"
	"github.com/talkincode/wagate/internal/instance"
	"github.com/talkincode/wagate/pkg/metrics"
	"go.uber.org/zap"
)

// AlertTopic is the event-bus topic operator alerts are published on.
const AlertTopic = "wagate:alert"

// Alert is an operator-visible condition that automatic recovery gave up on.
type Alert struct {
	InstanceId int64     `json:"instance_id,string"`
	Instance   string    `json:"instance"`
	Kind       string    `json:"kind"`
	Message    string    `json:"message"`
	At         time.Time `json:"at"`
}

const (
	AlertReconnectExhausted = "reconnect_exhausted"
)

const defaultWorkers = 25

// reason string recorded when consecutive health-poll transport failures
// force a disconnect.
const reasonPollFailures = "multiple status check failures"

// Supervisor runs the three periodic reconciliation tasks. Each tick
// guards itself with an atomic try-acquire so overlapping ticks are
// skipped rather than queued, and per-instance work runs on a bounded
// pool so one stalled bridge call cannot block other instances.
type Supervisor struct {
	registry *instance.Registry
	bridge   bridge.Client
	bus      EventBus.Bus
	workers  int

	pollRunning      atomic.Bool
	reconnectRunning atomic.Bool
	qrRunning        atomic.Bool
}

func New(registry *instance.Registry, client bridge.Client, bus EventBus.Bus, workers int) *Supervisor {
	if workers <= 0 {
		workers = defaultWorkers
	}
	return &Supervisor{registry: registry, bridge: client, bus: bus, workers: workers}
}

func (s *Supervisor) forEach(insts []domain.WaInstance, fn func(inst domain.WaInstance)) {
	pool, err := ants.NewPool(s.workers)
	if err != nil {
		zap.L().Error("supervisor pool create failed", zap.Error(err))
		return
	}
	defer pool.Release()

	var wg sync.WaitGroup
	for i := range insts {
		inst := insts[i]
		wg.Add(1)
		if err := pool.Submit(func() {
			defer wg.Done()
			fn(inst)
		}); err != nil {
			wg.Done()
			zap.L().Error("supervisor pool submit failed", zap.Error(err))
		}
	}
	wg.Wait()
}

// TickHealthPoll verifies every connected instance against the bridge.
// Three consecutive transport failures force a disconnect; a bridge-reported
// closure disconnects immediately with the bridge's state as reason.
func (s *Supervisor) TickHealthPoll() {
	if !s.pollRunning.CompareAndSwap(false, true) {
		zap.L().Warn("health poll still running, tick skipped")
		return
	}
	defer s.pollRunning.Store(false)

	ctx := context.Background()
	insts, err := s.registry.ListByStatus(ctx, domain.InstanceConnected)
	if err != nil {
		zap.L().Error("health poll query failed", zap.Error(err))
		return
	}
	start := time.Now()

	s.forEach(insts, func(inst domain.WaInstance) {
		state, err := s.bridge.GetState(ctx, inst.Name)
		if err != nil {
			failures, ierr := s.registry.IncrPollFailures(ctx, inst.ID)
			if ierr != nil {
				zap.L().Error("poll failure count update failed",
					zap.Int64("instance_id", inst.ID), zap.Error(ierr))
				return
			}
			zap.L().Warn("instance status check failed",
				zap.String("instance", inst.Name),
				zap.Int("consecutive_failures", failures),
				zap.Error(err))
			if failures >= domain.MaxPollFailures {
				if _, terr := s.registry.Transition(ctx, inst.ID, instance.EventDropped, reasonPollFailures); terr != nil {
					zap.L().Error("forced disconnect failed",
						zap.String("instance", inst.Name), zap.Error(terr))
				}
			}
			return
		}

		switch state {
		case bridge.StateOpen, bridge.StateConnecting:
			if merr := s.registry.MarkSeen(ctx, inst.ID); merr != nil {
				zap.L().Error("mark seen failed",
					zap.String("instance", inst.Name), zap.Error(merr))
			}
		case bridge.StateClose:
			if _, terr := s.registry.Transition(ctx, inst.ID, instance.EventDropped, "bridge reported closed"); terr != nil {
				zap.L().Error("disconnect on closed state failed",
					zap.String("instance", inst.Name), zap.Error(terr))
			}
		default:
			zap.L().Debug("unknown bridge state on poll",
				zap.String("instance", inst.Name), zap.String("state", state))
		}
	})

	metrics.SetGauge("wagate_health_poll_instances", int64(len(insts)))
	metrics.SetGauge("wagate_health_poll_ms", time.Since(start).Milliseconds())
}

// TickReconnectSweep restarts dropped instances that still have reconnect
// budget. The reconnect ceiling parks the instance with auto_reconnect off
// and raises an operator alert; no bridge call is made past the ceiling.
func (s *Supervisor) TickReconnectSweep() {
	if !s.reconnectRunning.CompareAndSwap(false, true) {
		zap.L().Warn("reconnect sweep still running, tick skipped")
		return
	}
	defer s.reconnectRunning.Store(false)

	ctx := context.Background()
	insts, err := s.registry.ListByStatus(ctx, domain.InstanceDisconnected)
	if err != nil {
		zap.L().Error("reconnect sweep query failed", zap.Error(err))
		return
	}

	s.forEach(insts, func(inst domain.WaInstance) {
		if !inst.AutoReconnect {
			return
		}
		if inst.ReconnectAttempts >= domain.MaxReconnectAttempts {
			// past the ceiling: park the instance, no bridge call
			s.giveUp(ctx, &inst)
			return
		}

		attempts, err := s.registry.IncrReconnectAttempts(ctx, inst.ID)
		if err != nil {
			zap.L().Error("reconnect attempt count update failed",
				zap.String("instance", inst.Name), zap.Error(err))
			return
		}
		zap.L().Info("reconnect attempt",
			zap.String("instance", inst.Name), zap.Int("attempt", attempts))

		if err := s.bridge.RestartInstance(ctx, inst.Name); err != nil {
			zap.L().Warn("bridge restart failed",
				zap.String("instance", inst.Name),
				zap.Int("attempt", attempts),
				zap.Error(err))
			if attempts >= domain.MaxReconnectAttempts {
				s.giveUp(ctx, &inst)
			}
			return
		}

		if _, err := s.registry.Transition(ctx, inst.ID, instance.EventReconnect, "reconnect sweep"); err != nil {
			zap.L().Error("reconnect transition failed",
				zap.String("instance", inst.Name), zap.Error(err))
		}
	})

	metrics.SetGauge("wagate_reconnect_sweep_instances", int64(len(insts)))
}

func (s *Supervisor) giveUp(ctx context.Context, inst *domain.WaInstance) {
	msg := "reconnect attempts exhausted, automatic reconnection disabled"
	if err := s.registry.DisableAutoReconnect(ctx, inst.ID, msg); err != nil {
		zap.L().Error("disable auto reconnect failed",
			zap.String("instance", inst.Name), zap.Error(err))
		return
	}
	zap.L().Error("instance reconnect exhausted",
		zap.String("instance", inst.Name),
		zap.Int("attempts", inst.ReconnectAttempts))
	metrics.IncrCounter("wagate_reconnect_exhausted", 1)
	if s.bus != nil {
		s.bus.Publish(AlertTopic, Alert{
			InstanceId: inst.ID,
			Instance:   inst.Name,
			Kind:       AlertReconnectExhausted,
			Message:    msg,
			At:         time.Now(),
		})
	}
}

// TickQRSweep requests fresh pairing material for instances whose QR
// expired before anyone scanned it. Failures are logged and retried on the
// next sweep, never escalated.
func (s *Supervisor) TickQRSweep() {
	if !s.qrRunning.CompareAndSwap(false, true) {
		zap.L().Warn("qr sweep still running, tick skipped")
		return
	}
	defer s.qrRunning.Store(false)

	ctx := context.Background()
	insts, err := s.registry.ListByStatus(ctx, domain.InstanceWaitingQR)
	if err != nil {
		zap.L().Error("qr sweep query failed", zap.Error(err))
		return
	}
	now := time.Now()

	s.forEach(insts, func(inst domain.WaInstance) {
		if inst.QrValid(now) {
			return
		}
		info, err := s.bridge.ConnectInstance(ctx, inst.Name)
		if err != nil {
			zap.L().Warn("qr refresh failed",
				zap.String("instance", inst.Name), zap.Error(err))
			return
		}
		if info.Qr == "" {
			zap.L().Debug("qr refresh returned no code",
				zap.String("instance", inst.Name))
			return
		}
		expires := info.QrExpiresAt
		if expires.IsZero() {
			expires = time.Now().Add(domain.QRValidity)
		}
		if err := s.registry.SetQR(ctx, inst.ID, info.Qr, expires); err != nil {
			zap.L().Warn("qr update failed",
				zap.String("instance", inst.Name), zap.Error(err))
			return
		}
		zap.L().Info("qr refreshed", zap.String("instance", inst.Name))
	})

	metrics.SetGauge("wagate_qr_sweep_instances", int64(len(insts)))
}
