package app

import (
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/talkincode/wagate/internal/instance"
	"github.com/talkincode/wagate/internal/messaging"
	"github.com/talkincode/wagate/internal/supervisor"
	"github.com/talkincode/wagate/internal/webhook"
	"go.uber.org/zap"
)

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// SchedulerService wires every periodic task onto one cron runner. It is
// constructed with its dependencies injected and Start/Stop are
// idempotent; nothing here is process-global.
type SchedulerService struct {
	sched      *cron.Cron
	supervisor *supervisor.Supervisor
	retry      *messaging.RetryScheduler
	quota      *instance.QuotaManager
	ingestor   *webhook.Ingestor

	started atomic.Bool
}

func NewSchedulerService(
	loc *time.Location,
	sup *supervisor.Supervisor,
	retry *messaging.RetryScheduler,
	quota *instance.QuotaManager,
	ingestor *webhook.Ingestor,
) *SchedulerService {
	if loc == nil {
		loc = time.Local
	}
	return &SchedulerService{
		sched:      cron.New(cron.WithLocation(loc), cron.WithParser(cronParser)),
		supervisor: sup,
		retry:      retry,
		quota:      quota,
		ingestor:   ingestor,
	}
}

// Start registers the cron entries and launches the runner. Calling it
// again is a no-op.
func (s *SchedulerService) Start() error {
	if !s.started.CompareAndSwap(false, true) {
		return nil
	}

	jobs := []struct {
		spec string
		fn   func()
	}{
		{"@every 5m", s.supervisor.TickHealthPoll},
		{"@every 1m", s.supervisor.TickReconnectSweep},
		{"@every 1m", s.supervisor.TickQRSweep},
		{"@every 15m", s.retry.TickRetrySweep},
		{"@midnight", func() {
			s.quota.TickDailyReset()
			s.quota.TickMonthlyReset()
			s.ingestor.TickPrune()
		}},
		{"@every 30s", SchedSystemMonitorTask},
	}
	for _, j := range jobs {
		if _, err := s.sched.AddFunc(j.spec, j.fn); err != nil {
			s.started.Store(false)
			return err
		}
	}

	s.sched.Start()
	zap.L().Info("scheduler service started", zap.Int("jobs", len(jobs)))
	return nil
}

// Stop halts the runner; in-flight ticks finish on their own. Calling it
// on a stopped service is a no-op.
func (s *SchedulerService) Stop() {
	if !s.started.CompareAndSwap(true, false) {
		return
	}
	s.sched.Stop()
	zap.L().Info("scheduler service stopped")
}
