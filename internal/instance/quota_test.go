package instance

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/talkincode/wagate/internal/domain"
)

func TestQuotaRemaining(t *testing.T) {
	inst := &domain.WaInstance{
		Quota: domain.InstanceQuota{DailyLimit: 1000, DailySent: 999},
	}
	s := DailyRemaining(inst)
	assert.EqualValues(t, 1, s.Remaining)
	assert.False(t, s.Exceeded)

	inst.Quota.DailySent = 1000
	s = DailyRemaining(inst)
	assert.EqualValues(t, 0, s.Remaining)
	assert.True(t, s.Exceeded)

	// a zero limit disables the budget entirely
	inst.Quota.DailyLimit = 0
	s = DailyRemaining(inst)
	assert.EqualValues(t, -1, s.Remaining)
	assert.False(t, s.Exceeded)
}

func TestQuotaCheck(t *testing.T) {
	db := newTestDB(t)
	r := NewRegistry(db)
	q := NewQuotaManager(db, r)

	inst := &domain.WaInstance{
		Quota: domain.InstanceQuota{
			DailyLimit:   1000,
			DailySent:    999,
			MonthlyLimit: 20000,
		},
	}
	assert.NoError(t, q.Check(inst))

	inst.Quota.DailySent = 1000
	assert.ErrorIs(t, q.Check(inst), ErrQuotaExceeded)

	inst.Quota.DailySent = 10
	inst.Quota.MonthlySent = 20000
	assert.ErrorIs(t, q.Check(inst), ErrQuotaExceeded)
}

func TestQuotaDailyReset(t *testing.T) {
	db := newTestDB(t)
	r := NewRegistry(db)
	q := NewQuotaManager(db, r)
	ctx := context.Background()

	inst, err := r.Create(ctx, 1, "acct-reset", "", 100, 1000)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, r.ReserveSend(ctx, inst.ID))
	}

	// pretend the last reset happened yesterday
	yesterday := time.Now().Add(-24 * time.Hour)
	require.NoError(t, db.Model(&domain.WaInstance{}).Where("id = ?", inst.ID).
		Update("quota_last_daily_reset_at", yesterday).Error)

	q.TickDailyReset()

	cur, err := r.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Zero(t, cur.Quota.DailySent)
	// only the daily budget resets at the day boundary
	assert.EqualValues(t, 3, cur.Quota.MonthlySent)
	assert.True(t, cur.Quota.LastDailyResetAt.After(yesterday))
}

func TestQuotaDailyResetSkipsCurrent(t *testing.T) {
	db := newTestDB(t)
	r := NewRegistry(db)
	q := NewQuotaManager(db, r)
	ctx := context.Background()

	inst, err := r.Create(ctx, 1, "acct-fresh", "", 100, 1000)
	require.NoError(t, err)
	require.NoError(t, r.ReserveSend(ctx, inst.ID))

	// reset timestamp is already inside the current day
	q.TickDailyReset()

	cur, err := r.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, cur.Quota.DailySent)
}

func TestQuotaMonthlyReset(t *testing.T) {
	db := newTestDB(t)
	r := NewRegistry(db)
	q := NewQuotaManager(db, r)
	ctx := context.Background()

	inst, err := r.Create(ctx, 1, "acct-month", "", 0, 1000)
	require.NoError(t, err)
	require.NoError(t, r.ReserveSend(ctx, inst.ID))

	lastMonth := time.Now().AddDate(0, -1, 0)
	require.NoError(t, db.Model(&domain.WaInstance{}).Where("id = ?", inst.ID).
		Update("quota_last_monthly_reset_at", lastMonth).Error)

	q.TickMonthlyReset()

	cur, err := r.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Zero(t, cur.Quota.MonthlySent)
	assert.EqualValues(t, 1, cur.Quota.DailySent)
}
