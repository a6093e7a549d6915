package instance

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/talkincode/wagate/internal/domain"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(domain.Tables...))
	return db
}

func newConnected(t *testing.T, r *Registry) *domain.WaInstance {
	t.Helper()
	ctx := context.Background()
	inst, err := r.Create(ctx, 1, "acct-"+t.Name(), "628123", 1000, 20000)
	require.NoError(t, err)
	_, err = r.Transition(ctx, inst.ID, EventQRIssued, "test")
	require.NoError(t, err)
	inst, err = r.Transition(ctx, inst.ID, EventPaired, "test")
	require.NoError(t, err)
	return inst
}

func TestRegistryCreate(t *testing.T) {
	r := NewRegistry(newTestDB(t))
	ctx := context.Background()

	inst, err := r.Create(ctx, 1, "acct-main", "628123", 1000, 20000)
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceCreating, inst.Status)
	assert.True(t, inst.AutoReconnect)
	assert.Len(t, inst.Token, 48)
	assert.EqualValues(t, 1, inst.Version)
	assert.EqualValues(t, 1000, inst.Quota.DailyLimit)

	_, err = r.Create(ctx, 1, "acct-main", "628999", 1000, 20000)
	assert.ErrorIs(t, err, ErrDuplicateName)
}

func TestRegistryCreateNameHeldByRemovedInstance(t *testing.T) {
	r := NewRegistry(newTestDB(t))
	ctx := context.Background()

	inst, err := r.Create(ctx, 1, "acct-reuse", "", 0, 0)
	require.NoError(t, err)
	require.NoError(t, r.Remove(ctx, inst.ID))

	// the soft-deleted row still holds the unique name index; the insert
	// failure must surface as a duplicate, not a raw database error
	_, err = r.Create(ctx, 1, "acct-reuse", "", 0, 0)
	assert.ErrorIs(t, err, ErrDuplicateName)
}

func TestRegistryLifecycleWalk(t *testing.T) {
	r := NewRegistry(newTestDB(t))
	ctx := context.Background()
	inst, err := r.Create(ctx, 1, "acct-walk", "", 0, 0)
	require.NoError(t, err)

	inst, err = r.Transition(ctx, inst.ID, EventQRIssued, "bridge issued qr")
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceWaitingQR, inst.Status)

	inst, err = r.Transition(ctx, inst.ID, EventPaired, "scanned")
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceConnected, inst.Status)

	inst, err = r.Transition(ctx, inst.ID, EventDropped, "connection lost")
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceDisconnected, inst.Status)
	assert.EqualValues(t, 1, inst.Stats.ConnectionDrops)

	inst, err = r.Transition(ctx, inst.ID, EventReconnect, "sweep")
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceCreating, inst.Status)
}

func TestRegistryInvalidTransitions(t *testing.T) {
	r := NewRegistry(newTestDB(t))
	ctx := context.Background()
	inst, err := r.Create(ctx, 1, "acct-invalid", "", 0, 0)
	require.NoError(t, err)

	// creating cannot pair or drop directly
	_, err = r.Transition(ctx, inst.ID, EventPaired, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = r.Transition(ctx, inst.ID, EventDropped, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	// failure and suspend fire from anywhere
	_, err = r.Transition(ctx, inst.ID, EventFailure, "boom")
	require.NoError(t, err)
	cur, err := r.Transition(ctx, inst.ID, EventSuspend, "operator")
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceSuspended, cur.Status)

	// but never into the state already held
	_, err = r.Transition(ctx, inst.ID, EventSuspend, "again")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestRegistryConnectResetsFailureState(t *testing.T) {
	r := NewRegistry(newTestDB(t))
	ctx := context.Background()
	inst := newConnected(t, r)

	_, err := r.IncrPollFailures(ctx, inst.ID)
	require.NoError(t, err)
	_, err = r.Transition(ctx, inst.ID, EventDropped, "lost")
	require.NoError(t, err)
	_, err = r.IncrReconnectAttempts(ctx, inst.ID)
	require.NoError(t, err)
	_, err = r.Transition(ctx, inst.ID, EventReconnect, "sweep")
	require.NoError(t, err)
	require.NoError(t, r.SetQR(ctx, inst.ID, "qr-data", time.Now().Add(time.Minute)))

	cur, err := r.Transition(ctx, inst.ID, EventPaired, "scanned")
	require.NoError(t, err)
	assert.Zero(t, cur.ReconnectAttempts)
	assert.Zero(t, cur.PollFailures)
	assert.Zero(t, cur.ErrorCount)
	assert.Empty(t, cur.QrCode)
}

func TestRegistryVersionConflict(t *testing.T) {
	r := NewRegistry(newTestDB(t))
	ctx := context.Background()
	inst, err := r.Create(ctx, 1, "acct-version", "", 0, 0)
	require.NoError(t, err)

	stale, err := r.Get(ctx, inst.ID)
	require.NoError(t, err)

	// first writer wins
	require.NoError(t, r.update(ctx, stale, "", map[string]interface{}{"remark": "first"}))
	// second writer holds a stale version and loses
	err = r.update(ctx, stale, "", map[string]interface{}{"remark": "second"})
	assert.ErrorIs(t, err, ErrConflict)

	cur, err := r.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, "first", cur.Remark)
	assert.EqualValues(t, 2, cur.Version)
}

func TestRegistrySetQROnlyWhilePairing(t *testing.T) {
	r := NewRegistry(newTestDB(t))
	ctx := context.Background()
	inst := newConnected(t, r)

	err := r.SetQR(ctx, inst.ID, "late-qr", time.Now().Add(time.Minute))
	assert.ErrorIs(t, err, ErrInvalidTransition)

	cur, err := r.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Empty(t, cur.QrCode)
}

func TestRegistryReconnectArming(t *testing.T) {
	r := NewRegistry(newTestDB(t))
	ctx := context.Background()
	inst, err := r.Create(ctx, 1, "acct-rearm", "", 0, 0)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err = r.IncrReconnectAttempts(ctx, inst.ID)
		require.NoError(t, err)
	}
	require.NoError(t, r.DisableAutoReconnect(ctx, inst.ID, "exhausted"))

	cur, err := r.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.False(t, cur.AutoReconnect)
	assert.Equal(t, 3, cur.ReconnectAttempts)
	assert.Equal(t, "exhausted", cur.LastError)

	require.NoError(t, r.EnableAutoReconnect(ctx, inst.ID))
	cur, err = r.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.True(t, cur.AutoReconnect)
	assert.Zero(t, cur.ReconnectAttempts)
}

func TestRegistrySendCounters(t *testing.T) {
	r := NewRegistry(newTestDB(t))
	ctx := context.Background()
	inst := newConnected(t, r)

	for i := 0; i < 2; i++ {
		require.NoError(t, r.ReserveSend(ctx, inst.ID))
		require.NoError(t, r.RecordSend(ctx, inst.ID))
	}
	require.NoError(t, r.RecordSendFailure(ctx, inst.ID, "bridge rejected"))
	require.NoError(t, r.RecordReceive(ctx, inst.ID))

	cur, err := r.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, cur.Quota.DailySent)
	assert.EqualValues(t, 2, cur.Quota.MonthlySent)
	assert.EqualValues(t, 2, cur.Stats.Sent)
	assert.EqualValues(t, 1, cur.Stats.Failed)
	assert.EqualValues(t, 1, cur.Stats.Received)
	assert.Equal(t, "bridge rejected", cur.LastError)
}

func TestRegistryQuotaReservation(t *testing.T) {
	r := NewRegistry(newTestDB(t))
	ctx := context.Background()
	inst, err := r.Create(ctx, 1, "acct-reserve", "", 1, 0)
	require.NoError(t, err)

	// the unit is consumed at reservation time, before any bridge call,
	// so a second sender sees the spent budget instead of racing past it
	require.NoError(t, r.ReserveSend(ctx, inst.ID))
	err = r.ReserveSend(ctx, inst.ID)
	assert.ErrorIs(t, err, ErrQuotaExceeded)

	cur, err := r.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, cur.Quota.DailySent)

	// a failed delivery returns the unit and the budget reopens
	require.NoError(t, r.ReleaseSend(ctx, inst.ID))
	cur, err = r.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Zero(t, cur.Quota.DailySent)
	require.NoError(t, r.ReserveSend(ctx, inst.ID))
}
