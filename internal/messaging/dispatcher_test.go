package messaging

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/talkincode/wagate/internal/bridge"
	"github.com/talkincode/wagate/internal/domain"
	"github.com/talkincode/wagate/internal/instance"
	"gorm.io/gorm"
)

// fakeBridge implements bridge.Client with overridable send behavior.
type fakeBridge struct {
	sendErr   error
	sendCalls int
}

func (f *fakeBridge) CreateInstance(ctx context.Context, name, webhookURL string) (*bridge.SessionInfo, error) {
	return &bridge.SessionInfo{State: bridge.StateConnecting}, nil
}

func (f *fakeBridge) ConnectInstance(ctx context.Context, name string) (*bridge.SessionInfo, error) {
	return &bridge.SessionInfo{State: bridge.StateConnecting}, nil
}

func (f *fakeBridge) GetState(ctx context.Context, name string) (string, error) {
	return bridge.StateOpen, nil
}

func (f *fakeBridge) RestartInstance(ctx context.Context, name string) error { return nil }
func (f *fakeBridge) LogoutInstance(ctx context.Context, name string) error  { return nil }

func (f *fakeBridge) SendText(ctx context.Context, name, to, text string) (*bridge.SendResult, error) {
	f.sendCalls++
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	return &bridge.SendResult{BridgeMessageId: fmt.Sprintf("wamid.%d", f.sendCalls)}, nil
}

func (f *fakeBridge) SendMedia(ctx context.Context, name, to, mediaURL, caption string) (*bridge.SendResult, error) {
	return f.SendText(ctx, name, to, caption)
}

func (f *fakeBridge) SendGroup(ctx context.Context, name, groupId, text string) (*bridge.SendResult, error) {
	return f.SendText(ctx, name, groupId, text)
}

type dispatcherFixture struct {
	db         *gorm.DB
	registry   *instance.Registry
	store      *Store
	bridge     *fakeBridge
	dispatcher *Dispatcher
}

func newDispatcherFixture(t *testing.T) *dispatcherFixture {
	t.Helper()
	db := newTestDB(t)
	registry := instance.NewRegistry(db)
	quota := instance.NewQuotaManager(db, registry)
	store := NewStore(db)
	fb := &fakeBridge{}
	return &dispatcherFixture{
		db:         db,
		registry:   registry,
		store:      store,
		bridge:     fb,
		dispatcher: NewDispatcher(registry, quota, store, fb),
	}
}

func (f *dispatcherFixture) connected(t *testing.T, dailyLimit int64) *domain.WaInstance {
	t.Helper()
	ctx := context.Background()
	inst, err := f.registry.Create(ctx, 1, "acct-"+t.Name(), "628123", dailyLimit, 0)
	require.NoError(t, err)
	_, err = f.registry.Transition(ctx, inst.ID, instance.EventQRIssued, "test")
	require.NoError(t, err)
	inst, err = f.registry.Transition(ctx, inst.ID, instance.EventPaired, "test")
	require.NoError(t, err)
	return inst
}

func TestDispatcherSend(t *testing.T) {
	f := newDispatcherFixture(t)
	inst := f.connected(t, 100)
	ctx := context.Background()

	msg, err := f.dispatcher.Send(ctx, inst.ID, SendRequest{
		Destination: "628999@s.whatsapp.net",
		Content:     "hello",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.MessageSent, msg.Status)
	assert.Equal(t, domain.MessageKindText, msg.Kind)
	assert.NotEmpty(t, msg.BridgeMessageId)

	cur, err := f.registry.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, cur.Quota.DailySent)
	assert.EqualValues(t, 1, cur.Stats.Sent)
}

func TestDispatcherSendRequiresConnected(t *testing.T) {
	f := newDispatcherFixture(t)
	ctx := context.Background()
	inst, err := f.registry.Create(ctx, 1, "acct-off", "", 100, 0)
	require.NoError(t, err)

	_, err = f.dispatcher.Send(ctx, inst.ID, SendRequest{Destination: "x", Content: "y"})
	assert.ErrorIs(t, err, ErrInstanceNotConnected)
	assert.Zero(t, f.bridge.sendCalls)
}

func TestDispatcherSendQuotaExceeded(t *testing.T) {
	f := newDispatcherFixture(t)
	inst := f.connected(t, 2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := f.dispatcher.Send(ctx, inst.ID, SendRequest{Destination: "x", Content: "y"})
		require.NoError(t, err)
	}
	_, err := f.dispatcher.Send(ctx, inst.ID, SendRequest{Destination: "x", Content: "y"})
	assert.ErrorIs(t, err, instance.ErrQuotaExceeded)
	// the rejected send never reached the bridge and logged no message
	assert.Equal(t, 2, f.bridge.sendCalls)
	msgs, err := f.store.ListByInstance(ctx, inst.ID, 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestDispatcherSendFailure(t *testing.T) {
	f := newDispatcherFixture(t)
	inst := f.connected(t, 100)
	ctx := context.Background()
	f.bridge.sendErr = &bridge.Error{Code: "TRANSPORT", Message: "bridge unreachable", Transient: true}

	msg, err := f.dispatcher.Send(ctx, inst.ID, SendRequest{Destination: "x", Content: "y"})
	require.Error(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, domain.MessageFailed, msg.Status)
	assert.Equal(t, "TRANSPORT", msg.ErrorCode)

	// failed sends never consume quota
	cur, err := f.registry.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Zero(t, cur.Quota.DailySent)
	assert.EqualValues(t, 1, cur.Stats.Failed)
}

func TestRetrySweepCeiling(t *testing.T) {
	f := newDispatcherFixture(t)
	inst := f.connected(t, 100)
	ctx := context.Background()
	f.bridge.sendErr = &bridge.Error{Code: "TRANSPORT", Message: "bridge unreachable", Transient: true}

	msg, err := f.dispatcher.Send(ctx, inst.ID, SendRequest{Destination: "x", Content: "y"})
	require.Error(t, err)
	require.Equal(t, domain.MessageFailed, msg.Status)

	sweeper := NewRetryScheduler(f.registry, f.store, f.dispatcher)
	// every sweep retries once and fails again until the ceiling
	for i := 1; i <= domain.MaxSendRetries; i++ {
		sweeper.TickRetrySweep()
		cur, err := f.store.Get(ctx, msg.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.MessageFailed, cur.Status)
		assert.Equal(t, i, cur.RetryCount)
	}

	// the fourth sweep selects nothing, the counter stays at the ceiling
	sweeper.TickRetrySweep()
	cur, err := f.store.Get(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MaxSendRetries, cur.RetryCount)
	assert.Equal(t, 1+domain.MaxSendRetries, f.bridge.sendCalls)
}

func TestRetrySweepSkipsDisconnected(t *testing.T) {
	f := newDispatcherFixture(t)
	inst := f.connected(t, 100)
	ctx := context.Background()
	f.bridge.sendErr = &bridge.Error{Code: "TRANSPORT", Message: "bridge unreachable", Transient: true}

	msg, err := f.dispatcher.Send(ctx, inst.ID, SendRequest{Destination: "x", Content: "y"})
	require.Error(t, err)
	f.bridge.sendErr = nil

	_, err = f.registry.Transition(ctx, inst.ID, instance.EventDropped, "lost")
	require.NoError(t, err)

	sweeper := NewRetryScheduler(f.registry, f.store, f.dispatcher)
	sweeper.TickRetrySweep()

	cur, err := f.store.Get(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MessageFailed, cur.Status)
	// no retry was consumed while the owner is disconnected
	assert.Zero(t, cur.RetryCount)
}

func TestRetrySweepDelivers(t *testing.T) {
	f := newDispatcherFixture(t)
	inst := f.connected(t, 100)
	ctx := context.Background()
	f.bridge.sendErr = &bridge.Error{Code: "TRANSPORT", Message: "bridge unreachable", Transient: true}

	msg, err := f.dispatcher.Send(ctx, inst.ID, SendRequest{Destination: "x", Content: "y"})
	require.Error(t, err)
	f.bridge.sendErr = nil

	sweeper := NewRetryScheduler(f.registry, f.store, f.dispatcher)
	sweeper.TickRetrySweep()

	cur, err := f.store.Get(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MessageSent, cur.Status)
	assert.Equal(t, 1, cur.RetryCount)

	// the retried delivery consumed quota exactly once
	owner, err := f.registry.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, owner.Quota.DailySent)
}
