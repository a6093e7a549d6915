package supervisor

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/asaskevich/EventBus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/talkincode/wagate/internal/bridge"
	"github.com/talkincode/wagate/internal/domain"
	"github.com/talkincode/wagate/internal/instance"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// fakeBridge counts calls and returns scripted results.
type fakeBridge struct {
	mu           sync.Mutex
	state        string
	stateErr     error
	restartErr   error
	restartCalls int
	connectInfo  *bridge.SessionInfo
	connectCalls int
}

func (f *fakeBridge) CreateInstance(ctx context.Context, name, webhookURL string) (*bridge.SessionInfo, error) {
	return &bridge.SessionInfo{State: bridge.StateConnecting}, nil
}

func (f *fakeBridge) ConnectInstance(ctx context.Context, name string) (*bridge.SessionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectCalls++
	if f.connectInfo == nil {
		return &bridge.SessionInfo{State: bridge.StateConnecting}, nil
	}
	return f.connectInfo, nil
}

func (f *fakeBridge) GetState(ctx context.Context, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stateErr != nil {
		return "", f.stateErr
	}
	return f.state, nil
}

func (f *fakeBridge) RestartInstance(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restartCalls++
	return f.restartErr
}

func (f *fakeBridge) LogoutInstance(ctx context.Context, name string) error { return nil }

func (f *fakeBridge) SendText(ctx context.Context, name, to, text string) (*bridge.SendResult, error) {
	return &bridge.SendResult{BridgeMessageId: "wamid.x"}, nil
}

func (f *fakeBridge) SendMedia(ctx context.Context, name, to, mediaURL, caption string) (*bridge.SendResult, error) {
	return &bridge.SendResult{BridgeMessageId: "wamid.x"}, nil
}

func (f *fakeBridge) SendGroup(ctx context.Context, name, groupId, text string) (*bridge.SendResult, error) {
	return &bridge.SendResult{BridgeMessageId: "wamid.x"}, nil
}

type fixture struct {
	registry *instance.Registry
	bridge   *fakeBridge
	bus      EventBus.Bus
	sup      *Supervisor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(domain.Tables...))
	registry := instance.NewRegistry(db)
	fb := &fakeBridge{state: bridge.StateOpen}
	bus := EventBus.New()
	return &fixture{
		registry: registry,
		bridge:   fb,
		bus:      bus,
		sup:      New(registry, fb, bus, 4),
	}
}

func (f *fixture) connected(t *testing.T) *domain.WaInstance {
	t.Helper()
	ctx := context.Background()
	inst, err := f.registry.Create(ctx, 1, "acct-"+t.Name(), "628123", 0, 0)
	require.NoError(t, err)
	_, err = f.registry.Transition(ctx, inst.ID, instance.EventQRIssued, "test")
	require.NoError(t, err)
	inst, err = f.registry.Transition(ctx, inst.ID, instance.EventPaired, "test")
	require.NoError(t, err)
	return inst
}

func (f *fixture) disconnected(t *testing.T) *domain.WaInstance {
	t.Helper()
	inst := f.connected(t)
	cur, err := f.registry.Transition(context.Background(), inst.ID, instance.EventDropped, "test")
	require.NoError(t, err)
	return cur
}

func TestHealthPollMarksSeen(t *testing.T) {
	f := newFixture(t)
	inst := f.connected(t)
	f.bridge.state = bridge.StateOpen

	f.sup.TickHealthPoll()

	cur, err := f.registry.Get(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceConnected, cur.Status)
	assert.False(t, cur.LastSeenAt.IsZero())
}

func TestHealthPollClosedState(t *testing.T) {
	f := newFixture(t)
	inst := f.connected(t)
	f.bridge.state = bridge.StateClose

	f.sup.TickHealthPoll()

	cur, err := f.registry.Get(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceDisconnected, cur.Status)
}

func TestHealthPollConsecutiveFailures(t *testing.T) {
	f := newFixture(t)
	inst := f.connected(t)
	f.bridge.stateErr = &bridge.Error{Code: "TRANSPORT", Message: "unreachable", Transient: true}
	ctx := context.Background()

	for i := 1; i < domain.MaxPollFailures; i++ {
		f.sup.TickHealthPoll()
		cur, err := f.registry.Get(ctx, inst.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.InstanceConnected, cur.Status)
		assert.Equal(t, i, cur.PollFailures)
	}

	f.sup.TickHealthPoll()
	cur, err := f.registry.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceDisconnected, cur.Status)
	assert.Equal(t, "multiple status check failures", cur.LastError)
}

func TestHealthPollFailureCounterResets(t *testing.T) {
	f := newFixture(t)
	inst := f.connected(t)
	ctx := context.Background()

	f.bridge.stateErr = &bridge.Error{Code: "TRANSPORT", Message: "unreachable", Transient: true}
	f.sup.TickHealthPoll()
	f.sup.TickHealthPoll()

	// one healthy poll wipes the consecutive-failure count
	f.bridge.stateErr = nil
	f.sup.TickHealthPoll()

	cur, err := f.registry.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceConnected, cur.Status)
	assert.Zero(t, cur.PollFailures)
}

func TestReconnectSweep(t *testing.T) {
	f := newFixture(t)
	inst := f.disconnected(t)

	f.sup.TickReconnectSweep()

	cur, err := f.registry.Get(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceCreating, cur.Status)
	assert.Equal(t, 1, cur.ReconnectAttempts)
	assert.Equal(t, 1, f.bridge.restartCalls)
}

func TestReconnectSweepExhaustion(t *testing.T) {
	f := newFixture(t)
	inst := f.disconnected(t)
	f.bridge.restartErr = &bridge.Error{Code: "TRANSPORT", Message: "unreachable", Transient: true}
	ctx := context.Background()

	var alerts []Alert
	var alertMu sync.Mutex
	require.NoError(t, f.bus.Subscribe(AlertTopic, func(a Alert) {
		alertMu.Lock()
		alerts = append(alerts, a)
		alertMu.Unlock()
	}))

	for i := 0; i < domain.MaxReconnectAttempts; i++ {
		f.sup.TickReconnectSweep()
	}

	cur, err := f.registry.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceDisconnected, cur.Status)
	assert.False(t, cur.AutoReconnect)
	assert.Equal(t, domain.MaxReconnectAttempts, cur.ReconnectAttempts)
	assert.Equal(t, domain.MaxReconnectAttempts, f.bridge.restartCalls)

	// a parked instance gets no further bridge calls
	f.sup.TickReconnectSweep()
	assert.Equal(t, domain.MaxReconnectAttempts, f.bridge.restartCalls)

	alertMu.Lock()
	defer alertMu.Unlock()
	require.NotEmpty(t, alerts)
	assert.Equal(t, AlertReconnectExhausted, alerts[0].Kind)
	assert.Equal(t, cur.Name, alerts[0].Instance)
}

func TestReconnectSweepRespectsOptOut(t *testing.T) {
	f := newFixture(t)
	inst := f.disconnected(t)
	ctx := context.Background()
	require.NoError(t, f.registry.DisableAutoReconnect(ctx, inst.ID, "operator"))

	f.sup.TickReconnectSweep()

	cur, err := f.registry.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceDisconnected, cur.Status)
	assert.Zero(t, f.bridge.restartCalls)
}

func TestQRSweepRefreshesExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inst, err := f.registry.Create(ctx, 1, "acct-"+t.Name(), "", 0, 0)
	require.NoError(t, err)
	// expired pairing material
	require.NoError(t, f.registry.SetQR(ctx, inst.ID, "2@old", time.Now().Add(-time.Minute)))
	f.bridge.connectInfo = &bridge.SessionInfo{
		Qr:    "2@fresh",
		State: bridge.StateConnecting,
	}

	f.sup.TickQRSweep()

	cur, err := f.registry.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, "2@fresh", cur.QrCode)
	assert.True(t, cur.QrValid(time.Now()))
	assert.Equal(t, 1, f.bridge.connectCalls)
}

func TestQRSweepSkipsValid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inst, err := f.registry.Create(ctx, 1, "acct-"+t.Name(), "", 0, 0)
	require.NoError(t, err)
	require.NoError(t, f.registry.SetQR(ctx, inst.ID, "2@current", time.Now().Add(time.Minute)))

	f.sup.TickQRSweep()

	cur, err := f.registry.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, "2@current", cur.QrCode)
	assert.Zero(t, f.bridge.connectCalls)
}
