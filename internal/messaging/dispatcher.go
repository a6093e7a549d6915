package messaging

import (
	"context"

	"github.com/pkg/errors"
	"github.com/talkincode/wagate/internal/bridge"
	"github.com/talkincode/wagate/internal/domain"
	"github.com/talkincode/wagate/internal/instance"
	"github.com/talkincode/wagate/pkg/metrics"
	"go.uber.org/zap"
)

// ErrInstanceNotConnected fails a send before any bridge call when the
// owning instance is not in connected state.
var ErrInstanceNotConnected = errors.New("instance not connected")

// SendRequest is an outbound send as accepted from the API layer.
type SendRequest struct {
	Kind        string `json:"kind" validate:"omitempty,oneof=text media group"`
	Destination string `json:"destination" validate:"required"`
	Content     string `json:"content" validate:"omitempty,max=4096"`
	MediaURL    string `json:"media_url" validate:"omitempty,url"`
}

// Dispatcher is the synchronous outbound send path. It is the only
// component that consumes quota; the retry sweep re-enters through Resend
// so counter logic lives in exactly one place.
type Dispatcher struct {
	registry *instance.Registry
	quota    *instance.QuotaManager
	store    *Store
	bridge   bridge.Client
}

func NewDispatcher(registry *instance.Registry, quota *instance.QuotaManager, store *Store, client bridge.Client) *Dispatcher {
	return &Dispatcher{registry: registry, quota: quota, store: store, bridge: client}
}

// Send validates preconditions in order (connected, then quota), persists
// a pending message and drives it through the bridge. The quota unit is
// reserved under the instance lock before any bridge call and released on
// failure, so failed sends net-consume nothing and concurrent sends cannot
// overshoot a nearly spent budget.
func (d *Dispatcher) Send(ctx context.Context, instanceId int64, req SendRequest) (*domain.WaMessage, error) {
	inst, err := d.registry.Get(ctx, instanceId)
	if err != nil {
		return nil, err
	}
	if inst.Status != domain.InstanceConnected {
		return nil, errors.Wrapf(ErrInstanceNotConnected, "instance %s is %s", inst.Name, inst.Status)
	}
	if err := d.quota.Check(inst); err != nil {
		return nil, err
	}
	if err := d.registry.ReserveSend(ctx, inst.ID); err != nil {
		return nil, err
	}

	kind := req.Kind
	if kind == "" {
		kind = domain.MessageKindText
	}
	msg := &domain.WaMessage{
		InstanceId:  inst.ID,
		Direction:   domain.MessageOutbound,
		Kind:        kind,
		Destination: req.Destination,
		Content:     req.Content,
		MediaURL:    req.MediaURL,
		Status:      domain.MessagePending,
	}
	if err := d.store.Create(ctx, msg); err != nil {
		d.release(ctx, inst.ID)
		return nil, errors.Wrap(err, "persist outbound message")
	}

	if err := d.deliver(ctx, inst, msg); err != nil {
		return msg, err
	}
	return msg, nil
}

// Resend re-drives one retried message through the identical delivery
// path. The message must already be back in pending (see Store.BeginRetry).
func (d *Dispatcher) Resend(ctx context.Context, msg *domain.WaMessage) error {
	inst, err := d.registry.Get(ctx, msg.InstanceId)
	if err != nil {
		return err
	}
	if inst.Status != domain.InstanceConnected {
		return errors.Wrapf(ErrInstanceNotConnected, "instance %s is %s", inst.Name, inst.Status)
	}
	if err := d.quota.Check(inst); err != nil {
		return err
	}
	if err := d.registry.ReserveSend(ctx, inst.ID); err != nil {
		return err
	}
	return d.deliver(ctx, inst, msg)
}

// release returns a reservation whose delivery never reached the bridge or
// came back failed.
func (d *Dispatcher) release(ctx context.Context, instanceId int64) {
	if err := d.registry.ReleaseSend(ctx, instanceId); err != nil {
		zap.L().Error("release send reservation error",
			zap.Int64("instance_id", instanceId), zap.Error(err))
	}
}

func (d *Dispatcher) deliver(ctx context.Context, inst *domain.WaInstance, msg *domain.WaMessage) error {
	var (
		result *bridge.SendResult
		err    error
	)
	switch msg.Kind {
	case domain.MessageKindMedia:
		result, err = d.bridge.SendMedia(ctx, inst.Name, msg.Destination, msg.MediaURL, msg.Content)
	case domain.MessageKindGroup:
		result, err = d.bridge.SendGroup(ctx, inst.Name, msg.Destination, msg.Content)
	default:
		result, err = d.bridge.SendText(ctx, inst.Name, msg.Destination, msg.Content)
	}

	if err != nil {
		d.release(ctx, inst.ID)
		code, message := "SEND_FAILED", err.Error()
		var be *bridge.Error
		if errors.As(err, &be) {
			code, message = be.Code, be.Message
		}
		if serr := d.store.MarkFailed(ctx, msg.ID, code, message); serr != nil {
			zap.L().Error("mark message failed error", zap.Int64("message_id", msg.ID), zap.Error(serr))
		}
		if serr := d.registry.RecordSendFailure(ctx, inst.ID, message); serr != nil {
			zap.L().Error("record send failure error", zap.Int64("instance_id", inst.ID), zap.Error(serr))
		}
		msg.Status = domain.MessageFailed
		msg.ErrorCode, msg.ErrorMessage = code, message
		metrics.IncrCounter("wagate_message_send_failed", 1)
		zap.L().Warn("outbound send failed",
			zap.Int64("message_id", msg.ID),
			zap.String("instance", inst.Name),
			zap.String("code", code),
			zap.String("error", message))
		return err
	}

	if serr := d.store.MarkSent(ctx, msg.ID, result.BridgeMessageId); serr != nil {
		return errors.Wrap(serr, "mark message sent")
	}
	if serr := d.registry.RecordSend(ctx, inst.ID); serr != nil {
		zap.L().Error("record send error", zap.Int64("instance_id", inst.ID), zap.Error(serr))
	}
	msg.Status = domain.MessageSent
	msg.BridgeMessageId = result.BridgeMessageId
	metrics.IncrCounter("wagate_message_sent", 1)
	zap.L().Info("outbound message sent",
		zap.Int64("message_id", msg.ID),
		zap.String("instance", inst.Name),
		zap.String("bridge_message_id", result.BridgeMessageId))
	return nil
}
