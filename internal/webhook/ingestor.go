// Package webhook turns bridge-pushed events into registry and message-log
// mutations. Physical delivery is at-least-once, so every event is
// fingerprinted and applied exactly once logically.
package webhook

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/talkincode/wagate/internal/domain"
	"github.com/talkincode/wagate/internal/instance"
	"github.com/talkincode/wagate/internal/messaging"
	"github.com/talkincode/wagate/pkg/common"
	"github.com/talkincode/wagate/pkg/metrics"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var fastjson = jsoniter.ConfigCompatibleWithStandardLibrary

// Bridge event types this service consumes. Anything else is ignored.
const (
	EventConnectionUpdate = "connection.update"
	EventQRCodeUpdated    = "qrcode.updated"
	EventMessagesUpsert   = "messages.upsert"
	EventMessagesUpdate   = "messages.update"
)

// webhookLogRetention bounds the idempotency ledger.
const webhookLogRetention = 7 * 24 * time.Hour

// Event is the envelope pushed by the bridge. Data stays the stdlib raw
// type so echo's default binder passes the nested object through untouched.
type Event struct {
	Event      string          `json:"event"`
	Instance   string          `json:"instance"`
	Data       json.RawMessage `json:"data"`
	ReceivedAt time.Time       `json:"-"`
}

// Ingestor applies webhook events. Processing errors are isolated per
// event; the HTTP layer acknowledges receipt regardless.
type Ingestor struct {
	db       *gorm.DB
	registry *instance.Registry
	store    *messaging.Store
}

func NewIngestor(db *gorm.DB, registry *instance.Registry, store *messaging.Store) *Ingestor {
	return &Ingestor{db: db, registry: registry, store: store}
}

// fingerprint keys logical events: type, session, and the payload content.
// Bridge payloads carry their own timestamps/ids, so distinct occurrences
// of the same state produce distinct fingerprints while redeliveries match.
func fingerprint(ev *Event) string {
	h := sha256.New()
	h.Write([]byte(ev.Event))
	h.Write([]byte{'|'})
	h.Write([]byte(ev.Instance))
	h.Write([]byte{'|'})
	h.Write(ev.Data)
	return fmt.Sprintf("%x", h.Sum(nil))
}

// seen records the event fingerprint, reporting true when it was already
// processed.
func (ig *Ingestor) seen(ctx context.Context, ev *Event) (bool, error) {
	row := &domain.WaWebhookLog{
		ID:           common.UUIDint64(),
		Fingerprint:  fingerprint(ev),
		EventType:    ev.Event,
		InstanceName: ev.Instance,
		ReceivedAt:   ev.ReceivedAt,
	}
	res := ig.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "fingerprint"}},
			DoNothing: true,
		}).
		Create(row)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 0, nil
}

// Ingest applies one event against the owning instance. The caller has
// already authenticated the instance by webhook token.
func (ig *Ingestor) Ingest(ctx context.Context, inst *domain.WaInstance, ev *Event) error {
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now()
	}
	dup, err := ig.seen(ctx, ev)
	if err != nil {
		return errors.Wrap(err, "webhook dedup")
	}
	if dup {
		zap.L().Debug("duplicate webhook event skipped",
			zap.String("event", ev.Event), zap.String("instance", ev.Instance))
		metrics.IncrCounter("wagate_webhook_duplicate", 1)
		return nil
	}
	metrics.IncrCounter("wagate_webhook_ingested", 1)

	switch ev.Event {
	case EventConnectionUpdate:
		return ig.handleConnectionUpdate(ctx, inst, ev)
	case EventQRCodeUpdated:
		return ig.handleQRCodeUpdated(ctx, inst, ev)
	case EventMessagesUpsert:
		return ig.handleMessagesUpsert(ctx, inst, ev)
	case EventMessagesUpdate:
		return ig.handleMessagesUpdate(ctx, inst, ev)
	default:
		zap.L().Debug("webhook event type ignored",
			zap.String("event", ev.Event), zap.String("instance", ev.Instance))
		return nil
	}
}

func (ig *Ingestor) handleConnectionUpdate(ctx context.Context, inst *domain.WaInstance, ev *Event) error {
	var data struct {
		State string `json:"state"`
	}
	if err := fastjson.Unmarshal(ev.Data, &data); err != nil {
		return errors.Wrap(err, "decode connection.update")
	}

	var event instance.Event
	switch data.State {
	case "open":
		event = instance.EventPaired
	case "close":
		event = instance.EventDropped
	case "connecting":
		// transitional, nothing to converge
		return nil
	default:
		// unknown state strings are ignored, not errors
		zap.L().Debug("unknown bridge connection state ignored",
			zap.String("state", data.State), zap.String("instance", inst.Name))
		return nil
	}

	_, err := ig.registry.Transition(ctx, inst.ID, event, "bridge connection.update: "+data.State)
	if errors.Is(err, instance.ErrInvalidTransition) {
		// stale picture of the instance, the other reconciler already moved it
		return nil
	}
	return err
}

func (ig *Ingestor) handleQRCodeUpdated(ctx context.Context, inst *domain.WaInstance, ev *Event) error {
	var data struct {
		Qrcode struct {
			Code string `json:"code"`
		} `json:"qrcode"`
	}
	if err := fastjson.Unmarshal(ev.Data, &data); err != nil {
		return errors.Wrap(err, "decode qrcode.updated")
	}
	if data.Qrcode.Code == "" {
		return errors.New("qrcode.updated without code")
	}
	err := ig.registry.SetQR(ctx, inst.ID, data.Qrcode.Code, ev.ReceivedAt.Add(domain.QRValidity))
	if errors.Is(err, instance.ErrInvalidTransition) {
		// already connected (or parked); fresh QR is meaningless here
		return nil
	}
	return err
}

func (ig *Ingestor) handleMessagesUpsert(ctx context.Context, inst *domain.WaInstance, ev *Event) error {
	var data struct {
		Key struct {
			Id        string `json:"id"`
			RemoteJid string `json:"remoteJid"`
			FromMe    bool   `json:"fromMe"`
		} `json:"key"`
		Message struct {
			Conversation string `json:"conversation"`
		} `json:"message"`
		MessageTimestamp int64 `json:"messageTimestamp"`
	}
	if err := fastjson.Unmarshal(ev.Data, &data); err != nil {
		return errors.Wrap(err, "decode messages.upsert")
	}
	if data.Key.FromMe {
		// echo of our own outbound, the send path already logged it
		return nil
	}
	if data.Key.Id == "" {
		return errors.New("messages.upsert without message id")
	}

	deliveredAt := ev.ReceivedAt
	if data.MessageTimestamp > 0 {
		deliveredAt = time.Unix(data.MessageTimestamp, 0)
	}
	created, err := ig.store.InsertInbound(ctx, &domain.WaMessage{
		InstanceId:      inst.ID,
		Kind:            domain.MessageKindText,
		Destination:     data.Key.RemoteJid,
		Content:         data.Message.Conversation,
		BridgeMessageId: data.Key.Id,
		DeliveredAt:     deliveredAt,
	})
	if err != nil {
		return errors.Wrap(err, "insert inbound message")
	}
	if !created {
		zap.L().Debug("duplicate inbound message skipped",
			zap.String("bridge_message_id", data.Key.Id))
		return nil
	}
	return ig.registry.RecordReceive(ctx, inst.ID)
}

// receiptStatus maps the bridge delivery-ack strings to message statuses.
var receiptStatus = map[string]string{
	"DELIVERY_ACK": domain.MessageDelivered,
	"READ":         domain.MessageRead,
}

func (ig *Ingestor) handleMessagesUpdate(ctx context.Context, inst *domain.WaInstance, ev *Event) error {
	var data struct {
		Key struct {
			Id string `json:"id"`
		} `json:"key"`
		Update struct {
			Status string `json:"status"`
		} `json:"update"`
	}
	if err := fastjson.Unmarshal(ev.Data, &data); err != nil {
		return errors.Wrap(err, "decode messages.update")
	}
	if data.Key.Id == "" {
		return errors.New("messages.update without message id")
	}

	toStatus, ok := receiptStatus[data.Update.Status]
	if !ok {
		// SERVER_ACK and friends carry nothing beyond what the send path recorded
		return nil
	}
	advanced, err := ig.store.AdvanceReceipt(ctx, data.Key.Id, toStatus, ev.ReceivedAt)
	if err != nil {
		return errors.Wrap(err, "advance receipt")
	}
	if !advanced {
		zap.L().Debug("stale receipt discarded",
			zap.String("bridge_message_id", data.Key.Id),
			zap.String("receipt", data.Update.Status))
	}
	return nil
}

// TickPrune drops idempotency ledger rows older than the retention window.
func (ig *Ingestor) TickPrune() {
	res := ig.db.Where("received_at < ?", time.Now().Add(-webhookLogRetention)).
		Delete(&domain.WaWebhookLog{})
	if res.Error != nil {
		zap.L().Error("webhook log prune failed", zap.Error(res.Error))
		return
	}
	if res.RowsAffected > 0 {
		zap.L().Info("webhook log pruned", zap.Int64("rows", res.RowsAffected))
	}
}
