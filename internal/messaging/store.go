// Package messaging owns the message log and the outbound delivery path.
package messaging

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/talkincode/wagate/internal/domain"
	"github.com/talkincode/wagate/pkg/common"
	"gorm.io/gorm"
)

var ErrMessageNotFound = errors.New("message not found")

// Store is the single writer for wa_message rows. Status changes go through
// conditional updates so out-of-order webhooks and concurrent sweeps cannot
// regress a message.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Create(ctx context.Context, msg *domain.WaMessage) error {
	if msg.ID == 0 {
		msg.ID = common.UUIDint64()
	}
	return s.db.WithContext(ctx).Create(msg).Error
}

func (s *Store) Get(ctx context.Context, id int64) (*domain.WaMessage, error) {
	var msg domain.WaMessage
	err := s.db.WithContext(ctx).First(&msg, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (s *Store) GetByBridgeId(ctx context.Context, bridgeId string) (*domain.WaMessage, error) {
	var msg domain.WaMessage
	err := s.db.WithContext(ctx).Where("bridge_message_id = ?", bridgeId).First(&msg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// ListByInstance returns messages for one instance, newest first.
func (s *Store) ListByInstance(ctx context.Context, instanceId int64, limit int) ([]domain.WaMessage, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var msgs []domain.WaMessage
	err := s.db.WithContext(ctx).
		Where("instance_id = ?", instanceId).
		Order("created_at DESC").
		Limit(limit).
		Find(&msgs).Error
	return msgs, err
}

// MarkSent records the bridge acknowledgement for a pending message.
func (s *Store) MarkSent(ctx context.Context, id int64, bridgeId string) error {
	res := s.db.WithContext(ctx).Model(&domain.WaMessage{}).
		Where("id = ? AND status = ?", id, domain.MessagePending).
		Updates(map[string]interface{}{
			"status":            domain.MessageSent,
			"bridge_message_id": bridgeId,
			"sent_at":           time.Now(),
			"error_code":        "",
			"error_message":     "",
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errors.Wrapf(ErrMessageNotFound, "mark sent %d", id)
	}
	return nil
}

// MarkFailed parks a pending message on failed with the bridge error.
func (s *Store) MarkFailed(ctx context.Context, id int64, code, message string) error {
	res := s.db.WithContext(ctx).Model(&domain.WaMessage{}).
		Where("id = ? AND status = ?", id, domain.MessagePending).
		Updates(map[string]interface{}{
			"status":        domain.MessageFailed,
			"error_code":    code,
			"error_message": message,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errors.Wrapf(ErrMessageNotFound, "mark failed %d", id)
	}
	return nil
}

// InsertInbound stores a delivered inbound message keyed by the bridge's
// message id. Duplicate ids are no-ops; the bool reports whether a row was
// actually created. Outbound rows may share an empty bridge id, so the
// dedup lookup is scoped to inbound rows.
func (s *Store) InsertInbound(ctx context.Context, msg *domain.WaMessage) (bool, error) {
	if msg.ID == 0 {
		msg.ID = common.UUIDint64()
	}
	msg.Direction = domain.MessageInbound
	msg.Status = domain.MessageDelivered
	if msg.DeliveredAt.IsZero() {
		msg.DeliveredAt = time.Now()
	}
	created := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&domain.WaMessage{}).
			Where("direction = ? AND bridge_message_id = ?",
				domain.MessageInbound, msg.BridgeMessageId).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return nil
		}
		if err := tx.Create(msg).Error; err != nil {
			return err
		}
		created = true
		return nil
	})
	return created, err
}

// AdvanceReceipt moves an outbound message forward along sent -> delivered
// -> read. Receipts older than the current status touch zero rows and the
// caller treats that as a discard.
func (s *Store) AdvanceReceipt(ctx context.Context, bridgeId string, toStatus string, at time.Time) (bool, error) {
	updates := map[string]interface{}{"status": toStatus}
	var fromStatuses []string
	switch toStatus {
	case domain.MessageDelivered:
		fromStatuses = []string{domain.MessagePending, domain.MessageSent}
		updates["delivered_at"] = at
	case domain.MessageRead:
		fromStatuses = []string{domain.MessagePending, domain.MessageSent, domain.MessageDelivered}
		updates["read_at"] = at
	default:
		return false, errors.Errorf("receipt status %q not advanceable", toStatus)
	}
	res := s.db.WithContext(ctx).Model(&domain.WaMessage{}).
		Where("bridge_message_id = ? AND direction = ? AND status IN ?",
			bridgeId, domain.MessageOutbound, fromStatuses).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// SelectRetryable picks failed outbound messages still inside the retry
// ceiling and the 24-hour window. The two filters together bound the
// sweep's working set.
func (s *Store) SelectRetryable(ctx context.Context, limit int) ([]domain.WaMessage, error) {
	if limit <= 0 {
		limit = 200
	}
	var msgs []domain.WaMessage
	err := s.db.WithContext(ctx).
		Where("direction = ? AND status = ? AND retry_count < ? AND created_at > ?",
			domain.MessageOutbound, domain.MessageFailed, domain.MaxSendRetries,
			time.Now().Add(-domain.RetryWindow)).
		Order("created_at ASC").
		Limit(limit).
		Find(&msgs).Error
	return msgs, err
}

// BeginRetry is the explicit retry action: failed -> pending with the retry
// counter incremented, conditional on the observed retry_count so two
// sweeps cannot double-drive one message.
func (s *Store) BeginRetry(ctx context.Context, msg *domain.WaMessage) (bool, error) {
	res := s.db.WithContext(ctx).Model(&domain.WaMessage{}).
		Where("id = ? AND status = ? AND retry_count = ?",
			msg.ID, domain.MessageFailed, msg.RetryCount).
		Updates(map[string]interface{}{
			"status":      domain.MessagePending,
			"retry_count": msg.RetryCount + 1,
		})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	msg.Status = domain.MessagePending
	msg.RetryCount++
	return true, nil
}
