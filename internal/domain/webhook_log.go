package domain

import "time"

// WaWebhookLog is the webhook idempotency ledger. One row per logical
// event; the unique fingerprint makes redelivered events no-ops.
type WaWebhookLog struct {
	ID           int64     `json:"id,string" gorm:"primaryKey"`
	Fingerprint  string    `json:"fingerprint" gorm:"uniqueIndex;size:64"`
	EventType    string    `json:"event_type" gorm:"index"`
	InstanceName string    `json:"instance_name" gorm:"index"`
	ReceivedAt   time.Time `json:"received_at" gorm:"index"`
}

// TableName Specify table name
func (WaWebhookLog) TableName() string {
	return "wa_webhook_log"
}
