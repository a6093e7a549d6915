package domain

import (
	"time"

	"gorm.io/gorm"
)

// Instance lifecycle states.
const (
	InstanceCreating     = "creating"
	InstanceWaitingQR    = "waiting_qr"
	InstanceConnected    = "connected"
	InstanceDisconnected = "disconnected"
	InstanceError        = "error"
	InstanceSuspended    = "suspended"
)

const (
	// MaxReconnectAttempts parks an instance once automatic reconnection
	// has failed this many times.
	MaxReconnectAttempts = 5
	// MaxPollFailures forces a disconnect after this many consecutive
	// health-poll transport failures.
	MaxPollFailures = 3
	// QRValidity is how long issued pairing material stays scannable.
	QRValidity = 60 * time.Second
)

// InstanceQuota holds the send budget counters. A zero limit disables the
// corresponding budget.
type InstanceQuota struct {
	DailyLimit         int64     `json:"daily_limit"`
	DailySent          int64     `json:"daily_sent"`
	MonthlyLimit       int64     `json:"monthly_limit"`
	MonthlySent        int64     `json:"monthly_sent"`
	LastDailyResetAt   time.Time `json:"last_daily_reset_at"`
	LastMonthlyResetAt time.Time `json:"last_monthly_reset_at"`
}

// InstanceStats are cumulative counters for operator visibility.
type InstanceStats struct {
	Sent            int64     `json:"sent"`
	Received        int64     `json:"received"`
	Failed          int64     `json:"failed"`
	ConnectionDrops int64     `json:"connection_drops"`
	LastMessageAt   time.Time `json:"last_message_at"`
}

// WaInstance is one managed WhatsApp account session. Status changes go
// through the instance registry only; Version advances on every applied
// update so concurrent reconcilers detect stale pictures of the row.
type WaInstance struct {
	ID     int64  `json:"id,string" gorm:"primaryKey"`
	NodeId int64  `json:"node_id,string" gorm:"index"`
	Name   string `json:"name" gorm:"uniqueIndex"`
	Phone  string `json:"phone"`
	// Token authenticates inbound webhook posts for this instance.
	Token  string `json:"-" gorm:"uniqueIndex"`
	Status string `json:"status" gorm:"index"`

	QrCode      string    `json:"qr_code"`
	QrExpiresAt time.Time `json:"qr_expires_at"`

	AutoReconnect     bool `json:"auto_reconnect"`
	ReconnectAttempts int  `json:"reconnect_attempts"`
	PollFailures      int  `json:"poll_failures"`
	ErrorCount        int  `json:"error_count"`

	LastSeenAt  time.Time `json:"last_seen_at"`
	LastError   string    `json:"last_error"`
	LastErrorAt time.Time `json:"last_error_at"`

	Quota InstanceQuota `json:"quota" gorm:"embedded;embeddedPrefix:quota_"`
	Stats InstanceStats `json:"stats" gorm:"embedded;embeddedPrefix:stat_"`

	Version   int64          `json:"version"`
	Remark    string         `json:"remark"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`
}

// TableName Specify table name
func (WaInstance) TableName() string {
	return "wa_instance"
}

// QrValid reports whether the stored pairing material is still scannable at t.
func (d *WaInstance) QrValid(t time.Time) bool {
	return d.QrCode != "" && t.Before(d.QrExpiresAt)
}
