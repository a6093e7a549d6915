package domain

import "time"

// Message direction.
const (
	MessageOutbound = "outbound"
	MessageInbound  = "inbound"
)

// Message content kinds.
const (
	MessageKindText  = "text"
	MessageKindMedia = "media"
	MessageKindGroup = "group"
)

// Outbound message statuses. Receipts only ever move a message forward
// along sent -> delivered -> read.
const (
	MessagePending   = "pending"
	MessageSent      = "sent"
	MessageDelivered = "delivered"
	MessageRead      = "read"
	MessageFailed    = "failed"
)

const (
	// MaxSendRetries bounds how often a failed outbound message is re-driven.
	MaxSendRetries = 3
	// RetryWindow is how long after creation a failed message stays eligible
	// for the retry sweep.
	RetryWindow = 24 * time.Hour
)

// statusRank orders the delivery pipeline for receipt monotonicity checks.
var statusRank = map[string]int{
	MessagePending:   0,
	MessageSent:      1,
	MessageDelivered: 2,
	MessageRead:      3,
}

// StatusRank returns the pipeline position of a delivery status, -1 for
// statuses outside the pipeline (failed, unknown).
func StatusRank(status string) int {
	r, ok := statusRank[status]
	if !ok {
		return -1
	}
	return r
}

// WaMessage is one logged message, outbound or inbound. BridgeMessageId is
// the bridge's id and keys receipt correlation and inbound deduplication.
type WaMessage struct {
	ID         int64  `json:"id,string" gorm:"primaryKey"`
	InstanceId int64  `json:"instance_id,string" gorm:"index"`
	Direction  string `json:"direction"`
	Kind       string `json:"kind"`

	Destination string `json:"destination"`
	Content     string `json:"content"`
	MediaURL    string `json:"media_url"`

	Status          string `json:"status" gorm:"index"`
	BridgeMessageId string `json:"bridge_message_id" gorm:"index"`
	RetryCount      int    `json:"retry_count"`
	ErrorCode       string `json:"error_code"`
	ErrorMessage    string `json:"error_message"`

	SentAt      time.Time `json:"sent_at"`
	DeliveredAt time.Time `json:"delivered_at"`
	ReadAt      time.Time `json:"read_at"`
	CreatedAt   time.Time `json:"created_at" gorm:"index"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TableName Specify table name
func (WaMessage) TableName() string {
	return "wa_message"
}
