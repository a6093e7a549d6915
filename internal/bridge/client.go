// Package bridge is the typed client for the external WhatsApp bridge
// service. The bridge speaks the messaging-network protocol; this side only
// manages sessions against it and relays messages through it.
package bridge

import (
	"context"
	"fmt"
	"time"
)

// Connection state strings reported by the bridge.
const (
	StateOpen       = "open"
	StateConnecting = "connecting"
	StateClose      = "close"
)

// SessionInfo is returned by session create/connect calls. Qr is empty when
// the session is already paired.
type SessionInfo struct {
	Qr          string    `json:"qr"`
	QrExpiresAt time.Time `json:"qr_expires_at"`
	State       string    `json:"state"`
}

// SendResult carries the bridge acknowledgement of an accepted message.
type SendResult struct {
	BridgeMessageId string `json:"bridge_message_id"`
}

// Client is the operation surface this service consumes from the bridge.
// Every call may fail with a *Error; transport failures are flagged
// Transient and are retried by the calling component's own policy.
type Client interface {
	CreateInstance(ctx context.Context, name string, webhookURL string) (*SessionInfo, error)
	ConnectInstance(ctx context.Context, name string) (*SessionInfo, error)
	GetState(ctx context.Context, name string) (string, error)
	RestartInstance(ctx context.Context, name string) error
	LogoutInstance(ctx context.Context, name string) error
	SendText(ctx context.Context, name string, to string, text string) (*SendResult, error)
	SendMedia(ctx context.Context, name string, to string, mediaURL string, caption string) (*SendResult, error)
	SendGroup(ctx context.Context, name string, groupId string, text string) (*SendResult, error)
}

// Error is the bridge error taxonomy. Transient errors (bridge unreachable,
// timeout) may be retried; semantic errors are permanent for that attempt.
type Error struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Transient bool   `json:"transient"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("bridge: %s: %s", e.Code, e.Message)
}

// IsTransient reports whether err is a transient bridge error.
func IsTransient(err error) bool {
	be, ok := err.(*Error)
	return ok && be.Transient
}

func transportError(err error) *Error {
	return &Error{Code: "TRANSPORT", Message: err.Error(), Transient: true}
}
