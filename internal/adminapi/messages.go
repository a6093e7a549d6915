package adminapi

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/talkincode/wagate/internal/domain"
	"github.com/talkincode/wagate/internal/instance"
	"github.com/talkincode/wagate/internal/messaging"
)

func (h *WebApi) listMessages(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid instance ID", nil)
	}
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	msgs, err := h.store.ListByInstance(c.Request().Context(), id, limit)
	if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query messages", err.Error())
	}
	return ok(c, msgs)
}

// sendMessage is the synchronous send endpoint. Quota and connection
// failures come back as client errors; a bridge failure leaves the logged
// message in failed state for the retry sweep.
func (h *WebApi) sendMessage(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid instance ID", nil)
	}
	var req messaging.SendRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request", err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Validation failed", err.Error())
	}

	msg, err := h.dispatcher.Send(c.Request().Context(), id, req)
	switch {
	case errors.Is(err, instance.ErrNotFound):
		return fail(c, http.StatusNotFound, "INSTANCE_NOT_FOUND", "Instance not found", nil)
	case errors.Is(err, messaging.ErrInstanceNotConnected):
		return fail(c, http.StatusConflict, "NOT_CONNECTED", "Instance is not connected", err.Error())
	case errors.Is(err, instance.ErrQuotaExceeded):
		return fail(c, http.StatusTooManyRequests, "QUOTA_EXCEEDED", "Send quota exceeded", err.Error())
	case err != nil:
		// msg is non-nil here: the send was accepted, logged and failed
		return c.JSON(http.StatusBadGateway, map[string]interface{}{
			"code":    1,
			"error":   "SEND_FAILED",
			"message": "Bridge rejected the message, queued for retry",
			"data":    msg,
		})
	}
	return ok(c, msg)
}

// retryMessage manually re-drives one failed message. The automatic retry
// ceiling applies to manual retries as well.
func (h *WebApi) retryMessage(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid message ID", nil)
	}
	ctx := c.Request().Context()
	msg, err := h.store.Get(ctx, id)
	if errors.Is(err, messaging.ErrMessageNotFound) {
		return fail(c, http.StatusNotFound, "MESSAGE_NOT_FOUND", "Message not found", nil)
	}
	if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query message", err.Error())
	}
	if msg.Direction != domain.MessageOutbound || msg.Status != domain.MessageFailed {
		return fail(c, http.StatusConflict, "NOT_RETRYABLE", "Only failed outbound messages can be retried", nil)
	}
	if msg.RetryCount >= domain.MaxSendRetries {
		return fail(c, http.StatusConflict, "RETRY_EXHAUSTED", "Message retry budget exhausted", nil)
	}

	started, err := h.store.BeginRetry(ctx, msg)
	if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to start retry", err.Error())
	}
	if !started {
		return fail(c, http.StatusConflict, "RETRY_RACE", "Message was retried concurrently", nil)
	}

	err = h.dispatcher.Resend(ctx, msg)
	switch {
	case errors.Is(err, messaging.ErrInstanceNotConnected):
		// no bridge attempt happened, put the message back on failed
		_ = h.store.MarkFailed(ctx, msg.ID, "NOT_CONNECTED", err.Error())
		return fail(c, http.StatusConflict, "NOT_CONNECTED", "Instance is not connected", err.Error())
	case errors.Is(err, instance.ErrQuotaExceeded):
		_ = h.store.MarkFailed(ctx, msg.ID, "QUOTA_EXCEEDED", err.Error())
		return fail(c, http.StatusTooManyRequests, "QUOTA_EXCEEDED", "Send quota exceeded", err.Error())
	case err != nil:
		return c.JSON(http.StatusBadGateway, map[string]interface{}{
			"code":    1,
			"error":   "SEND_FAILED",
			"message": "Retry failed",
			"data":    msg,
		})
	}
	h.oprLog(c, "retry_message", "Manually retried message "+strconv.FormatInt(msg.ID, 10))
	return ok(c, msg)
}
