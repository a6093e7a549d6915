package adminapi

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/talkincode/wagate/internal/instance"
	"github.com/talkincode/wagate/internal/webhook"
	"go.uber.org/zap"
)

// postWebhook receives bridge event pushes. The per-instance token in the
// path is the only authentication. Authenticated events are always
// acknowledged with 200; processing errors are logged, never surfaced, so
// the bridge does not redeliver events that will fail identically.
func (h *WebApi) postWebhook(c echo.Context) error {
	inst, err := h.registry.GetByToken(c.Request().Context(), c.Param("token"))
	if errors.Is(err, instance.ErrNotFound) {
		return fail(c, http.StatusNotFound, "UNKNOWN_TOKEN", "Unknown webhook token", nil)
	}
	if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to resolve token", err.Error())
	}

	var ev webhook.Event
	if err := c.Bind(&ev); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse event", err.Error())
	}
	ev.ReceivedAt = time.Now()
	if ev.Instance != "" && ev.Instance != inst.Name {
		zap.L().Warn("webhook session name mismatch",
			zap.String("token_instance", inst.Name),
			zap.String("event_instance", ev.Instance))
	}

	if err := h.ingestor.Ingest(c.Request().Context(), inst, &ev); err != nil {
		zap.L().Error("webhook event processing failed",
			zap.String("instance", inst.Name),
			zap.String("event", ev.Event),
			zap.Error(err))
	}
	return ok(c, map[string]interface{}{"received": true})
}
