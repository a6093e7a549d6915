package adminapi

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/talkincode/wagate/internal/app"
	"github.com/talkincode/wagate/internal/domain"
	"github.com/talkincode/wagate/internal/instance"
	"go.uber.org/zap"
)

type instancePayload struct {
	NodeId       int64  `json:"node_id,string"`
	Name         string `json:"name" validate:"required,min=3,max=64"`
	Phone        string `json:"phone" validate:"omitempty,max=32"`
	DailyLimit   int64  `json:"daily_limit" validate:"omitempty,min=0"`
	MonthlyLimit int64  `json:"monthly_limit" validate:"omitempty,min=0"`
}

func (h *WebApi) listInstances(c echo.Context) error {
	page, pageSize := parsePagination(c)

	base := h.app.DB().Model(&domain.WaInstance{})
	if status := c.QueryParam("status"); status != "" {
		base = base.Where("status = ?", status)
	}
	if keyword := strings.TrimSpace(c.QueryParam("keyword")); keyword != "" {
		base = base.Where("name LIKE ? OR phone LIKE ?", "%"+keyword+"%", "%"+keyword+"%")
	}

	var total int64
	if err := base.Count(&total).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query instances", err.Error())
	}
	var insts []domain.WaInstance
	if err := base.Order("created_at DESC").Offset((page - 1) * pageSize).Limit(pageSize).Find(&insts).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query instances", err.Error())
	}
	return paged(c, insts, total, page, pageSize)
}

// createInstance registers the instance, provisions a bridge session and
// returns the initial QR material when the bridge already issued one.
func (h *WebApi) createInstance(c echo.Context) error {
	var payload instancePayload
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request", err.Error())
	}
	if err := c.Validate(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Validation failed", err.Error())
	}
	if payload.NodeId == 0 {
		payload.NodeId = app.DefaultNodeId
	}
	if payload.DailyLimit == 0 {
		payload.DailyLimit = h.app.GetSettingsInt64Value(app.ConfigWhatsApp, "DefaultDailyLimit")
	}
	if payload.MonthlyLimit == 0 {
		payload.MonthlyLimit = h.app.GetSettingsInt64Value(app.ConfigWhatsApp, "DefaultMonthlyLimit")
	}

	ctx := c.Request().Context()
	inst, err := h.registry.Create(ctx, payload.NodeId, payload.Name, payload.Phone,
		payload.DailyLimit, payload.MonthlyLimit)
	if errors.Is(err, instance.ErrDuplicateName) {
		return fail(c, http.StatusConflict, "INSTANCE_EXISTS", "Instance name already exists", nil)
	}
	if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to create instance", err.Error())
	}

	webhookURL := fmt.Sprintf("%s/webhook/%s",
		strings.TrimRight(h.app.Config().Bridge.WebhookBase, "/"), inst.Token)
	info, err := h.bridge.CreateInstance(ctx, inst.Name, webhookURL)
	if err != nil {
		zap.L().Error("bridge session create failed",
			zap.String("instance", inst.Name), zap.Error(err))
		if _, terr := h.registry.Transition(ctx, inst.ID, instance.EventFailure,
			"bridge session create failed: "+err.Error()); terr != nil {
			zap.L().Error("failure transition failed",
				zap.String("instance", inst.Name), zap.Error(terr))
		}
		inst, _ = h.registry.Get(ctx, inst.ID)
		return c.JSON(http.StatusBadGateway, map[string]interface{}{
			"code":    1,
			"error":   "BRIDGE_ERROR",
			"message": "Instance created but bridge session provisioning failed",
			"data":    inst,
		})
	}
	if info != nil && info.Qr != "" {
		expires := info.QrExpiresAt
		if expires.IsZero() {
			expires = time.Now().Add(domain.QRValidity)
		}
		if err := h.registry.SetQR(ctx, inst.ID, info.Qr, expires); err != nil {
			zap.L().Warn("initial qr store failed",
				zap.String("instance", inst.Name), zap.Error(err))
		}
	}

	h.oprLog(c, "create_instance", "Created WhatsApp instance "+inst.Name)
	inst, err = h.registry.Get(ctx, inst.ID)
	if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to reload instance", err.Error())
	}
	return ok(c, inst)
}

func (h *WebApi) getInstance(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid instance ID", nil)
	}
	inst, err := h.registry.Get(c.Request().Context(), id)
	if errors.Is(err, instance.ErrNotFound) {
		return fail(c, http.StatusNotFound, "INSTANCE_NOT_FOUND", "Instance not found", nil)
	}
	if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query instance", err.Error())
	}
	return ok(c, inst)
}

// removeInstance logs the session out of the bridge on a best-effort basis
// and soft-deletes the record. Message history stays.
func (h *WebApi) removeInstance(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid instance ID", nil)
	}
	ctx := c.Request().Context()
	inst, err := h.registry.Get(ctx, id)
	if errors.Is(err, instance.ErrNotFound) {
		return fail(c, http.StatusNotFound, "INSTANCE_NOT_FOUND", "Instance not found", nil)
	}
	if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query instance", err.Error())
	}

	if lerr := h.bridge.LogoutInstance(ctx, inst.Name); lerr != nil {
		zap.L().Warn("bridge logout on remove failed",
			zap.String("instance", inst.Name), zap.Error(lerr))
	}
	if err := h.registry.Remove(ctx, id); err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to remove instance", err.Error())
	}
	h.oprLog(c, "remove_instance", "Removed WhatsApp instance "+inst.Name)
	return ok(c, map[string]interface{}{"removed": true})
}

// getInstanceQR returns current pairing material. Expired or absent QR
// reports has_qr false; the QR sweep refreshes it in the background.
func (h *WebApi) getInstanceQR(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid instance ID", nil)
	}
	inst, err := h.registry.Get(c.Request().Context(), id)
	if errors.Is(err, instance.ErrNotFound) {
		return fail(c, http.StatusNotFound, "INSTANCE_NOT_FOUND", "Instance not found", nil)
	}
	if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query instance", err.Error())
	}
	valid := inst.QrValid(time.Now())
	resp := map[string]interface{}{
		"has_qr":     valid,
		"status":     inst.Status,
		"expires_at": inst.QrExpiresAt,
	}
	if valid {
		resp["code"] = inst.QrCode
	}
	return ok(c, resp)
}

// getInstanceState reports the live bridge state next to the persisted
// status. The shared client collapses concurrent queries for one session,
// so dashboard polling cannot stampede the bridge behind the health poll.
func (h *WebApi) getInstanceState(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid instance ID", nil)
	}
	ctx := c.Request().Context()
	inst, err := h.registry.Get(ctx, id)
	if errors.Is(err, instance.ErrNotFound) {
		return fail(c, http.StatusNotFound, "INSTANCE_NOT_FOUND", "Instance not found", nil)
	}
	if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query instance", err.Error())
	}

	state, err := h.bridge.GetState(ctx, inst.Name)
	if err != nil {
		return fail(c, http.StatusBadGateway, "BRIDGE_ERROR", "Bridge state query failed", err.Error())
	}
	return ok(c, map[string]interface{}{
		"status":       inst.Status,
		"bridge_state": state,
	})
}

// connectInstance asks the bridge for a fresh pairing attempt.
func (h *WebApi) connectInstance(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid instance ID", nil)
	}
	ctx := c.Request().Context()
	inst, err := h.registry.Get(ctx, id)
	if errors.Is(err, instance.ErrNotFound) {
		return fail(c, http.StatusNotFound, "INSTANCE_NOT_FOUND", "Instance not found", nil)
	}
	if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query instance", err.Error())
	}

	info, err := h.bridge.ConnectInstance(ctx, inst.Name)
	if err != nil {
		return fail(c, http.StatusBadGateway, "BRIDGE_ERROR", "Bridge connect failed", err.Error())
	}
	if info.Qr != "" {
		expires := info.QrExpiresAt
		if expires.IsZero() {
			expires = time.Now().Add(domain.QRValidity)
		}
		if serr := h.registry.SetQR(ctx, inst.ID, info.Qr, expires); serr != nil &&
			!errors.Is(serr, instance.ErrInvalidTransition) {
			return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to store QR", serr.Error())
		}
	}
	h.oprLog(c, "connect_instance", "Requested bridge connect for "+inst.Name)
	return ok(c, map[string]interface{}{
		"state":  info.State,
		"has_qr": info.Qr != "",
	})
}

// logoutInstance terminates the bridge session and disconnects the instance.
func (h *WebApi) logoutInstance(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid instance ID", nil)
	}
	ctx := c.Request().Context()
	inst, err := h.registry.Get(ctx, id)
	if errors.Is(err, instance.ErrNotFound) {
		return fail(c, http.StatusNotFound, "INSTANCE_NOT_FOUND", "Instance not found", nil)
	}
	if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query instance", err.Error())
	}

	if err := h.bridge.LogoutInstance(ctx, inst.Name); err != nil {
		return fail(c, http.StatusBadGateway, "BRIDGE_ERROR", "Bridge logout failed", err.Error())
	}
	inst, err = h.registry.Transition(ctx, inst.ID, instance.EventDropped, "operator logout")
	if errors.Is(err, instance.ErrInvalidTransition) {
		return fail(c, http.StatusConflict, "INVALID_STATE", "Instance is not connected", nil)
	}
	if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to update instance", err.Error())
	}
	// a deliberate logout must not be fought by the reconnect sweep
	if err := h.registry.DisableAutoReconnect(ctx, inst.ID, "operator logout"); err != nil {
		zap.L().Error("disable auto reconnect after logout failed",
			zap.String("instance", inst.Name), zap.Error(err))
	}
	h.oprLog(c, "logout_instance", "Logged out WhatsApp instance "+inst.Name)
	return ok(c, map[string]interface{}{"status": domain.InstanceDisconnected})
}

// suspendInstance parks the instance administratively from any state.
func (h *WebApi) suspendInstance(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid instance ID", nil)
	}
	ctx := c.Request().Context()
	inst, err := h.registry.Transition(ctx, id, instance.EventSuspend, "operator suspend")
	if errors.Is(err, instance.ErrNotFound) {
		return fail(c, http.StatusNotFound, "INSTANCE_NOT_FOUND", "Instance not found", nil)
	}
	if errors.Is(err, instance.ErrInvalidTransition) {
		return fail(c, http.StatusConflict, "INVALID_STATE", "Instance is already suspended", nil)
	}
	if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to suspend instance", err.Error())
	}
	h.oprLog(c, "suspend_instance", "Suspended WhatsApp instance "+inst.Name)
	return ok(c, inst)
}

// enableReconnect re-arms automatic reconnection after an exhaustion park
// and zeroes the attempt counter.
func (h *WebApi) enableReconnect(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid instance ID", nil)
	}
	ctx := c.Request().Context()
	if err := h.registry.EnableAutoReconnect(ctx, id); err != nil {
		if errors.Is(err, instance.ErrNotFound) {
			return fail(c, http.StatusNotFound, "INSTANCE_NOT_FOUND", "Instance not found", nil)
		}
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to update instance", err.Error())
	}
	h.oprLog(c, "enable_reconnect", fmt.Sprintf("Re-armed auto reconnect for instance %d", id))
	inst, err := h.registry.Get(ctx, id)
	if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to reload instance", err.Error())
	}
	return ok(c, inst)
}

// getInstanceQuota reports both budgets for the instance.
func (h *WebApi) getInstanceQuota(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid instance ID", nil)
	}
	inst, err := h.registry.Get(c.Request().Context(), id)
	if errors.Is(err, instance.ErrNotFound) {
		return fail(c, http.StatusNotFound, "INSTANCE_NOT_FOUND", "Instance not found", nil)
	}
	if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query instance", err.Error())
	}
	return ok(c, map[string]interface{}{
		"daily":   instance.DailyRemaining(inst),
		"monthly": instance.MonthlyRemaining(inst),
	})
}

// updateInstanceQuota applies limits pushed by the billing side. Counters
// are not reset; only the ceilings move.
func (h *WebApi) updateInstanceQuota(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid instance ID", nil)
	}
	var payload struct {
		DailyLimit   int64 `json:"daily_limit" validate:"min=0"`
		MonthlyLimit int64 `json:"monthly_limit" validate:"min=0"`
	}
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request", err.Error())
	}
	if err := c.Validate(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Validation failed", err.Error())
	}
	ctx := c.Request().Context()
	if err := h.registry.SetQuotaLimits(ctx, id, payload.DailyLimit, payload.MonthlyLimit); err != nil {
		if errors.Is(err, instance.ErrNotFound) {
			return fail(c, http.StatusNotFound, "INSTANCE_NOT_FOUND", "Instance not found", nil)
		}
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to update quota", err.Error())
	}
	h.oprLog(c, "update_quota", fmt.Sprintf("Updated quota limits for instance %d", id))
	inst, err := h.registry.Get(ctx, id)
	if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to reload instance", err.Error())
	}
	return ok(c, inst.Quota)
}
