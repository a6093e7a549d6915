// Package adminapi exposes the management REST surface and the bridge
// webhook endpoint.
package adminapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/talkincode/wagate/internal/app"
	"github.com/talkincode/wagate/internal/bridge"
	"github.com/talkincode/wagate/internal/domain"
	"github.com/talkincode/wagate/internal/instance"
	"github.com/talkincode/wagate/internal/messaging"
	"github.com/talkincode/wagate/internal/webhook"
	"github.com/talkincode/wagate/pkg/common"
	"go.uber.org/zap"
)

// WebApi wires the HTTP handlers to the service components.
type WebApi struct {
	app        *app.Application
	registry   *instance.Registry
	quota      *instance.QuotaManager
	store      *messaging.Store
	dispatcher *messaging.Dispatcher
	ingestor   *webhook.Ingestor
	bridge     bridge.Client
}

func NewWebApi(
	application *app.Application,
	registry *instance.Registry,
	quota *instance.QuotaManager,
	store *messaging.Store,
	dispatcher *messaging.Dispatcher,
	ingestor *webhook.Ingestor,
	client bridge.Client,
) *WebApi {
	return &WebApi{
		app:        application,
		registry:   registry,
		quota:      quota,
		store:      store,
		dispatcher: dispatcher,
		ingestor:   ingestor,
		bridge:     client,
	}
}

// Register mounts all routes. The webhook endpoint lives outside /api/v1
// because the bridge authenticates by per-instance token, not admin secret.
func (h *WebApi) Register(e *echo.Echo) {
	api := e.Group("/api/v1")

	api.GET("/whatsapp/instances", h.listInstances)
	api.POST("/whatsapp/instances", h.createInstance)
	api.GET("/whatsapp/instances/:id", h.getInstance)
	api.DELETE("/whatsapp/instances/:id", h.removeInstance)
	api.GET("/whatsapp/instances/:id/qr", h.getInstanceQR)
	api.GET("/whatsapp/instances/:id/state", h.getInstanceState)
	api.POST("/whatsapp/instances/:id/connect", h.connectInstance)
	api.POST("/whatsapp/instances/:id/logout", h.logoutInstance)
	api.POST("/whatsapp/instances/:id/suspend", h.suspendInstance)
	api.POST("/whatsapp/instances/:id/reconnect", h.enableReconnect)
	api.GET("/whatsapp/instances/:id/quota", h.getInstanceQuota)
	api.PUT("/whatsapp/instances/:id/quota", h.updateInstanceQuota)
	api.GET("/whatsapp/instances/:id/messages", h.listMessages)
	api.POST("/whatsapp/instances/:id/send", h.sendMessage)
	api.POST("/whatsapp/messages/:id/retry", h.retryMessage)

	api.GET("/settings/:category", h.listSettings)
	api.PUT("/settings/:category/:name", h.updateSetting)

	e.POST("/webhook/:token", h.postWebhook)
}

func ok(c echo.Context, data interface{}) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"code": 0,
		"data": data,
	})
}

func fail(c echo.Context, status int, code, message string, detail interface{}) error {
	return c.JSON(status, map[string]interface{}{
		"code":    1,
		"error":   code,
		"message": message,
		"detail":  detail,
	})
}

func paged(c echo.Context, items interface{}, total int64, page, pageSize int) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"code":      0,
		"data":      items,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

func parsePagination(c echo.Context) (page, pageSize int) {
	page, _ = strconv.Atoi(c.QueryParam("page"))
	if page <= 0 {
		page = 1
	}
	pageSize, _ = strconv.Atoi(c.QueryParam("page_size"))
	if pageSize <= 0 || pageSize > 500 {
		pageSize = 50
	}
	return page, pageSize
}

func parseIDParam(c echo.Context, name string) (int64, error) {
	return strconv.ParseInt(c.Param(name), 10, 64)
}

// oprLog records one admin action for the audit trail. Failures only log.
func (h *WebApi) oprLog(c echo.Context, action, desc string) {
	err := h.app.DB().Create(&domain.SysOprLog{
		ID:        common.UUIDint64(),
		OprName:   "admin",
		OprIp:     c.RealIP(),
		OptAction: action,
		OptDesc:   desc,
		OptTime:   time.Now(),
	}).Error
	if err != nil {
		zap.L().Error("oprlog write failed", zap.String("action", action), zap.Error(err))
	}
}
