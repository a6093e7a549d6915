package adminapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/talkincode/wagate/internal/domain"
)

func (h *WebApi) listSettings(c echo.Context) error {
	category := c.Param("category")
	var items []domain.SysConfig
	if err := h.app.DB().
		Where("type = ?", category).
		Order("sort, name").
		Find(&items).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query settings", err.Error())
	}
	return ok(c, items)
}

func (h *WebApi) updateSetting(c echo.Context) error {
	category, name := c.Param("category"), c.Param("name")
	var payload struct {
		Value string `json:"value"`
	}
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request", err.Error())
	}
	if err := h.app.ConfigMgr().Set(category, name, payload.Value); err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to update setting", err.Error())
	}
	h.oprLog(c, "update_setting", "Updated setting "+category+"/"+name)
	return ok(c, map[string]interface{}{
		"type":  category,
		"name":  name,
		"value": payload.Value,
	})
}
