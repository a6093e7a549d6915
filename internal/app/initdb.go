package app

import (
	"github.com/talkincode/wagate/internal/domain"
	"github.com/talkincode/wagate/pkg/common"
	"go.uber.org/zap"
)

// Setting categories and keys seeded at first start. Operators tune them
// through the settings API afterwards.
const (
	ConfigWhatsApp  = "whatsapp"
	ConfigScheduler = "scheduler"
	ConfigAlert     = "alert"
)

var defaultSettings = []domain.SysConfig{
	{Type: ConfigWhatsApp, Name: "DefaultDailyLimit", Value: "1000", Remark: "Default per-instance daily send quota"},
	{Type: ConfigWhatsApp, Name: "DefaultMonthlyLimit", Value: "20000", Remark: "Default per-instance monthly send quota"},
	{Type: ConfigScheduler, Name: "MaxWorkers", Value: "25", Remark: "Sweep worker pool size"},
	{Type: ConfigScheduler, Name: "RetryBatchSize", Value: "200", Remark: "Messages selected per retry sweep"},
	{Type: ConfigAlert, Name: "MailTo", Value: "", Remark: "Operator alert mail recipient"},
}

// checkSettings seeds missing sys_config rows, never overwriting operator
// changes.
func (a *Application) checkSettings() {
	for _, s := range defaultSettings {
		var count int64
		if err := a.gormDB.Model(&domain.SysConfig{}).
			Where("type = ? AND name = ?", s.Type, s.Name).
			Count(&count).Error; err != nil {
			zap.L().Error("settings check failed", zap.Error(err))
			return
		}
		if count > 0 {
			continue
		}
		row := s
		row.ID = common.UUIDint64()
		if err := a.gormDB.Create(&row).Error; err != nil {
			zap.L().Error("settings seed failed",
				zap.String("name", s.Name), zap.Error(err))
		}
	}
}
