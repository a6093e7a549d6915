package app

import (
	"sync"
	"time"

	"github.com/spf13/cast"
	"github.com/talkincode/wagate/internal/domain"
	"github.com/talkincode/wagate/pkg/common"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const configCacheTTL = 30 * time.Second

// ConfigManager reads runtime-tunable settings from sys_config with a
// small read-through cache.
type ConfigManager struct {
	db *gorm.DB

	mu       sync.RWMutex
	cache    map[string]string
	cachedAt time.Time
}

func NewConfigManager(db *gorm.DB) *ConfigManager {
	return &ConfigManager{db: db, cache: make(map[string]string)}
}

func (m *ConfigManager) load() map[string]string {
	m.mu.RLock()
	if time.Since(m.cachedAt) < configCacheTTL {
		c := m.cache
		m.mu.RUnlock()
		return c
	}
	m.mu.RUnlock()

	var rows []domain.SysConfig
	if err := m.db.Find(&rows).Error; err != nil {
		zap.L().Error("load sys_config failed", zap.Error(err))
		m.mu.RLock()
		defer m.mu.RUnlock()
		return m.cache
	}
	cache := make(map[string]string, len(rows))
	for _, r := range rows {
		cache[r.Type+"/"+r.Name] = r.Value
	}
	m.mu.Lock()
	m.cache = cache
	m.cachedAt = time.Now()
	m.mu.Unlock()
	return cache
}

func (m *ConfigManager) GetString(category, key string) string {
	return m.load()[category+"/"+key]
}

func (m *ConfigManager) GetInt64(category, key string) int64 {
	return cast.ToInt64(m.load()[category+"/"+key])
}

func (m *ConfigManager) GetInt(category, key string) int {
	return cast.ToInt(m.load()[category+"/"+key])
}

func (m *ConfigManager) GetBool(category, key string) bool {
	return cast.ToBool(m.load()[category+"/"+key])
}

// Set upserts one setting and invalidates the cache.
func (m *ConfigManager) Set(category, key, value string) error {
	var row domain.SysConfig
	err := m.db.Where("type = ? AND name = ?", category, key).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		err = m.db.Create(&domain.SysConfig{
			ID:    common.UUIDint64(),
			Type:  category,
			Name:  key,
			Value: value,
		}).Error
	} else if err == nil {
		err = m.db.Model(&domain.SysConfig{}).Where("id = ?", row.ID).Update("value", value).Error
	}
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.cachedAt = time.Time{}
	m.mu.Unlock()
	return nil
}
