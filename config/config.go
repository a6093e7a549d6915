package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type SysConfig struct {
	Appid    string `yaml:"appid" json:"appid"`
	Location string `yaml:"location" json:"location"`
	Workdir  string `yaml:"workdir" json:"workdir"`
	Debug    bool   `yaml:"debug" json:"debug"`
}

type WebConfig struct {
	Host   string `yaml:"host" json:"host"`
	Port   int    `yaml:"port" json:"port"`
	Secret string `yaml:"secret" json:"secret"`
}

type DBConfig struct {
	Type     string `yaml:"type" json:"type"`
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	Name     string `yaml:"name" json:"name"`
	User     string `yaml:"user" json:"user"`
	Passwd   string `yaml:"passwd" json:"passwd"`
	MaxConn  int    `yaml:"max_conn" json:"max_conn"`
	IdleConn int    `yaml:"idle_conn" json:"idle_conn"`
	Debug    bool   `yaml:"debug" json:"debug"`
}

type LogConfig struct {
	Mode       string `yaml:"mode" json:"mode"`
	FileEnable bool   `yaml:"file_enable" json:"file_enable"`
	Filename   string `yaml:"filename" json:"filename"`
}

// BridgeConfig describes the external WhatsApp bridge API endpoint.
type BridgeConfig struct {
	BaseURL string `yaml:"base_url" json:"base_url"`
	APIKey  string `yaml:"api_key" json:"api_key"`
	// Timeout bounds every bridge call, seconds.
	Timeout int `yaml:"timeout" json:"timeout"`
	// WebhookBase is the externally reachable base url of this service,
	// registered with the bridge so it can push events back.
	WebhookBase string `yaml:"webhook_base" json:"webhook_base"`
}

type SmtpConfig struct {
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
	From     string `yaml:"from" json:"from"`
}

type AppConfig struct {
	System   SysConfig    `yaml:"system" json:"system"`
	Web      WebConfig    `yaml:"web" json:"web"`
	Database DBConfig     `yaml:"database" json:"database"`
	Logger   LogConfig    `yaml:"logger" json:"logger"`
	Bridge   BridgeConfig `yaml:"bridge" json:"bridge"`
	Smtp     SmtpConfig   `yaml:"smtp" json:"smtp"`
}

func (c *AppConfig) BridgeTimeout() time.Duration {
	if c.Bridge.Timeout <= 0 {
		return 15 * time.Second
	}
	return time.Duration(c.Bridge.Timeout) * time.Second
}

var DefaultAppConfig = &AppConfig{
	System: SysConfig{
		Appid:    "wagate",
		Location: "Asia/Jakarta",
		Workdir:  "/var/wagate",
		Debug:    true,
	},
	Web: WebConfig{
		Host:   "0.0.0.0",
		Port:   1816,
		Secret: "9b6de5cc-wagate-1816-b5c9-df8e3ab90c13",
	},
	Database: DBConfig{
		Type:     "postgres",
		Host:     "127.0.0.1",
		Port:     5432,
		Name:     "wagate",
		User:     "postgres",
		Passwd:   "wagate",
		MaxConn:  100,
		IdleConn: 10,
	},
	Logger: LogConfig{
		Mode:       "development",
		FileEnable: true,
		Filename:   "/var/wagate/wagate.log",
	},
	Bridge: BridgeConfig{
		BaseURL: "http://127.0.0.1:8080",
		Timeout: 15,
	},
}

func setEnvValue(name string, f func(v string)) {
	if v := os.Getenv(name); v != "" {
		f(v)
	}
}

func setEnvIntValue(name string, f func(v int)) {
	if v := os.Getenv(name); v != "" {
		var iv int
		if _, err := fmt.Sscan(v, &iv); err == nil {
			f(iv)
		}
	}
}

// LoadConfig reads the yaml config file and applies environment overrides.
// A missing file yields the default configuration.
func LoadConfig(cfile string) *AppConfig {
	cfg := new(AppConfig)
	*cfg = *DefaultAppConfig
	if cfile != "" {
		if data, err := os.ReadFile(cfile); err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				panic(fmt.Errorf("config parse error: %w", err))
			}
		}
	}

	setEnvValue("WAGATE_SYSTEM_WORKDIR", func(v string) { cfg.System.Workdir = v })
	setEnvValue("WAGATE_DB_HOST", func(v string) { cfg.Database.Host = v })
	setEnvValue("WAGATE_DB_NAME", func(v string) { cfg.Database.Name = v })
	setEnvValue("WAGATE_DB_USER", func(v string) { cfg.Database.User = v })
	setEnvValue("WAGATE_DB_PWD", func(v string) { cfg.Database.Passwd = v })
	setEnvIntValue("WAGATE_DB_PORT", func(v int) { cfg.Database.Port = v })
	setEnvValue("WAGATE_WEB_HOST", func(v string) { cfg.Web.Host = v })
	setEnvIntValue("WAGATE_WEB_PORT", func(v int) { cfg.Web.Port = v })
	setEnvValue("WAGATE_WEB_SECRET", func(v string) { cfg.Web.Secret = v })
	setEnvValue("WAGATE_BRIDGE_URL", func(v string) { cfg.Bridge.BaseURL = v })
	setEnvValue("WAGATE_BRIDGE_APIKEY", func(v string) { cfg.Bridge.APIKey = v })
	setEnvValue("WAGATE_BRIDGE_WEBHOOK_BASE", func(v string) { cfg.Bridge.WebhookBase = v })

	return cfg
}
