package app

import (
	"fmt"

	"github.com/talkincode/wagate/internal/supervisor"
	"go.uber.org/zap"
	"gopkg.in/gomail.v2"
)

// initMailNotifier subscribes an SMTP sender to the alert topic. Without
// SMTP configuration alerts still land in the log, just not in a mailbox.
func (a *Application) initMailNotifier() {
	smtp := a.appConfig.Smtp
	if smtp.Host == "" {
		zap.L().Info("smtp not configured, mail alerts disabled")
		return
	}
	err := a.bus.SubscribeAsync(supervisor.AlertTopic, func(alert supervisor.Alert) {
		to := a.GetSettingsStringValue(ConfigAlert, "MailTo")
		if to == "" {
			return
		}
		m := gomail.NewMessage()
		m.SetHeader("From", smtp.From)
		m.SetHeader("To", to)
		m.SetHeader("Subject", fmt.Sprintf("[wagate] %s: %s", alert.Kind, alert.Instance))
		m.SetBody("text/plain", fmt.Sprintf(
			"Instance: %s (%d)\nCondition: %s\n%s\nAt: %s\n",
			alert.Instance, alert.InstanceId, alert.Kind, alert.Message,
			alert.At.Format("2006-01-02 15:04:05")))

		d := gomail.NewDialer(smtp.Host, smtp.Port, smtp.Username, smtp.Password)
		if err := d.DialAndSend(m); err != nil {
			zap.L().Error("alert mail send failed",
				zap.String("instance", alert.Instance), zap.Error(err))
			return
		}
		zap.L().Info("alert mail sent",
			zap.String("instance", alert.Instance), zap.String("kind", alert.Kind))
	}, false)
	if err != nil {
		zap.L().Error("alert subscription failed", zap.Error(err))
	}
}
