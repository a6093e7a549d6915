package domain

var Tables = []interface{}{
	// System
	&SysConfig{},
	&SysOprLog{},
	// Network
	&NetNode{},
	// WhatsApp
	&WaInstance{},
	&WaMessage{},
	&WaWebhookLog{},
}
