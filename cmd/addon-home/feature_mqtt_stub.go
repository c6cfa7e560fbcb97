//go:build no_mqtt

package main

import (
	"log/slog"

	"addon-home/internal/events"
	"addon-home/internal/manager"
)

type mqttStopper struct{}

func (m *mqttStopper) Stop() {}

func initMQTT(_ *manager.Manager, _ *events.Bus, cfg *Config, logger *slog.Logger) *mqttStopper {
	if cfg.MQTT.Enabled {
		logger.Warn("mqtt enabled in config but not compiled in (no_mqtt)")
	}
	return &mqttStopper{}
}
