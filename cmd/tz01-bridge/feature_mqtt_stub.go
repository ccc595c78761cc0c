//go:build no_mqtt

package main

import (
	"log/slog"

	"tz01-bridge/internal/coordinator"
)

type mqttStopper struct{}

func (m *mqttStopper) Stop() {}

func initMQTT(_ *coordinator.Coordinator, cfg *Config, logger *slog.Logger) *mqttStopper {
	if cfg.MQTT.Enabled {
		logger.Warn("mqtt enabled in config but binary built with no_mqtt")
	}
	return &mqttStopper{}
}
