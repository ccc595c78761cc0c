package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the bridge configuration file.
type Config struct {
	NCP struct {
		Port string `yaml:"port"`
		Baud int    `yaml:"baud"`
	} `yaml:"ncp"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
		ClientID    string `yaml:"client_id"`
	} `yaml:"mqtt"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Reporting struct {
		RequestTimeout time.Duration `yaml:"request_timeout"`
	} `yaml:"reporting"`
	Sink struct {
		QueueSize int `yaml:"queue_size"`
	} `yaml:"sink"`
	DevicesDir string `yaml:"devices_dir"`
	ScriptsDir string `yaml:"scripts_dir"`
}

func (c *Config) validate() error {
	if c.NCP.Port == "" {
		return fmt.Errorf("ncp.port is required")
	}
	if c.NCP.Baud <= 0 {
		return fmt.Errorf("ncp.baud must be positive, got %d", c.NCP.Baud)
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	if c.Reporting.RequestTimeout < 0 {
		return fmt.Errorf("reporting.request_timeout must not be negative")
	}
	if c.Sink.QueueSize < 0 {
		return fmt.Errorf("sink.queue_size must not be negative")
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.NCP.Baud == 0 {
		c.NCP.Baud = 460800
	}
	if c.Web.Listen == "" {
		c.Web.Listen = "127.0.0.1:8080"
	}
	if c.Store.Path == "" {
		c.Store.Path = "tz01-bridge.db"
	}
	if c.DevicesDir == "" {
		c.DevicesDir = "devices"
	}
	if c.ScriptsDir == "" {
		c.ScriptsDir = "scripts"
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "zigbee2mqtt"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}
