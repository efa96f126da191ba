// Package config loads and validates the bridge's declarative
// configuration document.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ErrConfigInvalid marks a fatal startup error (missing file, malformed
// document). Maps to exit code 2.
var ErrConfigInvalid = errors.New("config invalid")

// TransportType selects which dialect an input or egress leg speaks.
type TransportType string

const (
	TransportMQTT    TransportType = "mqtt"
	TransportSignalR TransportType = "signalr"
)

// MQTTConfig holds the MQTT-class dialect parameters.
type MQTTConfig struct {
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	Username        string `yaml:"username,omitempty"`
	Password        string `yaml:"password,omitempty"`
	Topic           string `yaml:"topic"`
	QoS             byte   `yaml:"qos"`
	KeepaliveSecs   int    `yaml:"keepalive_seconds"`
	SSL             bool   `yaml:"ssl,omitempty"`
}

// SignalRConfig holds the SignalR-class dialect parameters. SendMethod and
// Target default to "SendMessage" and "ingress" and exist to accommodate
// hub servers that name them differently.
type SignalRConfig struct {
	URL        string `yaml:"url"`
	Group      string `yaml:"group"`
	Username   string `yaml:"username,omitempty"`
	Password   string `yaml:"password,omitempty"`
	SendMethod string `yaml:"send_method,omitempty"`
	Target     string `yaml:"target,omitempty"`
}

// SendMethodOrDefault returns the configured hub send method, defaulting
// to "SendMessage".
func (c *SignalRConfig) SendMethodOrDefault() string {
	if c.SendMethod != "" {
		return c.SendMethod
	}
	return "SendMessage"
}

// TargetOrDefault returns the configured event target, defaulting to
// "ingress".
func (c *SignalRConfig) TargetOrDefault() string {
	if c.Target != "" {
		return c.Target
	}
	return "ingress"
}

// EndpointConfig is the {type, mqtt|signalr} shape shared by `input` and
// `transports`.
type EndpointConfig struct {
	Type    TransportType  `yaml:"type"`
	MQTT    *MQTTConfig    `yaml:"mqtt,omitempty"`
	SignalR *SignalRConfig `yaml:"signalr,omitempty"`
}

// LoggingConfig configures the delivery log sink.
type LoggingConfig struct {
	Level       string `yaml:"level"`
	File        string `yaml:"file"`
	MaxSize     int64  `yaml:"max_size"`
	BackupCount int    `yaml:"backup_count"`
}

// Config is the top-level configuration document.
type Config struct {
	AppName            string         `yaml:"app_name"`
	MappingCatalogPath string         `yaml:"mapping_catalog_path"`
	DeviceCatalogPath  string         `yaml:"device_catalog_path"`
	Input              EndpointConfig `yaml:"input"`
	Transports         EndpointConfig `yaml:"transports"`
	Logging            LoggingConfig  `yaml:"logging"`
}

// Load reads and validates the configuration document at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConfigInvalid, path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConfigInvalid, path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConfigInvalid, path, err)
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.MappingCatalogPath == "" {
		return errors.New("mapping_catalog_path is required")
	}
	if c.DeviceCatalogPath == "" {
		return errors.New("device_catalog_path is required")
	}
	if err := c.Input.validate("input"); err != nil {
		return err
	}
	if err := c.Transports.validate("transports"); err != nil {
		return err
	}
	return nil
}

func (e *EndpointConfig) validate(field string) error {
	switch e.Type {
	case TransportMQTT:
		if e.MQTT == nil {
			return fmt.Errorf("%s: mqtt configuration is required for type mqtt", field)
		}
		if e.MQTT.Topic == "" || e.MQTT.Host == "" {
			return fmt.Errorf("%s: mqtt.host and mqtt.topic are required", field)
		}
	case TransportSignalR:
		if e.SignalR == nil {
			return fmt.Errorf("%s: signalr configuration is required for type signalr", field)
		}
		if e.SignalR.URL == "" || e.SignalR.Group == "" {
			return fmt.Errorf("%s: signalr.url and signalr.group are required", field)
		}
	default:
		return fmt.Errorf("%s: unsupported type %q (must be mqtt or signalr)", field, e.Type)
	}
	return nil
}
