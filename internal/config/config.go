// Package config provides YAML configuration loading and validation for
// the defmt gateway and collector daemons.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// GatewayConfig is the top-level configuration for defmt-gatewayd: the
// process that sits nearest the target, decoding its defmt stream and
// forwarding rendered frames to a collector.
type GatewayConfig struct {
	// ID identifies this gateway in every queued frame and forwarder
	// batch. Defaults to the host name when omitted.
	ID string `yaml:"id"`

	// ElfPath is the path to the target firmware's ELF image, whose
	// `.defmt` section supplies the interned format-string table.
	// Required.
	ElfPath string `yaml:"elf_path"`

	// TransportAddr is the TCP address of the byte stream carrying the
	// target's defmt frames (e.g. a serial-to-TCP bridge such as
	// "127.0.0.1:19021"). Required.
	TransportAddr string `yaml:"transport_addr"`

	// QueuePath is the path to the local SQLite at-least-once frame
	// queue. Defaults to "defmt-gateway.db" when omitted.
	QueuePath string `yaml:"queue_path"`

	// IngestURL is the collector's frame-ingest endpoint. Required.
	IngestURL string `yaml:"ingest_url"`

	// BearerToken, when set, is sent as the Authorization: Bearer header
	// on every request to IngestURL.
	BearerToken string `yaml:"bearer_token,omitempty"`

	// MaxBackoff is the ceiling for the forwarder's exponential
	// reconnect backoff. Defaults to 60s when zero.
	MaxBackoff time.Duration `yaml:"max_backoff"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// HealthAddr is the listen address for the /healthz HTTP server.
	// Defaults to "127.0.0.1:9000" when omitted.
	HealthAddr string `yaml:"health_addr"`
}

// LoadGatewayConfig reads the YAML file at path, unmarshals it into a
// GatewayConfig, applies defaults, and validates all required fields.
func LoadGatewayConfig(path string) (*GatewayConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg GatewayConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

func (cfg *GatewayConfig) applyDefaults() {
	if cfg.ID == "" {
		if h, err := os.Hostname(); err == nil {
			cfg.ID = h
		}
	}
	if cfg.QueuePath == "" {
		cfg.QueuePath = "defmt-gateway.db"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.HealthAddr == "" {
		cfg.HealthAddr = "127.0.0.1:9000"
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 60 * time.Second
	}
}

func (cfg *GatewayConfig) validate() error {
	var errs []error

	if cfg.ElfPath == "" {
		errs = append(errs, errors.New("elf_path is required"))
	}
	if cfg.TransportAddr == "" {
		errs = append(errs, errors.New("transport_addr is required"))
	}
	if cfg.IngestURL == "" {
		errs = append(errs, errors.New("ingest_url is required"))
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}

	return errors.Join(errs...)
}
