// SPDX-License-Identifier: MIT

// Package config loads the daemon configuration: YAML file first, then
// environment overrides for the settings operators most often inject.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Defaults applied when neither file nor environment say otherwise.
const (
	DefaultHost       = "0.0.0.0"
	DefaultPort       = 8080
	DefaultStorageURI = "badger://./data/pitwall"
	DefaultLogLevel   = "info"
)

// Upstream groups the source connection settings.
type Upstream struct {
	MQTTBrokerURL  string `yaml:"mqtt_broker_url"`
	MQTTClientID   string `yaml:"mqtt_client_id"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	SignalRURL     string `yaml:"signalr_url"`
	RESTBaseURL    string `yaml:"rest_base_url"`
	MultiviewerURL string `yaml:"multiviewer_url"`
}

// Tracing configures the OTLP exporter.
type Tracing struct {
	Enabled      bool    `yaml:"enabled"`
	ExporterType string  `yaml:"exporter_type"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Environment  string  `yaml:"environment"`
}

// Config is the full daemon configuration.
type Config struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	StorageURI string `yaml:"storage_uri"`
	LogLevel   string `yaml:"log_level"`

	Upstream Upstream `yaml:"upstream"`
	Tracing  Tracing  `yaml:"tracing"`

	// RecordSessions buffers raw messages so ended sessions can be
	// replayed later.
	RecordSessions bool `yaml:"record_sessions"`

	ReplayCacheDir string `yaml:"replay_cache_dir"`

	// TrackOverridesPath points at the hot-reloaded per-track overrides
	// file.
	TrackOverridesPath string `yaml:"track_overrides"`

	// WSRatePerMinute bounds WebSocket upgrades per client IP.
	WSRatePerMinute int `yaml:"ws_rate_per_minute"`
}

// Load reads the optional YAML file at path, applies defaults and then the
// environment. A missing file is not an error; a malformed one is.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Host:       DefaultHost,
		Port:       DefaultPort,
		StorageURI: DefaultStorageURI,
		LogLevel:   DefaultLogLevel,
	}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
			// defaults plus environment only
		default:
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("HOST"); v != "" {
		c.Host = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Port = port
		}
	}
	if v := os.Getenv("STORAGE_URI"); v != "" {
		c.StorageURI = v
	}
	if v := os.Getenv("UPSTREAM_USERNAME"); v != "" {
		c.Upstream.Username = v
	}
	if v := os.Getenv("UPSTREAM_PASSWORD"); v != "" {
		c.Upstream.Password = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

func (c *Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.StorageURI == "" {
		return errors.New("storage_uri must not be empty")
	}
	return nil
}
