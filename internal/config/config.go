// Package config loads and validates the manager daemon's YAML configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/opd-ai/onionbalance-manager/internal/obserr"
	"gopkg.in/yaml.v3"
)

// HealthCheckConfig configures how a service probes its back-end instances.
type HealthCheckConfig struct {
	Type    string `yaml:"type"` // "none" | "tcp" | "http" | "https"
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
	Timeout Duration `yaml:"timeout"`
	Model   string `yaml:"model"` // "" | "round-robin" | "active-standby"
}

// InstanceConfig configures one back-end onion service.
type InstanceConfig struct {
	Address    string `yaml:"address"`
	AuthCookie string `yaml:"auth_cookie"`
}

// ServiceConfig configures one front service.
type ServiceConfig struct {
	Key         string             `yaml:"key"`
	Instances   []InstanceConfig   `yaml:"instances"`
	HealthCheck *HealthCheckConfig `yaml:"health_check"`
}

// Config is the manager daemon's full configuration.
type Config struct {
	Services []ServiceConfig `yaml:"services"`

	Replicas               int      `yaml:"replicas"`
	MaxIntroPoints         int      `yaml:"max_intro_points"`
	DescriptorValidityPeriod Duration `yaml:"descriptor_validity_period"`
	DescriptorOverlapPeriod  Duration `yaml:"descriptor_overlap_period"`
	DescriptorUploadPeriod   Duration `yaml:"descriptor_upload_period"`
	RefreshInterval        Duration `yaml:"refresh_interval"`
	PublishCheckInterval   Duration `yaml:"publish_check_interval"`

	TorAddress  string `yaml:"tor_address"`
	TorPort     int    `yaml:"tor_port"`
	TorPassword string `yaml:"tor_control_password"`
	SocksAddress string `yaml:"socks_address"`

	StatusSocketPath string `yaml:"status_socket_path"`
	LogLevel         string `yaml:"log_level"`
	LogLocation      string `yaml:"log_location"`
}

// Duration wraps time.Duration to accept YAML scalars like "600s" or "10m",
// following the teacher's torrc-loader duration-suffix convention.
type Duration struct{ time.Duration }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := parseDuration(raw)
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// parseDuration accepts a bare Go duration ("600s", "10m"), or a bare
// integer (interpreted as seconds).
func parseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(raw)
}

const (
	defaultReplicas               = 2
	defaultMaxIntroPoints         = 10
	defaultDescriptorValidity     = 86400 * time.Second
	defaultDescriptorOverlap      = 3600 * time.Second
	defaultDescriptorUploadPeriod = 3600 * time.Second
	defaultRefreshInterval        = 600 * time.Second
	defaultPublishCheckInterval   = 300 * time.Second
	defaultTorAddress             = "127.0.0.1"
	defaultTorPort                = 9051
	defaultSocksAddress           = "127.0.0.1:9050"
	defaultStatusSocketPath       = "/var/run/onionbalance/control"
	defaultLogLevel               = "info"
)

// Default returns a Config populated with spec.md §6's documented defaults.
func Default() *Config {
	return &Config{
		Replicas:                 defaultReplicas,
		MaxIntroPoints:           defaultMaxIntroPoints,
		DescriptorValidityPeriod: Duration{defaultDescriptorValidity},
		DescriptorOverlapPeriod:  Duration{defaultDescriptorOverlap},
		DescriptorUploadPeriod:   Duration{defaultDescriptorUploadPeriod},
		RefreshInterval:          Duration{defaultRefreshInterval},
		PublishCheckInterval:     Duration{defaultPublishCheckInterval},
		TorAddress:               defaultTorAddress,
		TorPort:                  defaultTorPort,
		SocksAddress:             defaultSocksAddress,
		StatusSocketPath:         defaultStatusSocketPath,
		LogLevel:                 defaultLogLevel,
	}
}

// LoadFromFile reads and parses a YAML config file, applying defaults for
// any unset top-level scalar field.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, obserr.ConfigInvalid(fmt.Sprintf("reading config file %q", path), err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, obserr.ConfigInvalid(fmt.Sprintf("parsing config file %q", path), err)
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides layers environment variables over file-provided values,
// per spec.md §6.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ONIONBALANCE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("ONIONBALANCE_LOG_LOCATION"); v != "" {
		cfg.LogLocation = v
	}
	if v := os.Getenv("ONIONBALANCE_CONTROL_SOCKET_LOCATION"); v != "" {
		cfg.StatusSocketPath = v
	}
}

var validLogLevels = map[string]bool{
	"debug": true, "info": true, "warning": true, "error": true, "critical": true,
}

// Validate checks the configuration for internal consistency, returning a
// config-invalid ManagerError describing the first problem found.
func (c *Config) Validate() error {
	if len(c.Services) == 0 {
		return obserr.ConfigInvalid("config must declare at least one service", nil)
	}
	if c.Replicas < 1 {
		return obserr.ConfigInvalid("replicas must be >= 1", nil)
	}
	if c.MaxIntroPoints < 1 {
		return obserr.ConfigInvalid("max_intro_points must be >= 1", nil)
	}
	if !validLogLevels[c.LogLevel] {
		return obserr.ConfigInvalid(fmt.Sprintf("invalid log level %q", c.LogLevel), nil)
	}
	for i, svc := range c.Services {
		if svc.Key == "" {
			return obserr.ConfigInvalid(fmt.Sprintf("service[%d]: key (path to PEM) is required", i), nil)
		}
		if len(svc.Instances) == 0 {
			return obserr.ConfigInvalid(fmt.Sprintf("service[%d]: at least one instance is required", i), nil)
		}
		for j, inst := range svc.Instances {
			if inst.Address == "" {
				return obserr.ConfigInvalid(fmt.Sprintf("service[%d].instances[%d]: address is required", i, j), nil)
			}
		}
		if svc.HealthCheck != nil {
			switch svc.HealthCheck.Type {
			case "", "none", "tcp", "http", "https":
			default:
				return obserr.ConfigInvalid(fmt.Sprintf("service[%d]: invalid health_check.type %q", i, svc.HealthCheck.Type), nil)
			}
			switch svc.HealthCheck.Model {
			case "", "round-robin", "active-standby":
			default:
				return obserr.ConfigInvalid(fmt.Sprintf("service[%d]: invalid health_check.model %q", i, svc.HealthCheck.Model), nil)
			}
		}
	}
	return nil
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	clone.Services = make([]ServiceConfig, len(c.Services))
	for i, svc := range c.Services {
		clone.Services[i] = svc
		clone.Services[i].Instances = append([]InstanceConfig(nil), svc.Instances...)
		if svc.HealthCheck != nil {
			hc := *svc.HealthCheck
			clone.Services[i].HealthCheck = &hc
		}
	}
	return &clone
}
