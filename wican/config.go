package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"wican-core/canmap"
	"wican-core/transmit"
	"wican-core/transport"
)

const maxRecentCatalogs = 5

// Config is the on-disk configuration of the monitor.
type Config struct {
	Connection ConnectionConfig `yaml:"connection"`
	Catalog    CatalogConfig    `yaml:"catalog"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Log        LogConfig        `yaml:"log"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Display    DisplayConfig    `yaml:"display"`
	Armed      []ArmedConfig    `yaml:"armed"`
}

type ConnectionConfig struct {
	Kind          string        `yaml:"kind"`
	Channel       string        `yaml:"channel"`
	Bitrate       int           `yaml:"bitrate"`
	SerialBaud    int           `yaml:"serial_baud"`
	SendTimeout   time.Duration `yaml:"send_timeout"`
	ConfigureLink bool          `yaml:"configure_link"`
	// Reconnect is the delay before redialing a lost or failed connection.
	// Zero stops the monitor instead.
	Reconnect time.Duration `yaml:"reconnect"`
}

type CatalogConfig struct {
	Path   string   `yaml:"path"`
	Recent []string `yaml:"recent"`
}

type SchedulerConfig struct {
	Tick     time.Duration `yaml:"tick"`
	Cycle    int           `yaml:"cycle"`
	Capacity int           `yaml:"capacity"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Stdout     bool   `yaml:"stdout"`
	JSON       bool   `yaml:"json"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type DisplayConfig struct {
	Enabled bool          `yaml:"enabled"`
	Refresh time.Duration `yaml:"refresh"`
}

// ArmedConfig names a message by ID or by name. ID accepts decimal or 0x
// hex.
type ArmedConfig struct {
	ID      string            `yaml:"id,omitempty"`
	Message string            `yaml:"message,omitempty"`
	Enabled *bool             `yaml:"enabled,omitempty"`
	Values  map[string]string `yaml:"values,omitempty"`
}

func DefaultConfig() *Config {
	return &Config{
		Connection: ConnectionConfig{
			Kind:        transport.KindSocket.String(),
			Bitrate:     transport.DefaultBitrate,
			SerialBaud:  transport.DefaultSerialBaud,
			SendTimeout: transport.DefaultSendTimeout,
		},
		Scheduler: SchedulerConfig{
			Tick:     10 * time.Millisecond,
			Cycle:    transmit.DefaultCycle,
			Capacity: transmit.DefaultCapacity,
		},
		Log: LogConfig{
			Level:      "info",
			File:       "wican.log",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Metrics: MetricsConfig{Addr: ":9102"},
		Display: DisplayConfig{Enabled: true, Refresh: 500 * time.Millisecond},
	}
}

// LoadConfig reads path over the defaults. A missing file yields the
// defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg to path as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func (c *Config) Validate() error {
	if _, err := transport.ParseKind(c.Connection.Kind); err != nil {
		return err
	}
	if c.Scheduler.Tick <= 0 {
		return fmt.Errorf("scheduler tick must be positive, got %s", c.Scheduler.Tick)
	}
	if c.Scheduler.Cycle <= 0 || c.Scheduler.Capacity <= 0 {
		return fmt.Errorf("scheduler cycle and capacity must be positive")
	}
	for i, a := range c.Armed {
		if a.ID == "" && a.Message == "" {
			return fmt.Errorf("armed[%d]: id or message required", i)
		}
		if a.ID != "" {
			if _, err := parseID(a.ID); err != nil {
				return fmt.Errorf("armed[%d]: %w", i, err)
			}
		}
	}
	return nil
}

// Params converts the connection section for the transport layer.
func (c *Config) Params() (transport.Params, error) {
	kind, err := transport.ParseKind(c.Connection.Kind)
	if err != nil {
		return transport.Params{}, err
	}
	return transport.Params{
		Kind:          kind,
		Channel:       c.Connection.Channel,
		Bitrate:       c.Connection.Bitrate,
		SerialBaud:    c.Connection.SerialBaud,
		SendTimeout:   c.Connection.SendTimeout,
		ConfigureLink: c.Connection.ConfigureLink,
	}.WithDefaults(), nil
}

func (c *Config) SchedulerConfig() transmit.Config {
	return transmit.Config{
		Cycle:       c.Scheduler.Cycle,
		Capacity:    c.Scheduler.Capacity,
		SendTimeout: c.Connection.SendTimeout,
	}
}

// RememberCatalog moves path to the front of the recent list.
func (c *Config) RememberCatalog(path string) {
	recent := []string{path}
	for _, p := range c.Catalog.Recent {
		if p != path && len(recent) < maxRecentCatalogs {
			recent = append(recent, p)
		}
	}
	c.Catalog.Recent = recent
}

// Resolve finds the catalog message an armed entry refers to.
func (a ArmedConfig) Resolve(cat *canmap.Catalog) (*canmap.MessageDef, error) {
	if a.ID != "" {
		id, err := parseID(a.ID)
		if err != nil {
			return nil, err
		}
		return cat.Lookup(id)
	}
	return cat.MessageByName(a.Message)
}

func (a ArmedConfig) IsEnabled() bool {
	return a.Enabled == nil || *a.Enabled
}

func parseID(s string) (uint32, error) {
	id, err := strconv.ParseUint(strings.TrimSpace(s), 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q: %w", s, err)
	}
	if id > transport.MaxExtendedID {
		return 0, fmt.Errorf("invalid id %q: %w", s, transport.ErrInvalidID)
	}
	return uint32(id), nil
}
