// Package config loads the service configuration from defaults, an optional
// YAML file and environment overrides, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/smart-lock-manager/backend/internal/gateway"
)

// Slot count bounds for a configured lock.
const (
	MinSlots = 1
	MaxSlots = 50
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the complete service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	DataDir   string          `yaml:"data_dir"`
	Log       LogConfig       `yaml:"log"`
	Timezone  string          `yaml:"timezone"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Feed      FeedConfig      `yaml:"feed"`
	Locks     []LockConfig    `yaml:"locks"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type SchedulerConfig struct {
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	SyncInterval   time.Duration `yaml:"sync_interval"`
	StatsHorizon   time.Duration `yaml:"stats_horizon"`
	AuditRetention time.Duration `yaml:"audit_retention"`
}

type GatewayConfig struct {
	HomeAssistant HomeAssistantConfig `yaml:"home_assistant"`
	ZWaveJSUI     ZWaveJSUIConfig     `yaml:"zwave_js_ui"`
	Timeout       time.Duration       `yaml:"timeout"`
	ScanSlots     int                 `yaml:"scan_slots"`
	Parallel      int                 `yaml:"parallel"`
	ClearRogue    bool                `yaml:"clear_rogue"`
}

type HomeAssistantConfig struct {
	URL             string `yaml:"url"`
	Token           string `yaml:"token"`
	SupervisorToken string `yaml:"-"`
}

type ZWaveJSUIConfig struct {
	URL     string `yaml:"url"`
	HTTPURL string `yaml:"http_url"`
	APIKey  string `yaml:"api_key"`
}

// FeedConfig configures the usage event consumers. A consumer with an empty
// address is disabled.
type FeedConfig struct {
	Redis RedisFeedConfig `yaml:"redis"`
	MQTT  MQTTFeedConfig  `yaml:"mqtt"`
}

type RedisFeedConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Stream   string `yaml:"stream"`
	Group    string `yaml:"group"`
	Consumer string `yaml:"consumer"`
}

type MQTTFeedConfig struct {
	Broker    string `yaml:"broker"`
	ClientID  string `yaml:"client_id"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	BaseTopic string `yaml:"base_topic"`
	// Devices maps Zigbee2MQTT friendly names to lock ids.
	Devices map[string]string `yaml:"devices"`
}

// LockConfig declares one managed lock.
type LockConfig struct {
	ID          string              `yaml:"id"`
	Name        string              `yaml:"name"`
	EntityID    string              `yaml:"entity_id"`
	NodeID      int                 `yaml:"node_id"`
	Integration gateway.Integration `yaml:"integration"`
	StartSlot   int                 `yaml:"start_slot"`
	Slots       int                 `yaml:"slots"`
	Parent      string              `yaml:"parent"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Server:   ServerConfig{Addr: ":8099"},
		DataDir:  "/data",
		Log:      LogConfig{Level: "info", Format: "json"},
		Timezone: "Local",
		Scheduler: SchedulerConfig{
			SweepInterval:  30 * time.Second,
			SyncInterval:   5 * time.Minute,
			StatsHorizon:   7 * 24 * time.Hour,
			AuditRetention: 30 * 24 * time.Hour,
		},
		Gateway: GatewayConfig{
			HomeAssistant: HomeAssistantConfig{URL: "http://supervisor/core"},
			ZWaveJSUI:     ZWaveJSUIConfig{HTTPURL: "http://localhost:3000"},
			Timeout:       10 * time.Second,
			ScanSlots:     gateway.DefaultScanSlots,
			Parallel:      4,
			ClearRogue:    true,
		},
		Feed: FeedConfig{
			Redis: RedisFeedConfig{Stream: "lock:usage", Group: "slot-engine", Consumer: "engine-1"},
			MQTT:  MQTTFeedConfig{ClientID: "slot-engine", BaseTopic: "zigbee2mqtt"},
		},
	}
}

// Load reads path (skipped when empty) over the defaults and applies
// environment overrides. The result is validated.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.applyLockDefaults()

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Gateway.HomeAssistant.URL = getEnv("HA_URL", c.Gateway.HomeAssistant.URL)
	c.Gateway.HomeAssistant.Token = getEnv("HA_TOKEN", c.Gateway.HomeAssistant.Token)
	c.Gateway.HomeAssistant.SupervisorToken = getEnv("SUPERVISOR_TOKEN", "")
	c.Gateway.ZWaveJSUI.URL = getEnv("ZWAVE_JS_UI_WS_URL", c.Gateway.ZWaveJSUI.URL)
	c.Gateway.ZWaveJSUI.HTTPURL = getEnv("ZWAVE_JS_UI_URL", c.Gateway.ZWaveJSUI.HTTPURL)
	c.Gateway.ZWaveJSUI.APIKey = getEnv("ZWAVE_JS_UI_API_KEY", c.Gateway.ZWaveJSUI.APIKey)
	c.Gateway.Timeout = getEnvDuration("GATEWAY_TIMEOUT", c.Gateway.Timeout)
	c.Feed.Redis.Addr = getEnv("REDIS_ADDR", c.Feed.Redis.Addr)
	c.Feed.MQTT.Broker = getEnv("MQTT_BROKER", c.Feed.MQTT.Broker)
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("LOG_FORMAT", c.Log.Format)
	c.Timezone = getEnv("TZ_NAME", c.Timezone)
	c.Scheduler.SweepInterval = getEnvDuration("SWEEP_INTERVAL", c.Scheduler.SweepInterval)
	c.Scheduler.SyncInterval = getEnvDuration("SYNC_INTERVAL", c.Scheduler.SyncInterval)
	c.Gateway.ScanSlots = getEnvInt("SCAN_SLOTS", c.Gateway.ScanSlots)
}

func (c *Config) applyLockDefaults() {
	for i := range c.Locks {
		l := &c.Locks[i]
		if l.StartSlot == 0 {
			l.StartSlot = 1
		}
		if l.Name == "" {
			l.Name = l.ID
		}
		if l.Integration == "" {
			l.Integration = gateway.IntegrationHomeAssistant
		}
	}
}

// Validate checks the lock hierarchy and the scheduler intervals.
func (c Config) Validate() error {
	if c.Scheduler.SweepInterval <= 0 {
		return fmt.Errorf("%w: scheduler.sweep_interval must be positive", ErrInvalid)
	}
	if c.Scheduler.SyncInterval <= 0 {
		return fmt.Errorf("%w: scheduler.sync_interval must be positive", ErrInvalid)
	}
	if c.Gateway.Timeout <= 0 {
		return fmt.Errorf("%w: gateway.timeout must be positive", ErrInvalid)
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("%w: timezone %q: %v", ErrInvalid, c.Timezone, err)
	}

	byID := make(map[string]LockConfig, len(c.Locks))
	for _, l := range c.Locks {
		if l.ID == "" {
			return fmt.Errorf("%w: lock without id", ErrInvalid)
		}
		if _, dup := byID[l.ID]; dup {
			return fmt.Errorf("%w: duplicate lock id %q", ErrInvalid, l.ID)
		}
		if l.Slots < MinSlots || l.Slots > MaxSlots {
			return fmt.Errorf("%w: lock %q: slots must be %d-%d, got %d", ErrInvalid, l.ID, MinSlots, MaxSlots, l.Slots)
		}
		if l.StartSlot < 1 {
			return fmt.Errorf("%w: lock %q: start_slot must be at least 1", ErrInvalid, l.ID)
		}
		switch l.Integration {
		case gateway.IntegrationHomeAssistant:
			if l.EntityID == "" {
				return fmt.Errorf("%w: lock %q: entity_id required for %s", ErrInvalid, l.ID, l.Integration)
			}
		case gateway.IntegrationZWaveJSUI:
			if l.NodeID <= 0 {
				return fmt.Errorf("%w: lock %q: node_id required for %s", ErrInvalid, l.ID, l.Integration)
			}
		case gateway.IntegrationMemory:
		default:
			return fmt.Errorf("%w: lock %q: unknown integration %q", ErrInvalid, l.ID, l.Integration)
		}
		byID[l.ID] = l
	}

	for _, l := range c.Locks {
		if l.Parent == "" {
			continue
		}
		if l.Parent == l.ID {
			return fmt.Errorf("%w: lock %q is its own parent", ErrInvalid, l.ID)
		}
		parent, ok := byID[l.Parent]
		if !ok {
			return fmt.Errorf("%w: lock %q: unknown parent %q", ErrInvalid, l.ID, l.Parent)
		}
		if parent.Parent != "" {
			return fmt.Errorf("%w: lock %q: parent %q is itself a child", ErrInvalid, l.ID, l.Parent)
		}
	}
	return nil
}

// Location resolves the configured time zone.
func (c Config) Location() (*time.Location, error) {
	if c.Timezone == "" || c.Timezone == "Local" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Timezone)
}

// IsParent reports whether any configured lock names id as its parent.
func (c Config) IsParent(id string) bool {
	for _, l := range c.Locks {
		if l.Parent == id {
			return true
		}
	}
	return false
}

// DatabasePath is the SQLite file inside the data directory.
func (c Config) DatabasePath() string {
	return c.DataDir + "/slot-engine.db"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return d
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return n
}
