package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smart-lock-manager/backend/internal/gateway"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8099", cfg.Server.Addr)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.SweepInterval)
	assert.Equal(t, 5*time.Minute, cfg.Scheduler.SyncInterval)
	assert.Equal(t, 10*time.Second, cfg.Gateway.Timeout)
	assert.True(t, cfg.Gateway.ClearRogue)
	assert.Empty(t, cfg.Locks)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := writeConfig(t, `
timezone: Europe/Berlin
scheduler:
  sweep_interval: 15s
gateway:
  clear_rogue: false
locks:
  - id: front
    entity_id: lock.front_door
    slots: 10
  - id: back
    name: Back door
    integration: zwave_js_ui
    node_id: 7
    slots: 10
    parent: front
`)
	t.Setenv("HA_TOKEN", "secret")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 15*time.Second, cfg.Scheduler.SweepInterval)
	assert.Equal(t, 5*time.Minute, cfg.Scheduler.SyncInterval, "unset keys keep defaults")
	assert.False(t, cfg.Gateway.ClearRogue)
	assert.Equal(t, "secret", cfg.Gateway.HomeAssistant.Token)
	assert.Equal(t, "debug", cfg.Log.Level)

	require.Len(t, cfg.Locks, 2)
	front := cfg.Locks[0]
	assert.Equal(t, "front", front.Name)
	assert.Equal(t, 1, front.StartSlot)
	assert.Equal(t, gateway.IntegrationHomeAssistant, front.Integration)
	assert.Equal(t, "front", cfg.Locks[1].Parent)
	assert.True(t, cfg.IsParent("front"))
	assert.False(t, cfg.IsParent("back"))

	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, "Europe/Berlin", loc.String())
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name  string
		locks []LockConfig
	}{
		{"missing id", []LockConfig{{Slots: 5, Integration: gateway.IntegrationMemory}}},
		{"duplicate id", []LockConfig{
			{ID: "a", Slots: 5, Integration: gateway.IntegrationMemory},
			{ID: "a", Slots: 5, Integration: gateway.IntegrationMemory},
		}},
		{"too many slots", []LockConfig{{ID: "a", Slots: 51, Integration: gateway.IntegrationMemory}}},
		{"zero slots", []LockConfig{{ID: "a", Slots: 0, Integration: gateway.IntegrationMemory}}},
		{"no entity", []LockConfig{{ID: "a", Slots: 5, Integration: gateway.IntegrationHomeAssistant}}},
		{"no node", []LockConfig{{ID: "a", Slots: 5, Integration: gateway.IntegrationZWaveJSUI}}},
		{"unknown integration", []LockConfig{{ID: "a", Slots: 5, Integration: "zigbee"}}},
		{"unknown parent", []LockConfig{{ID: "a", Slots: 5, Integration: gateway.IntegrationMemory, Parent: "z"}}},
		{"own parent", []LockConfig{{ID: "a", Slots: 5, Integration: gateway.IntegrationMemory, Parent: "a"}}},
		{"nested child", []LockConfig{
			{ID: "a", Slots: 5, Integration: gateway.IntegrationMemory},
			{ID: "b", Slots: 5, Integration: gateway.IntegrationMemory, Parent: "a"},
			{ID: "c", Slots: 5, Integration: gateway.IntegrationMemory, Parent: "b"},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Locks = tt.locks
			for i := range cfg.Locks {
				cfg.Locks[i].StartSlot = 1
			}
			assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
		})
	}
}

func TestValidateRejectsBadIntervals(t *testing.T) {
	cfg := Default()
	cfg.Scheduler.SweepInterval = 0
	assert.ErrorIs(t, cfg.Validate(), ErrInvalid)

	cfg = Default()
	cfg.Timezone = "Mars/Olympus"
	assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
}
