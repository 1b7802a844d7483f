package gateway

import "time"

// HAConfig holds the configuration for Home Assistant API access.
type HAConfig struct {
	// BaseURL is the Home Assistant API base URL
	BaseURL string

	// Token is the long-lived access token for API authentication
	Token string

	// SupervisorToken is the Supervisor API token (for addon mode)
	SupervisorToken string

	// Timeout for API requests
	Timeout time.Duration
}

// IsAddonMode returns true if running as a Home Assistant addon.
func (c HAConfig) IsAddonMode() bool {
	return c.SupervisorToken != ""
}

// AuthToken returns the appropriate authentication token.
func (c HAConfig) AuthToken() string {
	if c.IsAddonMode() {
		return c.SupervisorToken
	}
	return c.Token
}

// ZWaveConfig configures the direct Z-Wave JS UI websocket client.
type ZWaveConfig struct {
	// URL is the websocket endpoint, e.g. ws://localhost:3000
	URL    string
	APIKey string
	// HTTPURL is probed for availability.
	HTTPURL string
	Timeout time.Duration
}

// Integration selects how a lock is driven.
type Integration string

const (
	IntegrationHomeAssistant Integration = "home_assistant"
	IntegrationZWaveJSUI     Integration = "zwave_js_ui"
	IntegrationMemory        Integration = "memory"
)

// Target routes one engine lock ID to its device.
type Target struct {
	LockID      string
	EntityID    string
	NodeID      int
	Integration Integration

	// ScanSlots is the highest slot number read when checking for drift.
	ScanSlots int
}
