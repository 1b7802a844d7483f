package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHAClientSetUserCode(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewHAClient(HAConfig{BaseURL: srv.URL, Token: "long-lived", Timeout: time.Second})
	require.NoError(t, c.SetUserCode(context.Background(), "lock.front", 3, "4321"))

	assert.Equal(t, "/api/services/zwave_js/set_lock_usercode", gotPath)
	assert.Equal(t, "Bearer long-lived", gotAuth)
	assert.Equal(t, "lock.front", gotBody["entity_id"])
	assert.Equal(t, float64(3), gotBody["code_slot"])
	assert.Equal(t, "4321", gotBody["usercode"])
}

func TestHAClientPrefersSupervisorToken(t *testing.T) {
	cfg := HAConfig{Token: "user", SupervisorToken: "supervisor"}
	assert.True(t, cfg.IsAddonMode())
	assert.Equal(t, "supervisor", cfg.AuthToken())
}

func TestHAClientErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "node not ready", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewHAClient(HAConfig{BaseURL: srv.URL, Timeout: time.Second})
	err := c.ClearUserCode(context.Background(), "lock.front", 3)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
	assert.Equal(t, OutcomeFailed, FromError(err).Outcome)
}

func TestHAClientDeviceInfo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/states/lock.front":
			_ = json.NewEncoder(w).Encode(EntityState{
				EntityID: "lock.front",
				State:    "locked",
				Attributes: map[string]any{
					"friendly_name":      "Front Door",
					"supported_features": 4,
				},
			})
		case "/api/states/sensor.front_battery_level":
			_ = json.NewEncoder(w).Encode(EntityState{EntityID: "sensor.front_battery_level", State: "87"})
		case "/api/states/sensor.front_node_status":
			_ = json.NewEncoder(w).Encode(EntityState{EntityID: "sensor.front_node_status", State: "dead"})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewHAClient(HAConfig{BaseURL: srv.URL, Timeout: time.Second})
	info, err := c.DeviceInfo(context.Background(), "lock.front")
	require.NoError(t, err)
	require.NotNil(t, info)

	assert.Equal(t, "Front Door", info.Name)
	assert.Equal(t, "locked", info.State)
	assert.True(t, info.SupportsPIN)
	require.NotNil(t, info.BatteryLevel)
	assert.Equal(t, 87, *info.BatteryLevel)
	assert.False(t, info.Online)

	missing, err := c.DeviceInfo(context.Background(), "lock.attic")
	require.NoError(t, err)
	assert.Nil(t, missing)
}
