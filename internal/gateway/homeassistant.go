package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// HAClient is a client for the Home Assistant API.
type HAClient struct {
	config     HAConfig
	httpClient *http.Client
}

// NewHAClient creates a new Home Assistant API client.
func NewHAClient(config HAConfig) *HAClient {
	return &HAClient{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

// EntityState is a Home Assistant entity state.
type EntityState struct {
	EntityID   string         `json:"entity_id"`
	State      string         `json:"state"`
	Attributes map[string]any `json:"attributes"`
}

// FriendlyName returns the friendly_name attribute.
func (e EntityState) FriendlyName() string {
	name, _ := e.Attributes["friendly_name"].(string)
	return name
}

// GetLocks retrieves all lock entities from Home Assistant.
func (c *HAClient) GetLocks(ctx context.Context) ([]EntityState, error) {
	var states []EntityState
	if err := c.get(ctx, "/api/states", &states); err != nil {
		return nil, err
	}

	var locks []EntityState
	for _, state := range states {
		if strings.HasPrefix(state.EntityID, "lock.") {
			locks = append(locks, state)
		}
	}
	return locks, nil
}

// GetEntityState retrieves one entity. It returns nil, nil for unknown entities.
func (c *HAClient) GetEntityState(ctx context.Context, entityID string) (*EntityState, error) {
	var state EntityState
	err := c.get(ctx, "/api/states/"+entityID, &state)
	if errors.Is(err, errNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &state, nil
}

// SetUserCode programs a user code through the Z-Wave JS integration.
func (c *HAClient) SetUserCode(ctx context.Context, entityID string, slot int, code string) error {
	data := map[string]any{
		"entity_id": entityID,
		"code_slot": slot,
		"usercode":  code,
	}

	return c.callService(ctx, "zwave_js", "set_lock_usercode", data)
}

// ClearUserCode removes a user code from a lock.
func (c *HAClient) ClearUserCode(ctx context.Context, entityID string, slot int) error {
	data := map[string]any{
		"entity_id": entityID,
		"code_slot": slot,
	}

	return c.callService(ctx, "zwave_js", "clear_lock_usercode", data)
}

var errNotFound = errors.New("entity not found")

func (c *HAClient) get(ctx context.Context, path string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return errNotFound
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, body)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// callService calls a Home Assistant service.
func (c *HAClient) callService(ctx context.Context, domain, service string, data any) error {
	path := fmt.Sprintf("/api/services/%s/%s", domain, service)

	body, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, path, bytes.NewReader(body))
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, body)
	}

	return nil
}

// newRequest creates a new HTTP request with authentication.
func (c *HAClient) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.config.BaseURL, "/")+path, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.config.AuthToken())
	req.Header.Set("Content-Type", "application/json")

	return req, nil
}
