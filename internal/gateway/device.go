package gateway

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// DeviceInfo is what Home Assistant knows about a lock's hardware.
type DeviceInfo struct {
	EntityID     string `json:"entity_id"`
	Name         string `json:"name"`
	State        string `json:"state"`
	Online       bool   `json:"online"`
	SupportsPIN  bool   `json:"supports_pin"`
	BatteryLevel *int   `json:"battery_level,omitempty"`
}

// DeviceInfo looks up the lock entity and its companion sensors.
func (c *HAClient) DeviceInfo(ctx context.Context, entityID string) (*DeviceInfo, error) {
	entity, err := c.GetEntityState(ctx, entityID)
	if err != nil {
		return nil, err
	}
	if entity == nil {
		return nil, nil
	}

	info := &DeviceInfo{
		EntityID:     entity.EntityID,
		Name:         entity.FriendlyName(),
		State:        normalizeState(entity.State),
		Online:       entity.State != "unavailable",
		SupportsPIN:  supportsPINCode(entity.Attributes),
		BatteryLevel: parseBatteryValue(entity.Attributes["battery_level"]),
	}
	if info.BatteryLevel == nil {
		info.BatteryLevel = c.lookupBatterySensor(ctx, entityID)
	}
	if online := c.lookupNodeStatus(ctx, entityID); online != nil {
		info.Online = *online
	}
	return info, nil
}

// DeviceInfo returns hardware status for a lock routed through Home Assistant.
func (r *Router) DeviceInfo(ctx context.Context, lockID string) (*DeviceInfo, error) {
	t, ok := r.Target(lockID)
	if !ok {
		return nil, fmt.Errorf("lock %s: %w", lockID, ErrUnknownLock)
	}
	if t.EntityID == "" || r.ha == nil {
		return nil, nil
	}
	return r.ha.DeviceInfo(ctx, t.EntityID)
}

// MissingEntities returns the ids of locks whose entity_id is not among the
// lock entities Home Assistant reports, sorted. Locks without an entity_id
// are not checked.
func (r *Router) MissingEntities(ctx context.Context) ([]string, error) {
	r.mu.RLock()
	wanted := make(map[string]string)
	for id, t := range r.targets {
		if t.EntityID != "" {
			wanted[id] = t.EntityID
		}
	}
	r.mu.RUnlock()
	if len(wanted) == 0 || r.ha == nil {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	locks, err := r.ha.GetLocks(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing home assistant locks: %w", err)
	}
	known := make(map[string]bool, len(locks))
	for _, l := range locks {
		known[l.EntityID] = true
	}

	var missing []string
	for id, entity := range wanted {
		if !known[entity] {
			missing = append(missing, id)
		}
	}
	slices.Sort(missing)
	return missing, nil
}

func normalizeState(state string) string {
	switch strings.ToLower(state) {
	case "locked":
		return "locked"
	case "unlocked":
		return "unlocked"
	case "jammed":
		return "jammed"
	default:
		return "unknown"
	}
}

// supportsPINCode checks the supported_features bitmask for user codes.
func supportsPINCode(attrs map[string]any) bool {
	const userCodeFeature = 4
	v, _ := attrs["supported_features"].(float64)
	return int(v)&userCodeFeature != 0
}

// lookupBatterySensor tries companion sensors like sensor.<lock>_battery_level.
func (c *HAClient) lookupBatterySensor(ctx context.Context, lockEntityID string) *int {
	base := strings.TrimPrefix(lockEntityID, "lock.")
	if base == "" {
		return nil
	}
	for _, cid := range []string{"sensor." + base + "_battery_level", "sensor." + base + "_battery"} {
		state, err := c.GetEntityState(ctx, cid)
		if err != nil || state == nil {
			continue
		}
		if val := parseBatteryValue(state.State); val != nil {
			return val
		}
	}
	return nil
}

// lookupNodeStatus reads sensor.<lock>_node_status.
func (c *HAClient) lookupNodeStatus(ctx context.Context, lockEntityID string) *bool {
	base := strings.TrimPrefix(lockEntityID, "lock.")
	state, err := c.GetEntityState(ctx, "sensor."+base+"_node_status")
	if err != nil || state == nil {
		return nil
	}
	switch strings.ToLower(state.State) {
	case "alive", "awake", "ready":
		return boolPtr(true)
	case "dead", "asleep", "sleeping":
		return boolPtr(false)
	default:
		return nil
	}
}

func parseBatteryValue(v any) *int {
	switch t := v.(type) {
	case float64:
		iv := int(t)
		return &iv
	case string:
		if iv, err := strconv.Atoi(t); err == nil {
			return &iv
		}
	}
	return nil
}

func boolPtr(b bool) *bool { return &b }
