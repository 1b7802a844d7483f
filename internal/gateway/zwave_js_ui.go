package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// userCodeCC is the Z-Wave USER_CODE command class.
const userCodeCC = 99

// ZWaveJSUIClient provides direct PIN operations over the Z-Wave JS UI
// websocket API. It bypasses Home Assistant for battery-efficient writes.
type ZWaveJSUIClient struct {
	config ZWaveConfig
	logger *zap.Logger
}

// NewZWaveJSUIClient builds a client. A zero timeout means 5s.
func NewZWaveJSUIClient(config ZWaveConfig, logger *zap.Logger) *ZWaveJSUIClient {
	if config.URL == "" {
		config.URL = "ws://localhost:3000"
	}
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}
	return &ZWaveJSUIClient{config: config, logger: logger.Named("zwave_js_ui")}
}

// SetUserCode writes a user code directly via Z-Wave JS UI.
func (c *ZWaveJSUIClient) SetUserCode(ctx context.Context, nodeID, slot int, code string) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	_, err = c.roundTrip(ctx, conn, userCodeCommand(nodeID, "setUserCode", slot, code))
	return err
}

// ClearUserCode removes a user code directly via Z-Wave JS UI.
func (c *ZWaveJSUIClient) ClearUserCode(ctx context.Context, nodeID, slot int) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	_, err = c.roundTrip(ctx, conn, userCodeCommand(nodeID, "clearUserCode", slot))
	return err
}

// GetUserCodes reads slots 1..maxSlot over one connection. Slots reported as
// available are omitted.
func (c *ZWaveJSUIClient) GetUserCodes(ctx context.Context, nodeID, maxSlot int) (map[int]string, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	codes := make(map[int]string)
	for slot := 1; slot <= maxSlot; slot++ {
		raw, err := c.roundTrip(ctx, conn, userCodeCommand(nodeID, "get", slot))
		if err != nil {
			return nil, fmt.Errorf("reading slot %d: %w", slot, err)
		}
		var uc userCodeResult
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &uc); err != nil {
				return nil, fmt.Errorf("decoding slot %d: %w", slot, err)
			}
		}
		if uc.occupied() {
			codes[slot] = uc.UserCode
		}
	}
	return codes, nil
}

func userCodeCommand(nodeID int, method string, args ...any) zwaveJSUICommand {
	return zwaveJSUICommand{
		Command:      "node.execute_command",
		MessageID:    uuid.NewString(),
		NodeID:       nodeID,
		Endpoint:     0,
		CommandClass: userCodeCC,
		MethodName:   method,
		Args:         args,
	}
}

type zwaveJSUICommand struct {
	Command      string `json:"command"`
	MessageID    string `json:"messageId"`
	NodeID       int    `json:"nodeId"`
	Endpoint     int    `json:"endpoint"`
	CommandClass int    `json:"commandClass"`
	MethodName   string `json:"methodName"`
	// Args vary per method; we keep it generic.
	Args []any `json:"args"`
}

type zwaveJSUIResponse struct {
	Success   bool            `json:"success"`
	Error     string          `json:"error"`
	MessageID string          `json:"messageId"`
	Result    json.RawMessage `json:"result,omitempty"`
}

// userCodeResult is the USER_CODE get reply. Status is numeric in Z-Wave JS
// (0 = available) but some bridges send names.
type userCodeResult struct {
	UserIDStatus any    `json:"userIdStatus"`
	UserCode     string `json:"userCode"`
}

func (u userCodeResult) occupied() bool {
	if u.UserCode == "" {
		return false
	}
	switch v := u.UserIDStatus.(type) {
	case float64:
		return v != 0
	case string:
		return !strings.EqualFold(v, "available")
	default:
		return true
	}
}

func (c *ZWaveJSUIClient) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.config.APIKey != "" {
		header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.config.URL, header)
	if err != nil {
		return nil, fmt.Errorf("connect to Z-Wave JS UI (%s): %w", c.config.URL, err)
	}
	return conn, nil
}

// roundTrip sends one command and waits for the reply with the same message
// ID. Unrelated messages such as node events are skipped.
func (c *ZWaveJSUIClient) roundTrip(ctx context.Context, conn *websocket.Conn, cmd zwaveJSUICommand) (json.RawMessage, error) {
	start := time.Now()
	deadline := start.Add(c.config.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(cmd); err != nil {
		return nil, fmt.Errorf("send command to %s: %w", c.config.URL, err)
	}

	_ = conn.SetReadDeadline(deadline)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("read response from %s: %w", c.config.URL, err)
		}

		var resp zwaveJSUIResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			continue
		}
		if resp.MessageID != "" && resp.MessageID != cmd.MessageID {
			continue
		}

		if !resp.Success {
			// The response never echoes the PIN, so it is safe to include.
			return nil, fmt.Errorf("zwave_js_ui error: %s response=%s", resp.Error, strings.TrimSpace(string(data)))
		}

		c.logger.Debug("command succeeded",
			zap.Int("node_id", cmd.NodeID),
			zap.String("method", cmd.MethodName),
			zap.Duration("duration", time.Since(start)))
		return resp.Result, nil
	}
}
