package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// SourceMQTT tags events read from Zigbee2MQTT.
const SourceMQTT = "mqtt"

// MQTTConfig configures the Zigbee2MQTT consumer.
type MQTTConfig struct {
	Broker    string
	ClientID  string
	Username  string
	Password  string
	BaseTopic string
	// Devices maps Zigbee2MQTT friendly names to lock ids.
	Devices map[string]string
}

// zigbeeState is the subset of a Zigbee2MQTT lock state message we read.
type zigbeeState struct {
	Action           string `json:"action"`
	ActionUser       *int   `json:"action_user"`
	ActionSourceName string `json:"action_source_name"`
}

// ParseZigbeeAction extracts a keypad unlock from a Zigbee2MQTT state
// payload. ok is false for messages that are not keypad unlocks.
func ParseZigbeeAction(lockID string, payload []byte, at time.Time) (ev UsageEvent, ok bool, err error) {
	var st zigbeeState
	if err := json.Unmarshal(payload, &st); err != nil {
		return UsageEvent{}, false, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !strings.HasSuffix(st.Action, "unlock") || st.ActionUser == nil {
		return UsageEvent{}, false, nil
	}
	if st.ActionSourceName != "" && st.ActionSourceName != "keypad" {
		return UsageEvent{}, false, nil
	}
	if *st.ActionUser <= 0 {
		return UsageEvent{}, false, fmt.Errorf("%w: action_user %d", ErrMalformed, *st.ActionUser)
	}
	return UsageEvent{LockID: lockID, Slot: *st.ActionUser, At: at, Source: SourceMQTT}, true, nil
}

// MQTTConsumer subscribes to the state topics of configured Zigbee locks.
type MQTTConsumer struct {
	cfg     MQTTConfig
	client  mqtt.Client
	handler Handler
	logger  *zap.Logger
	now     func() time.Time

	ctx context.Context
}

// NewMQTTConsumer creates a consumer. Start connects it.
func NewMQTTConsumer(cfg MQTTConfig, handler Handler, logger *zap.Logger) *MQTTConsumer {
	if cfg.BaseTopic == "" {
		cfg.BaseTopic = "zigbee2mqtt"
	}
	c := &MQTTConsumer{
		cfg:     cfg,
		handler: handler,
		logger:  logger.Named("mqtt_feed"),
		now:     time.Now,
		ctx:     context.Background(),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetOnConnectHandler(func(client mqtt.Client) {
		if err := c.subscribe(client); err != nil {
			c.logger.Error("subscribing to lock topics", zap.Error(err))
		}
	})
	c.client = mqtt.NewClient(opts)
	return c
}

// Start connects to the broker. Subscriptions are (re)made on every
// connect. Events are handled with ctx.
func (c *MQTTConsumer) Start(ctx context.Context) error {
	c.ctx = ctx
	if token := c.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("connecting to MQTT broker %s: %w", c.cfg.Broker, token.Error())
	}
	c.logger.Info("consuming Zigbee2MQTT lock actions", zap.String("broker", c.cfg.Broker), zap.Int("devices", len(c.cfg.Devices)))
	return nil
}

// Stop disconnects from the broker.
func (c *MQTTConsumer) Stop() {
	c.client.Disconnect(250)
}

func (c *MQTTConsumer) subscribe(client mqtt.Client) error {
	filters := make(map[string]byte, len(c.cfg.Devices))
	for device := range c.cfg.Devices {
		filters[c.cfg.BaseTopic+"/"+device] = 1
	}
	if len(filters) == 0 {
		return nil
	}
	token := client.SubscribeMultiple(filters, c.onMessage)
	token.Wait()
	return token.Error()
}

func (c *MQTTConsumer) onMessage(_ mqtt.Client, msg mqtt.Message) {
	device := strings.TrimPrefix(msg.Topic(), c.cfg.BaseTopic+"/")
	lockID, ok := c.cfg.Devices[device]
	if !ok {
		return
	}

	ev, ok, err := ParseZigbeeAction(lockID, msg.Payload(), c.now())
	if err != nil {
		c.logger.Warn("dropping Zigbee2MQTT message", zap.String("topic", msg.Topic()), zap.Error(err))
		return
	}
	if !ok {
		return
	}
	if err := c.handler.HandleUsage(c.ctx, ev); err != nil {
		c.logger.Info("usage event rejected",
			zap.String("lock_id", ev.LockID), zap.Int("slot", ev.Slot), zap.Error(err))
	}
}
