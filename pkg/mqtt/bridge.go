package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"modbus-edge-gateway/pkg/config"
	"modbus-edge-gateway/pkg/errors"
	"modbus-edge-gateway/pkg/events"
	"modbus-edge-gateway/pkg/logger"
	"modbus-edge-gateway/pkg/normalize"
	"modbus-edge-gateway/pkg/storage"
)

const (
	// outboundQueueSize bounds the publish queue; the oldest message is
	// dropped when a slow broker lets it fill up
	outboundQueueSize = 512

	reconnectMinDelay = 1 * time.Second
	reconnectMaxDelay = 60 * time.Second
)

type message struct {
	topic   string
	payload []byte
}

// Bridge forwards gateway events to the MQTT broker
type Bridge struct {
	cfg       *config.MQTTConfig
	client    paho.Client
	events    *events.Bus
	queue     chan message
	inventory func() (attributes interface{}, unitIDs []int)
}

// NewBridge creates the broker bridge. Connect must be called before Run.
func NewBridge(cfg *config.MQTTConfig, evbus *events.Bus) *Bridge {
	b := &Bridge{
		cfg:    cfg,
		events: evbus,
		queue:  make(chan message, outboundQueueSize),
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL())
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(reconnectMaxDelay)

	keepAlive := cfg.KeepAlive
	if keepAlive == 0 {
		keepAlive = 60
	}
	opts.SetKeepAlive(time.Duration(keepAlive) * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	// Last will marks the gateway offline when the connection drops
	opts.SetWill(statusTopic(cfg.TopicPrefix), "offline", 1, true)

	opts.SetOnConnectHandler(func(client paho.Client) {
		logger.LogInfo("✅ Connected to MQTT broker %s", cfg.BrokerURL())
		if token := client.Publish(statusTopic(cfg.TopicPrefix), 1, true, "online"); token.Wait() && token.Error() != nil {
			logger.LogWarn("Error publishing online status: %v", token.Error())
		}
		b.announceInventory()
	})
	opts.SetConnectionLostHandler(func(client paho.Client, err error) {
		logger.LogError("❌ MQTT connection lost: %v", err)
	})

	b.client = paho.NewClient(opts)
	return b
}

// SetInventorySource wires the device inventory announced on every
// broker (re)connect. Must be set before Connect.
func (b *Bridge) SetInventorySource(fn func() (attributes interface{}, unitIDs []int)) {
	b.inventory = fn
}

// announceInventory publishes the attribute document and one connect
// event per online device
func (b *Bridge) announceInventory() {
	if b.inventory == nil {
		return
	}
	attributes, unitIDs := b.inventory()
	if err := b.PublishAttributes(attributes); err != nil {
		logger.LogWarn("Inventory publish on connect failed: %v", err)
	}
	for _, unitID := range unitIDs {
		b.enqueueJSON(connectTopic(b.cfg.TopicPrefix), map[string]string{"device": deviceName(unitID)})
	}
}

// Connect dials the broker with exponential backoff and jitter until it
// succeeds or the context is cancelled
func (b *Bridge) Connect(ctx context.Context) error {
	delay := reconnectMinDelay
	for attempt := 1; ; attempt++ {
		logger.LogDebug("🔄 Connecting to MQTT broker (attempt %d)...", attempt)
		token := b.client.Connect()
		if token.Wait() && token.Error() == nil {
			return nil
		}
		logger.LogWarn("MQTT connect attempt %d failed: %v, retrying in %s", attempt, token.Error(), delay)

		jitter := time.Duration(rand.Int63n(int64(delay) / 4))
		select {
		case <-ctx.Done():
			return errors.NewMQTTError("connect", ctx.Err(), b.cfg.BrokerURL())
		case <-time.After(delay + jitter):
		}
		if delay *= 2; delay > reconnectMaxDelay {
			delay = reconnectMaxDelay
		}
	}
}

// Disconnect publishes the offline status and closes the connection
func (b *Bridge) Disconnect() {
	if b.client.IsConnected() {
		if token := b.client.Publish(statusTopic(b.cfg.TopicPrefix), 1, true, "offline"); token.Wait() && token.Error() != nil {
			logger.LogWarn("Error publishing offline status: %v", token.Error())
		}
		b.client.Disconnect(250)
	}
}

// Connected reports the broker connection state
func (b *Bridge) Connected() bool {
	return b.client.IsConnected()
}

// Run translates gateway events into broker publications. Blocks until
// the context is cancelled.
func (b *Bridge) Run(ctx context.Context) {
	sub := b.events.Subscribe()
	defer b.events.Unsubscribe(sub)

	go b.publishLoop(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			b.handleEvent(ev)
		}
	}
}

func (b *Bridge) handleEvent(ev events.Event) {
	prefix := b.cfg.TopicPrefix

	switch ev.Type {
	case events.TypeTelemetry:
		sample, ok := ev.Payload.(*normalize.Sample)
		if !ok {
			return
		}
		device := deviceName(sample.UnitID)
		for _, m := range sample.Measurements {
			b.enqueueJSON(measurementTopic(prefix, device, m.Type), map[string]interface{}{
				"device_id":   device,
				"sensor_id":   m.SensorID,
				"sensor_type": m.Type,
				"value":       m.Value,
				"unit":        m.Unit,
				"quality":     m.Quality,
				"timestamp":   sample.Timestamp.Format(time.RFC3339),
			})
		}

	case events.TypeDeviceOnline:
		if unitID, ok := unitFromPayload(ev.Payload); ok {
			b.enqueueJSON(connectTopic(prefix), map[string]string{"device": deviceName(unitID)})
		}

	case events.TypeDeviceOffline:
		if unitID, ok := unitFromPayload(ev.Payload); ok {
			b.enqueueJSON(disconnectTopic(prefix), map[string]string{"device": deviceName(unitID)})
		}

	case events.TypeNewAlert:
		alert, ok := ev.Payload.(*storage.Alert)
		if !ok {
			return
		}
		b.enqueueJSON(alertTopic(prefix, deviceName(alert.UnitID)), alert)
	}
}

// PublishAttributes publishes the gateway attribute document. Called at
// startup and on demand from the inventory republish endpoint.
func (b *Bridge) PublishAttributes(attributes interface{}) error {
	payload, err := json.Marshal(attributes)
	if err != nil {
		return errors.NewMQTTError("marshal attributes", err, b.cfg.BrokerURL())
	}
	topic := attributesTopic(b.cfg.TopicPrefix)
	token := b.client.Publish(topic, byte(b.cfg.QoS), true, payload)
	if token.Wait() && token.Error() != nil {
		return errors.NewMQTTError("publish attributes", token.Error(), b.cfg.BrokerURL())
	}
	logger.LogInfo("📤 Published gateway attributes to %s", topic)
	return nil
}

func (b *Bridge) enqueueJSON(topic string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		logger.LogError("❌ Marshal for %s failed: %v", topic, err)
		return
	}
	b.enqueue(message{topic: topic, payload: data})
}

// enqueue never blocks: when the queue is full the oldest message is
// dropped to make room
func (b *Bridge) enqueue(msg message) {
	for {
		select {
		case b.queue <- msg:
			return
		default:
			select {
			case dropped := <-b.queue:
				logger.LogWarn("MQTT queue full, dropping oldest message for %s", dropped.topic)
			default:
			}
		}
	}
}

func (b *Bridge) publishLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-b.queue:
			token := b.client.Publish(msg.topic, byte(b.cfg.QoS), false, msg.payload)
			if token.Wait() && token.Error() != nil {
				logger.LogWarn("Publish to %s failed: %v", msg.topic, token.Error())
			} else {
				logger.LogTrace("📤 %s (%d bytes)", msg.topic, len(msg.payload))
			}
		}
	}
}

// deviceName is the presentation name used on gateway topics
func deviceName(unitID int) string {
	return fmt.Sprintf("Sensor_Unit%d", unitID)
}

func unitFromPayload(payload interface{}) (int, bool) {
	m, ok := payload.(map[string]interface{})
	if !ok {
		return 0, false
	}
	unitID, ok := m["unit_id"].(int)
	return unitID, ok
}
