//go:build !no_mqtt

package mqtt

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"tz01-bridge/internal/capability"
	"tz01-bridge/internal/coordinator"
	"tz01-bridge/internal/store"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
	// ClientID defaults to "tz01-bridge-" plus a random suffix.
	ClientID string
}

// DeviceSource is the read side of the device manager.
type DeviceSource interface {
	GetDevice(ieee string) (*store.Device, error)
	ListDevices() ([]*store.Device, error)
}

// CapabilitySource reports which capabilities a driver writes.
type CapabilitySource interface {
	Capabilities(driver string) []capability.Name
}

// publisher is the part of the paho client the bridge publishes through.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
	Disconnect(quiesce uint)
}

// Bridge publishes capability values to MQTT with HA autodiscovery.
type Bridge struct {
	client  publisher
	devices DeviceSource
	caps    CapabilitySource
	events  *coordinator.EventBus
	prefix  string
	logger  *slog.Logger
	unsub   func()
	wg      sync.WaitGroup

	// Per-device state accumulator.
	mu         sync.Mutex
	states     map[string]map[string]any // IEEE -> state key -> value
	discovered map[string]bool
}

func newBridge(devices DeviceSource, caps CapabilitySource, events *coordinator.EventBus, prefix string, logger *slog.Logger) *Bridge {
	return &Bridge{
		devices:    devices,
		caps:       caps,
		events:     events,
		prefix:     prefix,
		logger:     logger.With("component", "mqtt"),
		states:     make(map[string]map[string]any),
		discovered: make(map[string]bool),
	}
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(coord *coordinator.Coordinator, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := newBridge(coord.Devices(), coord.Drivers(), coord.Events(), cfg.TopicPrefix, logger)

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "tz01-bridge-" + uuid.NewString()[:8]
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(b.bridgeStateTopic(), "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected", "client_id", clientID)
			b.publishBridgeState("online")
			b.publishAllDiscovery()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	b.client = client
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

// Start subscribes to coordinator events and begins MQTT publishing.
func (b *Bridge) Start() {
	b.unsub = b.events.OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	if b.unsub != nil {
		b.unsub()
	}
	b.publishBridgeState("offline")
	b.wg.Wait()
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) handleEvent(event coordinator.Event) {
	data, ok := event.Data.(map[string]interface{})
	if !ok {
		return
	}
	ieee, _ := data["ieee"].(string)
	if ieee == "" {
		return
	}

	switch event.Type {
	case coordinator.EventCapabilityUpdate:
		name, _ := data["capability"].(string)
		b.handleCapabilityUpdate(ieee, capability.Name(name), data["value"])
	case coordinator.EventDeviceAnnounce:
		if dev, err := b.devices.GetDevice(ieee); err == nil {
			b.publishDeviceDiscovery(dev)
		}
	case coordinator.EventDeviceLeft:
		b.handleDeviceLeft(ieee)
	}
}

func (b *Bridge) handleCapabilityUpdate(ieee string, name capability.Name, value any) {
	def, ok := capability.Lookup(name)
	if !ok {
		return
	}
	dev, err := b.devices.GetDevice(ieee)
	if err != nil {
		b.logger.Debug("capability update for unknown device", "ieee", ieee)
		return
	}

	b.mu.Lock()
	discovered := b.discovered[ieee]
	b.mu.Unlock()
	if !discovered {
		b.publishDeviceDiscovery(dev)
	}

	b.updateAndPublishState(dev, def.StateKey, value)
}

func (b *Bridge) updateAndPublishState(dev *store.Device, key string, value any) {
	b.mu.Lock()
	state, ok := b.states[dev.IEEEAddress]
	if !ok {
		state = make(map[string]any)
		b.states[dev.IEEEAddress] = state
	}
	state[key] = value
	state["linkquality"] = dev.LQI
	state["last_seen"] = dev.LastSeen.Format(time.RFC3339)
	payload := mustJSON(state)
	b.mu.Unlock()

	b.publish(b.stateTopic(dev), payload, true)
}

func (b *Bridge) handleDeviceLeft(ieee string) {
	for _, msg := range buildRemoveDiscovery(ieee) {
		b.publish(msg.Topic, msg.Payload, true)
	}

	b.mu.Lock()
	delete(b.states, ieee)
	delete(b.discovered, ieee)
	b.mu.Unlock()
}

func (b *Bridge) bridgeStateTopic() string {
	return b.prefix + "/bridge/state"
}

func (b *Bridge) stateTopic(dev *store.Device) string {
	return b.prefix + "/" + deviceTopicName(dev)
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(b.bridgeStateTopic(), []byte(state), true)
}

func (b *Bridge) publishAllDiscovery() {
	devices, err := b.devices.ListDevices()
	if err != nil {
		b.logger.Error("list devices for discovery", "err", err)
		return
	}
	for _, dev := range devices {
		b.publishDeviceDiscovery(dev)
	}
}

func (b *Bridge) publishDeviceDiscovery(dev *store.Device) {
	if !dev.Initialized || dev.Driver == "" {
		return
	}
	msgs := buildDiscovery(dev, b.caps.Capabilities(dev.Driver), b.prefix)
	if len(msgs) == 0 {
		return
	}
	for _, msg := range msgs {
		b.publish(msg.Topic, msg.Payload, true)
	}
	b.mu.Lock()
	b.discovered[dev.IEEEAddress] = true
	b.mu.Unlock()
	b.logger.Info("published HA discovery", "ieee", dev.IEEEAddress, "name", deviceDisplayName(dev))
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
