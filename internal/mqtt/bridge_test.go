//go:build !no_mqtt

package mqtt

import (
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"tz01-bridge/internal/capability"
	"tz01-bridge/internal/coordinator"
	"tz01-bridge/internal/store"
)

const testIEEE = "A4C1380000000001"

var tz01Caps = []capability.Name{
	capability.MeasureTemperature,
	capability.MeasureHumidity,
	capability.MeasureBattery,
	capability.AlarmBattery,
}

type doneToken struct{}

func (doneToken) Wait() bool                     { return true }
func (doneToken) WaitTimeout(time.Duration) bool { return true }
func (doneToken) Error() error                   { return nil }
func (doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type published struct {
	topic    string
	retained bool
	payload  []byte
}

type fakeClient struct {
	mu   sync.Mutex
	msgs []published
}

func (c *fakeClient) Publish(topic string, _ byte, retained bool, payload interface{}) pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, _ := payload.([]byte)
	c.msgs = append(c.msgs, published{topic, retained, b})
	return doneToken{}
}

func (c *fakeClient) Disconnect(uint) {}

func (c *fakeClient) last(topic string) (published, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.msgs) - 1; i >= 0; i-- {
		if c.msgs[i].topic == topic {
			return c.msgs[i], true
		}
	}
	return published{}, false
}

func (c *fakeClient) count(topic string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, m := range c.msgs {
		if m.topic == topic {
			n++
		}
	}
	return n
}

type fakeDevices map[string]*store.Device

func (f fakeDevices) GetDevice(ieee string) (*store.Device, error) {
	dev, ok := f[ieee]
	if !ok {
		return nil, store.ErrNotFound
	}
	return dev, nil
}

func (f fakeDevices) ListDevices() ([]*store.Device, error) {
	var out []*store.Device
	for _, d := range f {
		out = append(out, d)
	}
	return out, nil
}

type fakeCaps map[string][]capability.Name

func (f fakeCaps) Capabilities(driver string) []capability.Name { return f[driver] }

func testDevice() *store.Device {
	return &store.Device{
		IEEEAddress:  testIEEE,
		Manufacturer: "_TZ3000_xr3htd96",
		Model:        "TS0201",
		FriendlyName: "Bedroom",
		Driver:       "tz01",
		Initialized:  true,
		LQI:          150,
		LastSeen:     time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC),
	}
}

func newTestBridge(t *testing.T, devs fakeDevices) (*Bridge, *fakeClient, *coordinator.EventBus) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	events := coordinator.NewEventBus(logger)
	b := newBridge(devs, fakeCaps{"tz01": tz01Caps}, events, "zigbee2mqtt", logger)
	client := &fakeClient{}
	b.client = client
	b.Start()
	t.Cleanup(b.Stop)
	return b, client, events
}

func TestDiscoveryTZ01(t *testing.T) {
	msgs := buildDiscovery(testDevice(), tz01Caps, "zigbee2mqtt")
	if len(msgs) != 5 {
		t.Fatalf("got %d messages, want 5", len(msgs))
	}

	var temp *discoveryMsg
	for i := range msgs {
		if msgs[i].Topic == "homeassistant/sensor/tz01_A4C1380000000001/temperature/config" {
			temp = &msgs[i]
		}
	}
	if temp == nil {
		t.Fatal("temperature discovery not found")
	}

	var payload haDiscovery
	if err := json.Unmarshal(temp.Payload, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.Name != "Bedroom Temperature" {
		t.Errorf("name = %q", payload.Name)
	}
	if payload.UniqueID != "tz01_A4C1380000000001_temperature" {
		t.Errorf("unique_id = %q", payload.UniqueID)
	}
	if payload.UnitOfMeasurement != "°C" {
		t.Errorf("unit = %q", payload.UnitOfMeasurement)
	}
	if payload.StateClass != "measurement" {
		t.Errorf("state_class = %q", payload.StateClass)
	}
	if payload.StateTopic != "zigbee2mqtt/bedroom" {
		t.Errorf("state_topic = %q", payload.StateTopic)
	}
	if payload.ValueTemplate != "{{ value_json.temperature }}" {
		t.Errorf("value_template = %q", payload.ValueTemplate)
	}
	if payload.Device.Model != "TS0201" {
		t.Errorf("device.model = %q", payload.Device.Model)
	}

	topics := extractTopics(msgs)
	for _, want := range []string{
		"homeassistant/sensor/tz01_A4C1380000000001/humidity/config",
		"homeassistant/sensor/tz01_A4C1380000000001/battery/config",
		"homeassistant/binary_sensor/tz01_A4C1380000000001/battery_low/config",
		"homeassistant/sensor/tz01_A4C1380000000001/linkquality/config",
	} {
		if !topics[want] {
			t.Errorf("missing %s", want)
		}
	}
}

func TestDiscoveryBatteryLowIsBinarySensor(t *testing.T) {
	msgs := buildDiscovery(testDevice(), []capability.Name{capability.AlarmBattery}, "z")
	var payload haDiscovery
	if err := json.Unmarshal(msgs[0].Payload, &payload); err != nil {
		t.Fatal(err)
	}
	if payload.DeviceClass != "battery" {
		t.Errorf("device_class = %q", payload.DeviceClass)
	}
	if payload.ValueTemplate != "{{ 'ON' if value_json.battery_low else 'OFF' }}" {
		t.Errorf("value_template = %q", payload.ValueTemplate)
	}
	if payload.UnitOfMeasurement != "" || payload.StateClass != "" {
		t.Error("binary sensor should have no unit or state class")
	}
}

func TestDiscoveryNoCapabilities(t *testing.T) {
	if msgs := buildDiscovery(testDevice(), nil, "z"); len(msgs) != 0 {
		t.Errorf("expected no discovery, got %d", len(msgs))
	}
}

func TestDeviceDisplayName(t *testing.T) {
	tests := []struct {
		name string
		dev  *store.Device
		want string
	}{
		{"friendly name", &store.Device{FriendlyName: "Bedroom", Manufacturer: "_TZ3000_xr3htd96", Model: "TS0201"}, "Bedroom"},
		{"manufacturer and model", &store.Device{Manufacturer: "_TZ3000_xr3htd96", Model: "TS0201"}, "_TZ3000_xr3htd96 TS0201"},
		{"model only", &store.Device{Model: "TS0201"}, "TS0201"},
		{"IEEE fallback", &store.Device{IEEEAddress: testIEEE}, testIEEE},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := deviceDisplayName(tt.dev); got != tt.want {
				t.Errorf("deviceDisplayName() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDeviceTopicName(t *testing.T) {
	tests := []struct {
		name string
		dev  *store.Device
		want string
	}{
		{"friendly name with spaces", &store.Device{FriendlyName: "Kids Room", IEEEAddress: "AABB"}, "kids_room"},
		{"IEEE fallback", &store.Device{IEEEAddress: testIEEE}, testIEEE},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := deviceTopicName(tt.dev); got != tt.want {
				t.Errorf("deviceTopicName() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRemoveDiscovery(t *testing.T) {
	msgs := buildRemoveDiscovery(testIEEE)
	if len(msgs) != len(capability.Definitions())+1 {
		t.Fatalf("got %d removal messages", len(msgs))
	}
	for _, m := range msgs {
		if m.Payload != nil {
			t.Errorf("removal message should have nil payload, got %q for %s", m.Payload, m.Topic)
		}
	}
}

func TestBridgePublishesCapabilityState(t *testing.T) {
	b, client, events := newTestBridge(t, fakeDevices{testIEEE: testDevice()})

	events.Emit(coordinator.Event{Type: coordinator.EventCapabilityUpdate, Data: map[string]interface{}{
		"ieee": testIEEE, "capability": string(capability.MeasureTemperature), "value": 21.5,
	}})
	events.Emit(coordinator.Event{Type: coordinator.EventCapabilityUpdate, Data: map[string]interface{}{
		"ieee": testIEEE, "capability": string(capability.AlarmBattery), "value": true,
	}})
	b.wg.Wait()

	msg, ok := client.last("zigbee2mqtt/bedroom")
	if !ok {
		t.Fatal("no state published")
	}
	if !msg.retained {
		t.Error("state should be retained")
	}
	var state map[string]any
	if err := json.Unmarshal(msg.payload, &state); err != nil {
		t.Fatal(err)
	}
	if state["temperature"] != 21.5 {
		t.Errorf("temperature = %v", state["temperature"])
	}
	if state["battery_low"] != true {
		t.Errorf("battery_low = %v", state["battery_low"])
	}
	if state["linkquality"] != float64(150) {
		t.Errorf("linkquality = %v", state["linkquality"])
	}

	// Discovery goes out once, on the first update.
	if n := client.count("homeassistant/sensor/tz01_A4C1380000000001/temperature/config"); n != 1 {
		t.Errorf("temperature discovery published %d times", n)
	}
}

func TestBridgeIgnoresUnknownDevice(t *testing.T) {
	b, client, events := newTestBridge(t, fakeDevices{})

	events.Emit(coordinator.Event{Type: coordinator.EventCapabilityUpdate, Data: map[string]interface{}{
		"ieee": testIEEE, "capability": string(capability.MeasureHumidity), "value": 48.0,
	}})
	b.wg.Wait()

	if _, ok := client.last("zigbee2mqtt/" + testIEEE); ok {
		t.Error("state published for unknown device")
	}
}

func TestBridgeDeviceLeftRemovesDiscovery(t *testing.T) {
	b, client, events := newTestBridge(t, fakeDevices{testIEEE: testDevice()})

	events.Emit(coordinator.Event{Type: coordinator.EventDeviceAnnounce, Data: map[string]interface{}{"ieee": testIEEE}})
	events.Emit(coordinator.Event{Type: coordinator.EventDeviceLeft, Data: map[string]interface{}{"ieee": testIEEE}})
	b.wg.Wait()

	msg, ok := client.last("homeassistant/sensor/tz01_A4C1380000000001/temperature/config")
	if !ok {
		t.Fatal("no discovery published")
	}
	if len(msg.payload) != 0 {
		t.Errorf("last discovery payload = %q, want empty", msg.payload)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.discovered[testIEEE] {
		t.Error("device still marked discovered")
	}
}

func TestMustJSON(t *testing.T) {
	var parsed map[string]string
	if err := json.Unmarshal(mustJSON(map[string]string{"hello": "world"}), &parsed); err != nil {
		t.Fatalf("mustJSON output not valid JSON: %v", err)
	}
	if parsed["hello"] != "world" {
		t.Errorf("parsed value = %q", parsed["hello"])
	}
}

func extractTopics(msgs []discoveryMsg) map[string]bool {
	topics := make(map[string]bool)
	for _, m := range msgs {
		topics[m.Topic] = true
	}
	return topics
}
