//go:build !no_mqtt

package mqtt

import (
	"fmt"
	"strings"

	"tz01-bridge/internal/capability"
	"tz01-bridge/internal/store"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/sensor/tz01_A4C138.../temperature/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name"`
}

// haDiscovery is a sensor or binary sensor discovery payload.
type haDiscovery struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic"`
	AvailabilityTopic string   `json:"availability_topic"`
	ValueTemplate     string   `json:"value_template,omitempty"`
	UnitOfMeasurement string   `json:"unit_of_measurement,omitempty"`
	DeviceClass       string   `json:"device_class,omitempty"`
	StateClass        string   `json:"state_class,omitempty"`
	EntityCategory    string   `json:"entity_category,omitempty"`
	PayloadOn         string   `json:"payload_on,omitempty"`
	PayloadOff        string   `json:"payload_off,omitempty"`
	Device            haDevice `json:"device"`
}

const linkQualityKey = "linkquality"

// deviceDisplayName returns a display name for the device.
func deviceDisplayName(dev *store.Device) string {
	if dev.FriendlyName != "" {
		return dev.FriendlyName
	}
	if dev.Manufacturer != "" && dev.Model != "" {
		return dev.Manufacturer + " " + dev.Model
	}
	if dev.Model != "" {
		return dev.Model
	}
	return dev.IEEEAddress
}

// deviceIdentifier returns the unique identifier for HA device registry.
func deviceIdentifier(ieee string) string {
	return "tz01_" + ieee
}

// deviceTopicName returns the topic name for a device (friendly name or IEEE).
func deviceTopicName(dev *store.Device) string {
	if dev.FriendlyName == "" {
		return dev.IEEEAddress
	}
	// Lowercase and keep only safe chars for MQTT topics.
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			return r
		}
		return '_'
	}, strings.ToLower(dev.FriendlyName))
}

// buildDiscovery generates HA discovery messages for the capabilities a
// device's driver writes, plus a link quality sensor.
func buildDiscovery(dev *store.Device, caps []capability.Name, prefix string) []discoveryMsg {
	if len(caps) == 0 {
		return nil
	}

	e := entityBase{
		nodeID:      deviceIdentifier(dev.IEEEAddress),
		displayName: deviceDisplayName(dev),
		stateTopic:  prefix + "/" + deviceTopicName(dev),
		avail:       prefix + "/bridge/state",
	}
	e.device = haDevice{
		Identifiers:  []string{e.nodeID},
		Manufacturer: dev.Manufacturer,
		Model:        dev.Model,
		Name:         e.displayName,
	}

	var msgs []discoveryMsg
	for _, name := range caps {
		def, ok := capability.Lookup(name)
		if !ok {
			continue
		}
		switch def.Kind {
		case capability.KindNumber:
			msgs = append(msgs, e.sensor(def.StateKey, title(def.StateKey), def.DeviceClass, def.Unit, ""))
		case capability.KindBoolean:
			msgs = append(msgs, e.binarySensor(def.StateKey, title(def.StateKey), def.DeviceClass))
		}
	}

	// No device_class: "signal_strength" requires dB/dBm units, but LQI is unitless.
	msgs = append(msgs, e.sensor(linkQualityKey, "Link Quality", "", "lqi", "diagnostic"))
	return msgs
}

type entityBase struct {
	nodeID      string
	displayName string
	stateTopic  string
	avail       string
	device      haDevice
}

func (e entityBase) sensor(key, suffix, deviceClass, unit, category string) discoveryMsg {
	payload := haDiscovery{
		Name:              e.displayName + " " + suffix,
		UniqueID:          e.nodeID + "_" + key,
		StateTopic:        e.stateTopic,
		AvailabilityTopic: e.avail,
		ValueTemplate:     fmt.Sprintf("{{ value_json.%s }}", key),
		UnitOfMeasurement: unit,
		DeviceClass:       deviceClass,
		StateClass:        "measurement",
		EntityCategory:    category,
		Device:            e.device,
	}
	return discoveryMsg{Topic: discoveryTopic("sensor", e.nodeID, key), Payload: mustJSON(payload)}
}

func (e entityBase) binarySensor(key, suffix, deviceClass string) discoveryMsg {
	payload := haDiscovery{
		Name:              e.displayName + " " + suffix,
		UniqueID:          e.nodeID + "_" + key,
		StateTopic:        e.stateTopic,
		AvailabilityTopic: e.avail,
		ValueTemplate:     fmt.Sprintf("{{ 'ON' if value_json.%s else 'OFF' }}", key),
		DeviceClass:       deviceClass,
		PayloadOn:         "ON",
		PayloadOff:        "OFF",
		Device:            e.device,
	}
	return discoveryMsg{Topic: discoveryTopic("binary_sensor", e.nodeID, key), Payload: mustJSON(payload)}
}

func discoveryTopic(component, nodeID, objectID string) string {
	return fmt.Sprintf("homeassistant/%s/%s/%s/config", component, nodeID, objectID)
}

// title turns a state key like "battery_low" into "Battery Low".
func title(key string) string {
	words := strings.Split(key, "_")
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}

// buildRemoveDiscovery generates empty retained messages to remove a device from HA.
func buildRemoveDiscovery(ieee string) []discoveryMsg {
	nodeID := deviceIdentifier(ieee)

	var msgs []discoveryMsg
	for _, def := range capability.Definitions() {
		component := "sensor"
		if def.Kind == capability.KindBoolean {
			component = "binary_sensor"
		}
		msgs = append(msgs, discoveryMsg{Topic: discoveryTopic(component, nodeID, def.StateKey)})
	}
	return append(msgs, discoveryMsg{Topic: discoveryTopic("sensor", nodeID, linkQualityKey)})
}
