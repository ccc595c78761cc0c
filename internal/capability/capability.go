// Package capability defines the user-facing device properties the bridge
// exposes and the sink that records writes to them.
package capability

import (
	"errors"
	"fmt"
	"math"
)

// Name identifies a capability.
type Name string

const (
	MeasureTemperature Name = "measure_temperature"
	MeasureHumidity    Name = "measure_humidity"
	MeasureBattery     Name = "measure_battery"
	AlarmBattery       Name = "alarm_battery"
)

// Kind is the value type a capability accepts.
type Kind string

const (
	KindNumber  Kind = "number"
	KindBoolean Kind = "boolean"
)

// Definition describes how a capability is typed and presented.
type Definition struct {
	Name        Name   `json:"name"`
	Kind        Kind   `json:"kind"`
	Unit        string `json:"unit,omitempty"`
	DeviceClass string `json:"device_class"`
	StateKey    string `json:"state_key"`
}

var (
	ErrUnknownCapability = errors.New("unknown capability")
	ErrInvalidValue      = errors.New("invalid capability value")
)

var definitions = []Definition{
	{Name: MeasureTemperature, Kind: KindNumber, Unit: "°C", DeviceClass: "temperature", StateKey: "temperature"},
	{Name: MeasureHumidity, Kind: KindNumber, Unit: "%", DeviceClass: "humidity", StateKey: "humidity"},
	{Name: MeasureBattery, Kind: KindNumber, Unit: "%", DeviceClass: "battery", StateKey: "battery"},
	{Name: AlarmBattery, Kind: KindBoolean, DeviceClass: "battery", StateKey: "battery_low"},
}

// Definitions returns all known capabilities in a stable order.
func Definitions() []Definition {
	return append([]Definition(nil), definitions...)
}

// Lookup returns the definition for name.
func Lookup(name Name) (Definition, bool) {
	for _, d := range definitions {
		if d.Name == name {
			return d, true
		}
	}
	return Definition{}, false
}

// Validate checks that name is known and value matches its kind.
func Validate(name Name, value any) error {
	def, ok := Lookup(name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownCapability, name)
	}
	switch def.Kind {
	case KindNumber:
		f, ok := value.(float64)
		if !ok {
			return fmt.Errorf("%w: %s wants a number, got %T", ErrInvalidValue, name, value)
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("%w: %s is %v", ErrInvalidValue, name, f)
		}
	case KindBoolean:
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("%w: %s wants a boolean, got %T", ErrInvalidValue, name, value)
		}
	}
	return nil
}
