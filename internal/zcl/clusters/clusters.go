// Package clusters holds the ZCL cluster definitions the bridge understands.
package clusters

import "tz01-bridge/internal/zcl"

// Cluster IDs
const (
	BasicID                  uint16 = 0x0000
	PowerConfigurationID     uint16 = 0x0001
	TemperatureMeasurementID uint16 = 0x0402
	RelativeHumidityID       uint16 = 0x0405
)

// Attribute IDs
const (
	AttrManufacturerName           uint16 = 0x0004
	AttrModelIdentifier            uint16 = 0x0005
	AttrPowerSource                uint16 = 0x0007
	AttrBatteryVoltage             uint16 = 0x0020
	AttrBatteryPercentageRemaining uint16 = 0x0021
	AttrMeasuredValue              uint16 = 0x0000
)

var Basic = zcl.ClusterDef{
	ID:   BasicID,
	Name: "Basic",
	Attributes: []zcl.AttributeDef{
		{ID: 0x0000, Name: "ZCLVersion", Type: zcl.TypeUint8, Access: zcl.AccessRead},
		{ID: 0x0001, Name: "ApplicationVersion", Type: zcl.TypeUint8, Access: zcl.AccessRead},
		{ID: AttrManufacturerName, Name: "ManufacturerName", Type: zcl.TypeCharStr, Access: zcl.AccessRead},
		{ID: AttrModelIdentifier, Name: "ModelIdentifier", Type: zcl.TypeCharStr, Access: zcl.AccessRead},
		{ID: AttrPowerSource, Name: "PowerSource", Type: zcl.TypeEnum8, Access: zcl.AccessRead},
	},
}

var PowerConfiguration = zcl.ClusterDef{
	ID:   PowerConfigurationID,
	Name: "Power Configuration",
	Attributes: []zcl.AttributeDef{
		{ID: AttrBatteryVoltage, Name: "BatteryVoltage", Type: zcl.TypeUint8, Access: zcl.AccessRead | zcl.AccessReport},
		// Half-percent units, 0xFF is invalid.
		{ID: AttrBatteryPercentageRemaining, Name: "BatteryPercentageRemaining", Type: zcl.TypeUint8, Access: zcl.AccessRead | zcl.AccessReport},
	},
}

var TemperatureMeasurement = zcl.ClusterDef{
	ID:   TemperatureMeasurementID,
	Name: "Temperature Measurement",
	Attributes: []zcl.AttributeDef{
		// Hundredths of a degree Celsius, 0x8000 is invalid.
		{ID: AttrMeasuredValue, Name: "MeasuredValue", Type: zcl.TypeInt16, Access: zcl.AccessRead | zcl.AccessReport},
		{ID: 0x0001, Name: "MinMeasuredValue", Type: zcl.TypeInt16, Access: zcl.AccessRead},
		{ID: 0x0002, Name: "MaxMeasuredValue", Type: zcl.TypeInt16, Access: zcl.AccessRead},
	},
}

var RelativeHumidity = zcl.ClusterDef{
	ID:   RelativeHumidityID,
	Name: "Relative Humidity",
	Attributes: []zcl.AttributeDef{
		// Hundredths of a percent, 0xFFFF is invalid.
		{ID: AttrMeasuredValue, Name: "MeasuredValue", Type: zcl.TypeUint16, Access: zcl.AccessRead | zcl.AccessReport},
		{ID: 0x0001, Name: "MinMeasuredValue", Type: zcl.TypeUint16, Access: zcl.AccessRead},
		{ID: 0x0002, Name: "MaxMeasuredValue", Type: zcl.TypeUint16, Access: zcl.AccessRead},
	},
}

// RegisterAll adds every known cluster to r.
func RegisterAll(r *zcl.Registry) {
	r.Register(Basic)
	r.Register(PowerConfiguration)
	r.Register(TemperatureMeasurement)
	r.Register(RelativeHumidity)
}
