package driver

import (
	"log/slog"

	"tz01-bridge/internal/capability"
)

// TZ01Name is the driver name used in device definitions.
const TZ01Name = "tz01"

// BatteryAlarmThreshold is the battery level, in percent, below which
// alarm_battery is raised.
const BatteryAlarmThreshold = 20

const tz01Endpoint uint8 = 1

// Invalid-value markers defined by ZCL for the reported attributes.
const (
	invalidTemperature int64 = -0x8000
	invalidHumidity    int64 = 0xFFFF
	invalidBattery     int64 = 0xFF
)

// TZ01Capabilities lists the capabilities the TZ01 driver writes.
var TZ01Capabilities = []capability.Name{
	capability.MeasureTemperature,
	capability.MeasureHumidity,
	capability.MeasureBattery,
	capability.AlarmBattery,
}

var tz01Rules = []ReportingRule{
	{Endpoint: tz01Endpoint, Key: BatteryPercentageRemaining, MinInterval: 3600, MaxInterval: 86400, MinChange: 10},
	{Endpoint: tz01Endpoint, Key: TemperatureMeasuredValue, MinInterval: 300, MaxInterval: 3600, MinChange: 10},
	{Endpoint: tz01Endpoint, Key: HumidityMeasuredValue, MinInterval: 300, MaxInterval: 3600, MinChange: 100},
}

var tz01Reports = []struct {
	key    ReportKey
	handle func(s *tz01Session, raw int64)
}{
	{TemperatureMeasuredValue, (*tz01Session).onTemperature},
	{HumidityMeasuredValue, (*tz01Session).onHumidity},
	{BatteryPercentageRemaining, (*tz01Session).onBattery},
}

// TZ01ReportingRules returns the reporting configuration the TZ01 driver
// requests on first init.
func TZ01ReportingRules() []ReportingRule {
	return append([]ReportingRule(nil), tz01Rules...)
}

// ScaleCenti converts a value in hundredths to units rounded to one decimal
// place, with halves rounded away from zero (245 -> 2.5, -245 -> -2.5).
func ScaleCenti(raw int64) float64 {
	tenths, rem := raw/10, raw%10
	switch {
	case rem >= 5:
		tenths++
	case rem <= -5:
		tenths--
	}
	return float64(tenths) / 10
}

// BatteryLevel converts batteryPercentageRemaining (half-percent units) to a
// percentage.
func BatteryLevel(raw int64) float64 {
	return float64(raw) / 2
}

// BatteryAlarm reports whether level is below BatteryAlarmThreshold.
func BatteryAlarm(level float64) bool {
	return level < BatteryAlarmThreshold
}

// TZ01 drives the TZ01 battery-powered temperature and humidity sensor.
type TZ01 struct {
	logger *slog.Logger
}

// NewTZ01 creates a TZ01 handler.
func NewTZ01(logger *slog.Logger) Handler {
	return &TZ01{logger: logger.With("driver", TZ01Name)}
}

// Init configures reporting on first init and subscribes to reports.
func (t *TZ01) Init(dev Device, firstInit bool) {
	s := &tz01Session{dev: dev, logger: t.logger.With("ieee", dev.IEEE())}
	if firstInit {
		s.configureReporting()
	}
	for _, r := range tz01Reports {
		handle := r.handle
		dev.Subscribe(tz01Endpoint, r.key, func(raw int64) { handle(s, raw) })
	}
	s.logger.Debug("tz01 initialized", "first_init", firstInit)
}

// Deleted is called after the device left the network.
func (t *TZ01) Deleted() {
	t.logger.Info("tz01 removed")
}

// tz01Session binds the handlers to one Init of one device.
type tz01Session struct {
	dev    Device
	logger *slog.Logger
}

func (s *tz01Session) configureReporting() {
	rules := TZ01ReportingRules()
	done := s.dev.ConfigureReporting(rules)
	go func() {
		if err := <-done; err != nil {
			s.logger.Warn("failed to configure attribute reporting", "err", &ConfigError{Rules: rules, Err: err})
			return
		}
		s.logger.Info("attribute reporting configured", "rules", len(rules))
	}()
}

func (s *tz01Session) onTemperature(raw int64) {
	if raw == invalidTemperature {
		s.logger.Debug("temperature report invalid", "raw", raw)
		return
	}
	s.setMeasurement(capability.MeasureTemperature, raw)
}

func (s *tz01Session) onHumidity(raw int64) {
	if raw == invalidHumidity {
		s.logger.Debug("humidity report invalid", "raw", raw)
		return
	}
	s.setMeasurement(capability.MeasureHumidity, raw)
}

func (s *tz01Session) setMeasurement(name capability.Name, raw int64) {
	v := ScaleCenti(raw)
	s.logger.Debug(string(name)+" report", "raw", raw, "value", v)
	s.set(name, v)
}

func (s *tz01Session) onBattery(raw int64) {
	if raw == invalidBattery {
		s.logger.Debug("battery report invalid", "raw", raw)
		return
	}
	level := BatteryLevel(raw)
	s.logger.Debug("measure_battery report", "raw", raw, "value", level)
	s.set(capability.MeasureBattery, level)
	s.set(capability.AlarmBattery, BatteryAlarm(level))
}

// set issues the write and returns immediately; the result is only logged.
func (s *tz01Session) set(name capability.Name, value any) {
	done := s.dev.SetCapabilityValue(name, value)
	go func() {
		if err := <-done; err != nil {
			s.logger.Warn("failed to set capability value", "capability", name, "err", &SinkWriteError{Capability: name, Err: err})
		}
	}()
}
