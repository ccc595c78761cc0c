// Package driver defines the contract between the bridge and device drivers
// and implements the drivers the bridge ships with.
package driver

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"tz01-bridge/internal/capability"
	"tz01-bridge/internal/zcl/clusters"
)

// ReportKey is a (cluster, attribute) pair a driver can subscribe to.
type ReportKey uint8

const (
	BatteryPercentageRemaining ReportKey = iota + 1
	TemperatureMeasuredValue
	HumidityMeasuredValue
)

type reportKeyInfo struct {
	cluster uint16
	attr    uint16
	name    string
}

var reportKeys = map[ReportKey]reportKeyInfo{
	BatteryPercentageRemaining: {clusters.PowerConfigurationID, clusters.AttrBatteryPercentageRemaining, "powerConfiguration/batteryPercentageRemaining"},
	TemperatureMeasuredValue:   {clusters.TemperatureMeasurementID, clusters.AttrMeasuredValue, "temperatureMeasurement/measuredValue"},
	HumidityMeasuredValue:      {clusters.RelativeHumidityID, clusters.AttrMeasuredValue, "relativeHumidity/measuredValue"},
}

// Valid reports whether k is a known key.
func (k ReportKey) Valid() bool {
	_, ok := reportKeys[k]
	return ok
}

// Cluster returns the ZCL cluster ID.
func (k ReportKey) Cluster() uint16 { return reportKeys[k].cluster }

// Attribute returns the ZCL attribute ID.
func (k ReportKey) Attribute() uint16 { return reportKeys[k].attr }

func (k ReportKey) String() string {
	if info, ok := reportKeys[k]; ok {
		return info.name
	}
	return fmt.Sprintf("ReportKey(%d)", uint8(k))
}

// LookupReportKey maps a received (cluster, attribute) pair back to its key.
func LookupReportKey(cluster, attr uint16) (ReportKey, bool) {
	for k, info := range reportKeys {
		if info.cluster == cluster && info.attr == attr {
			return k, true
		}
	}
	return 0, false
}

// ReportingRule asks the device to report an attribute every MaxInterval
// seconds, or sooner (but not more often than MinInterval) when it changes
// by at least MinChange in the attribute's native scale.
type ReportingRule struct {
	Endpoint    uint8     `json:"endpoint"`
	Key         ReportKey `json:"key"`
	MinInterval uint32    `json:"min_interval"`
	MaxInterval uint32    `json:"max_interval"`
	MinChange   uint32    `json:"min_change"`
}

func (r ReportingRule) String() string {
	return fmt.Sprintf("%s@%d[%d..%ds, %d]", r.Key, r.Endpoint, r.MinInterval, r.MaxInterval, r.MinChange)
}

// Device is the host-side view of a paired device handed to a driver.
// None of the methods block; results of asynchronous requests arrive on the
// returned channel, which yields exactly one value.
type Device interface {
	IEEE() string
	ConfigureReporting(rules []ReportingRule) <-chan error
	// Subscribe registers fn for reports of key on endpoint. A later call for
	// the same pair replaces the earlier one.
	Subscribe(endpoint uint8, key ReportKey, fn func(raw int64))
	SetCapabilityValue(name capability.Name, value any) <-chan error
}

// Handler is implemented by every device driver.
type Handler interface {
	// Init is called each time the device comes up. firstInit is true only
	// the first time the device is seen after pairing.
	Init(dev Device, firstInit bool)
	Deleted()
}

// Factory creates a handler for one device.
type Factory func(logger *slog.Logger) Handler

type registration struct {
	factory      Factory
	capabilities []capability.Name
}

// Registry maps driver names to factories.
type Registry struct {
	mu      sync.RWMutex
	drivers map[string]registration
}

// NewRegistry returns a registry holding the built-in drivers.
func NewRegistry() *Registry {
	r := &Registry{drivers: make(map[string]registration)}
	r.Register(TZ01Name, NewTZ01, TZ01Capabilities...)
	return r
}

// Register adds or replaces a driver. caps lists the capabilities the
// driver writes.
func (r *Registry) Register(name string, f Factory, caps ...capability.Name) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drivers[name] = registration{factory: f, capabilities: append([]capability.Name(nil), caps...)}
}

// Capabilities returns the capabilities a driver writes.
func (r *Registry) Capabilities(name string) []capability.Name {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]capability.Name(nil), r.drivers[name].capabilities...)
}

// New creates a handler by driver name.
func (r *Registry) New(name string, logger *slog.Logger) (Handler, bool) {
	r.mu.RLock()
	reg, ok := r.drivers[name]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return reg.factory(logger), true
}

// Has reports whether a driver is registered under name.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.drivers[name]
	return ok
}

// Names returns the registered driver names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.drivers))
	for n := range r.drivers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
