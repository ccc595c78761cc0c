package store

import "time"

// Device is a paired device as known to the bridge. Initialized is set once
// the device's driver has run its first-init setup.
type Device struct {
	IEEEAddress  string                     `json:"ieee_address"`
	ShortAddress uint16                     `json:"short_address"`
	Manufacturer string                     `json:"manufacturer,omitempty"`
	Model        string                     `json:"model,omitempty"`
	FriendlyName string                     `json:"friendly_name,omitempty"`
	Driver       string                     `json:"driver,omitempty"`
	Initialized  bool                       `json:"initialized"`
	JoinedAt     time.Time                  `json:"joined_at"`
	LastSeen     time.Time                  `json:"last_seen"`
	LQI          uint8                      `json:"lqi,omitempty"`
	RSSI         int8                       `json:"rssi,omitempty"`
	Capabilities map[string]CapabilityValue `json:"capabilities,omitempty"`
}

// CapabilityValue is the last value written to a capability.
type CapabilityValue struct {
	Value     any       `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DisplayName returns the friendly name, falling back to the IEEE address.
func (d *Device) DisplayName() string {
	if d.FriendlyName != "" {
		return d.FriendlyName
	}
	return d.IEEEAddress
}
