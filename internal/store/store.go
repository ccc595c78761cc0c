package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested device does not exist.
var ErrNotFound = errors.New("not found")

// Store persists paired devices and their last capability values.
type Store interface {
	SaveDevice(dev *Device) error
	GetDevice(ieee string) (*Device, error)
	DeleteDevice(ieee string) error
	ListDevices() ([]*Device, error)

	// UpdateDevice reads, modifies and saves a device in one transaction.
	// Returns ErrNotFound if the device does not exist.
	UpdateDevice(ieee string, fn func(dev *Device) error) error

	// SetCapability records the latest value of one capability.
	SetCapability(ieee, name string, value any, at time.Time) error

	Close() error
}
