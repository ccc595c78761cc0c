package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"tz01-bridge/internal/ncp"
	"tz01-bridge/internal/store"
	"tz01-bridge/internal/zcl"
)

const (
	setupTimeout     = 3 * time.Minute
	identifyAttempts = 3
	announceDebounce = 3 * time.Second
)

// DeviceManager handles device lifecycle (announce, leave, reports) and the
// drivers attached to devices.
type DeviceManager struct {
	coord  *Coordinator
	logger *slog.Logger

	// retryDelay is the base delay between identification attempts.
	retryDelay time.Duration

	attachMu sync.Mutex
	attached map[string]*hostDevice
	setups   map[string]bool

	// Debounce duplicate announces from the same device.
	lastAnnounceMu sync.Mutex
	lastAnnounce   map[string]time.Time

	// In-memory short address -> IEEE index for fast lookup.
	addrMu    sync.RWMutex
	addrIndex map[uint16]string
}

// NewDeviceManager creates a new device manager.
func NewDeviceManager(coord *Coordinator) *DeviceManager {
	return &DeviceManager{
		coord:        coord,
		logger:       coord.logger.With("component", "device_manager"),
		retryDelay:   5 * time.Second,
		attached:     make(map[string]*hostDevice),
		setups:       make(map[string]bool),
		lastAnnounce: make(map[string]time.Time),
		addrIndex:    make(map[uint16]string),
	}
}

// updateAddrIndex updates the short address -> IEEE mapping.
func (dm *DeviceManager) updateAddrIndex(ieee string, shortAddr uint16) {
	dm.addrMu.Lock()
	for addr, stored := range dm.addrIndex {
		if stored == ieee && addr != shortAddr {
			delete(dm.addrIndex, addr)
		}
	}
	dm.addrIndex[shortAddr] = ieee
	dm.addrMu.Unlock()
}

// removeFromAddrIndex drops every short address mapped to ieee.
func (dm *DeviceManager) removeFromAddrIndex(ieee string) {
	dm.addrMu.Lock()
	for addr, stored := range dm.addrIndex {
		if stored == ieee {
			delete(dm.addrIndex, addr)
		}
	}
	dm.addrMu.Unlock()
}

// lookupIEEE finds IEEE address by short address from in-memory index.
func (dm *DeviceManager) lookupIEEE(shortAddr uint16) string {
	dm.addrMu.RLock()
	defer dm.addrMu.RUnlock()
	return dm.addrIndex[shortAddr]
}

// RebuildAddrIndex loads all devices from store and populates the index.
func (dm *DeviceManager) RebuildAddrIndex() {
	devices, err := dm.coord.store.ListDevices()
	if err != nil {
		dm.logger.Error("rebuild addr index", "err", err)
		return
	}
	dm.addrMu.Lock()
	clear(dm.addrIndex)
	for _, d := range devices {
		dm.addrIndex[d.ShortAddress] = d.IEEEAddress
	}
	dm.addrMu.Unlock()
}

// lookupOrRebuild looks up an IEEE address by short address from the in-memory
// index. If not found, rebuilds the index from the store under a write lock
// with a double-check to avoid redundant rebuilds.
func (dm *DeviceManager) lookupOrRebuild(shortAddr uint16) string {
	if ieee := dm.lookupIEEE(shortAddr); ieee != "" {
		return ieee
	}

	dm.addrMu.Lock()
	defer dm.addrMu.Unlock()
	if ieee := dm.addrIndex[shortAddr]; ieee != "" {
		return ieee
	}

	devices, err := dm.coord.store.ListDevices()
	if err != nil {
		dm.logger.Error("rebuild addr index for lookup", "err", err)
		return ""
	}
	var ieee string
	clear(dm.addrIndex)
	for _, d := range devices {
		dm.addrIndex[d.ShortAddress] = d.IEEEAddress
		if d.ShortAddress == shortAddr {
			ieee = d.IEEEAddress
		}
	}
	return ieee
}

// AttachStored brings up the drivers of every initialized device in the
// store. Returns the number of drivers attached.
func (dm *DeviceManager) AttachStored() int {
	devices, err := dm.coord.store.ListDevices()
	if err != nil {
		dm.logger.Error("list devices", "err", err)
		return 0
	}
	n := 0
	for _, dev := range devices {
		if !dev.Initialized || dev.Driver == "" {
			continue
		}
		if dm.attach(dev, dev.Driver, false) {
			n++
		}
	}
	return n
}

// HandleAnnounce processes a device announce: records the device and, if no
// driver is attached yet, identifies it and attaches one in the background.
func (dm *DeviceManager) HandleAnnounce(evt ncp.DeviceAnnounceEvent) {
	ieee := FormatIEEE(evt.IEEEAddr)
	now := time.Now()

	dm.updateAddrIndex(ieee, evt.ShortAddr)

	var name string
	joined := false
	err := dm.coord.store.UpdateDevice(ieee, func(dev *store.Device) error {
		dev.ShortAddress = evt.ShortAddr
		dev.LastSeen = now
		name = dev.DisplayName()
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		joined = true
		name = ieee
		err = dm.coord.store.SaveDevice(&store.Device{
			IEEEAddress:  ieee,
			ShortAddress: evt.ShortAddr,
			JoinedAt:     now,
			LastSeen:     now,
		})
	}
	if err != nil {
		dm.logger.Error("save device on announce", "err", err, "ieee", ieee)
		return
	}

	dm.logger.Info("device announce", "ieee", ieee, "short", fmt.Sprintf("0x%04X", evt.ShortAddr), "name", name, "new", joined)

	data := map[string]interface{}{
		"ieee":       ieee,
		"short_addr": evt.ShortAddr,
	}
	if joined {
		dm.coord.events.Emit(Event{Type: EventDeviceJoined, Data: data})
	}
	dm.coord.events.Emit(Event{Type: EventDeviceAnnounce, Data: data})

	if dm.IsAttached(ieee) {
		dm.logger.Debug("announce from attached device, address updated", "ieee", ieee)
		return
	}

	dm.lastAnnounceMu.Lock()
	if last, ok := dm.lastAnnounce[ieee]; ok && now.Sub(last) < announceDebounce {
		dm.lastAnnounceMu.Unlock()
		dm.logger.Debug("duplicate announce", "ieee", ieee)
		return
	}
	dm.lastAnnounce[ieee] = now
	// Evict stale entries to prevent unbounded growth.
	if len(dm.lastAnnounce) > 50 {
		for k, t := range dm.lastAnnounce {
			if now.Sub(t) > time.Minute {
				delete(dm.lastAnnounce, k)
			}
		}
	}
	dm.lastAnnounceMu.Unlock()

	dm.startSetup(ieee)
}

func (dm *DeviceManager) startSetup(ieee string) {
	dm.attachMu.Lock()
	if dm.setups[ieee] {
		dm.attachMu.Unlock()
		return
	}
	dm.setups[ieee] = true
	dm.attachMu.Unlock()

	forgetSetup := func() {
		dm.attachMu.Lock()
		delete(dm.setups, ieee)
		dm.attachMu.Unlock()
	}
	started := dm.coord.goBackground(func() {
		defer forgetSetup()
		dm.setup(ieee)
	})
	if !started {
		forgetSetup()
		dm.logger.Debug("coordinator stopping, setup skipped", "ieee", ieee)
	}
}

// setup identifies a device if needed, resolves its driver and attaches it.
// The driver's first init runs only if the device was never initialized.
func (dm *DeviceManager) setup(ieee string) {
	ctx, cancel := context.WithTimeout(dm.coord.ctx, setupTimeout)
	defer cancel()

	dev, err := dm.coord.store.GetDevice(ieee)
	if err != nil {
		dm.logger.Error("setup: get device", "err", err, "ieee", ieee)
		return
	}
	if dev.Manufacturer == "" || dev.Model == "" {
		if dev, err = dm.identify(ctx, ieee); err != nil {
			dm.logger.Error("identify failed", "err", err, "ieee", ieee)
			return
		}
	}

	driverName := dm.resolveDriver(dev)
	if driverName == "" {
		dm.logger.Info("no driver for device", "ieee", ieee,
			"manufacturer", dev.Manufacturer, "model", dev.Model)
		return
	}

	if !dm.attach(dev, driverName, !dev.Initialized) {
		return
	}
	err = dm.coord.store.UpdateDevice(ieee, func(d *store.Device) error {
		d.Driver = driverName
		d.Initialized = true
		return nil
	})
	if err != nil {
		dm.logger.Error("save initialized device", "err", err, "ieee", ieee)
	}
}

// identify reads manufacturer and model from the Basic cluster, retrying with
// jitter while the device may still be busy after joining.
func (dm *DeviceManager) identify(ctx context.Context, ieee string) (*store.Device, error) {
	var lastErr error
	for attempt := 1; attempt <= identifyAttempts; attempt++ {
		// Re-read each attempt to pick up short address changes from rejoins.
		dev, err := dm.coord.store.GetDevice(ieee)
		if err != nil {
			return nil, fmt.Errorf("get device: %w", err)
		}

		reqCtx, cancel := context.WithTimeout(ctx, dm.coord.config.RequestTimeout)
		manufacturer, model, err := dm.coord.readIdentity(reqCtx, dev.ShortAddress)
		cancel()
		if err == nil && model == "" {
			err = errors.New("empty model identifier")
		}
		if err == nil {
			var friendly string
			if def := dm.coord.deviceDB.Lookup(manufacturer, model); def != nil {
				friendly = def.FriendlyName
			}
			err = dm.coord.store.UpdateDevice(ieee, func(d *store.Device) error {
				d.Manufacturer = manufacturer
				d.Model = model
				if d.FriendlyName == "" {
					d.FriendlyName = friendly
				}
				dev = d
				return nil
			})
			if err != nil {
				return nil, fmt.Errorf("save identity: %w", err)
			}
			dm.logger.Info("device identified", "ieee", ieee, "manufacturer", manufacturer, "model", model)
			return dev, nil
		}

		lastErr = err
		dm.logger.Warn("read basic attributes", "err", err, "ieee", ieee, "attempt", attempt)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt < identifyAttempts {
			jitter := time.Duration(rand.Int64N(int64(dm.retryDelay)/2 + 1))
			select {
			case <-time.After(dm.retryDelay + jitter):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return nil, fmt.Errorf("after %d attempts: %w", identifyAttempts, lastErr)
}

// resolveDriver picks the driver recorded on the device, falling back to the
// device definition for its manufacturer and model.
func (dm *DeviceManager) resolveDriver(dev *store.Device) string {
	if dev.Driver != "" {
		return dev.Driver
	}
	if def := dm.coord.deviceDB.Lookup(dev.Manufacturer, dev.Model); def != nil {
		return def.Driver
	}
	return ""
}

// attach creates the driver's handler, registers its host device and calls
// Init.
func (dm *DeviceManager) attach(dev *store.Device, driverName string, firstInit bool) bool {
	ieeeAddr, err := ParseIEEE(dev.IEEEAddress)
	if err != nil {
		dm.logger.Error("attach: bad ieee", "err", err, "ieee", dev.IEEEAddress)
		return false
	}
	handler, ok := dm.coord.drivers.New(driverName, dm.coord.driverLogger)
	if !ok {
		dm.logger.Warn("unknown driver", "ieee", dev.IEEEAddress, "driver", driverName)
		return false
	}

	hd := newHostDevice(dm.coord, dev.IEEEAddress, ieeeAddr, dm.logger.With("ieee", dev.IEEEAddress))
	hd.handler = handler

	dm.attachMu.Lock()
	prev := dm.attached[dev.IEEEAddress]
	dm.attached[dev.IEEEAddress] = hd
	dm.attachMu.Unlock()
	if prev != nil {
		prev.clearSubscriptions()
	}

	dm.logger.Info("driver attached", "ieee", dev.IEEEAddress, "name", dev.DisplayName(),
		"driver", driverName, "first_init", firstInit)
	handler.Init(hd, firstInit)
	return true
}

// detach removes the device's driver and tells it the device is gone.
func (dm *DeviceManager) detach(ieee string) {
	dm.attachMu.Lock()
	hd := dm.attached[ieee]
	delete(dm.attached, ieee)
	dm.attachMu.Unlock()
	if hd == nil {
		return
	}
	hd.clearSubscriptions()
	hd.handler.Deleted()
}

func (dm *DeviceManager) attachedDevice(ieee string) *hostDevice {
	dm.attachMu.Lock()
	defer dm.attachMu.Unlock()
	return dm.attached[ieee]
}

// IsAttached reports whether a driver is running for the device.
func (dm *DeviceManager) IsAttached(ieee string) bool {
	return dm.attachedDevice(ieee) != nil
}

// HandleLeave processes a device leave event: detaches the driver, removes
// the device from the address index and store, and emits EventDeviceLeft.
func (dm *DeviceManager) HandleLeave(evt ncp.DeviceLeftEvent) {
	ieee := FormatIEEE(evt.IEEEAddr)
	name := ieee
	if dev, err := dm.coord.store.GetDevice(ieee); err == nil {
		name = dev.DisplayName()
	}
	dm.logger.Info("device left", "ieee", ieee, "name", name)

	if err := dm.forget(ieee); err != nil {
		dm.logger.Error("delete device on leave", "err", err, "ieee", ieee)
	}
}

// RemoveDevice forgets a device as if it had left the network.
func (dm *DeviceManager) RemoveDevice(ieee string) error {
	if _, err := dm.coord.store.GetDevice(ieee); err != nil {
		return err
	}
	if err := dm.forget(ieee); err != nil {
		return fmt.Errorf("remove device: %w", err)
	}
	dm.logger.Info("device removed", "ieee", ieee)
	return nil
}

func (dm *DeviceManager) forget(ieee string) error {
	dm.detach(ieee)
	dm.removeFromAddrIndex(ieee)

	dm.lastAnnounceMu.Lock()
	delete(dm.lastAnnounce, ieee)
	dm.lastAnnounceMu.Unlock()

	err := dm.coord.store.DeleteDevice(ieee)
	dm.coord.events.Emit(Event{
		Type: EventDeviceLeft,
		Data: map[string]interface{}{"ieee": ieee},
	})
	return err
}

// HandleAttributeReport processes an attribute report event.
func (dm *DeviceManager) HandleAttributeReport(evt ncp.AttributeReportEvent) {
	ieee := dm.lookupOrRebuild(evt.SrcAddr)

	var decoded interface{}
	if len(evt.Value) > 0 {
		val, _, decErr := zcl.DecodeValue(evt.DataType, evt.Value)
		if decErr == nil {
			decoded = val
		} else {
			decoded = fmt.Sprintf("%X", evt.Value)
		}
	}

	clusterName := dm.coord.clusterName(evt.ClusterID)
	attrName := dm.coord.attributeName(evt.ClusterID, evt.AttrID)

	if ieee != "" {
		now := time.Now()
		err := dm.coord.store.UpdateDevice(ieee, func(dev *store.Device) error {
			dev.LastSeen = now
			if evt.LQI > 0 {
				dev.LQI = evt.LQI
				dev.RSSI = evt.RSSI
			}
			return nil
		})
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			dm.logger.Error("save device last_seen", "err", err, "ieee", ieee)
		}
	}

	dm.logger.Debug("attribute report",
		"ieee", ieee,
		"short", fmt.Sprintf("0x%04X", evt.SrcAddr),
		"cluster", clusterName,
		"attr", attrName,
		"value", decoded,
	)

	dm.coord.events.Emit(Event{
		Type: EventAttributeReport,
		Data: map[string]interface{}{
			"ieee":         ieee,
			"short_addr":   evt.SrcAddr,
			"endpoint":     evt.SrcEP,
			"cluster_id":   evt.ClusterID,
			"cluster_name": clusterName,
			"attr_id":      evt.AttrID,
			"attr_name":    attrName,
			"value":        decoded,
			"lqi":          evt.LQI,
		},
	})

	if ieee == "" || decoded == nil {
		return
	}
	if hd := dm.attachedDevice(ieee); hd != nil {
		hd.dispatch(evt.SrcEP, evt.ClusterID, evt.AttrID, decoded)
	}
}

// ListDevices returns all known devices.
func (dm *DeviceManager) ListDevices() ([]*store.Device, error) {
	return dm.coord.store.ListDevices()
}

// GetDevice returns a device by IEEE address.
func (dm *DeviceManager) GetDevice(ieee string) (*store.Device, error) {
	return dm.coord.store.GetDevice(ieee)
}
