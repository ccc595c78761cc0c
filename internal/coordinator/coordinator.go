package coordinator

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"tz01-bridge/internal/capability"
	"tz01-bridge/internal/driver"
	"tz01-bridge/internal/ncp"
	"tz01-bridge/internal/store"
	"tz01-bridge/internal/zcl"
)

// DefaultRequestTimeout bounds a single bind or configure request.
const DefaultRequestTimeout = 10 * time.Second

// Config holds coordinator configuration.
type Config struct {
	// RequestTimeout bounds each NCP request made on behalf of a driver.
	RequestTimeout time.Duration
	// QueueSize is the capability sink queue capacity.
	QueueSize int
}

// ParseIEEE parses "DD:DD:DD:DD:DD:DD:DD:DD" or "DDDDDDDDDDDDDDDD" into [8]byte.
func ParseIEEE(s string) ([8]byte, error) {
	var result [8]byte
	s = strings.ReplaceAll(s, ":", "")
	b, err := hex.DecodeString(s)
	if err != nil {
		return result, fmt.Errorf("parse ieee address: %w", err)
	}
	if len(b) != 8 {
		return result, fmt.Errorf("ieee address must be 8 bytes, got %d", len(b))
	}
	copy(result[:], b)
	return result, nil
}

// FormatIEEE renders an IEEE address the way devices are keyed in the store.
func FormatIEEE(ieee [8]byte) string {
	return fmt.Sprintf("%016X", ieee)
}

// Coordinator owns the Zigbee network and hosts a driver for every paired
// device it has one for.
type Coordinator struct {
	ncp      ncp.NCP
	store    store.Store
	registry *zcl.Registry
	deviceDB *DeviceDB
	drivers  *driver.Registry
	events   *EventBus
	devices  *DeviceManager
	sink     *capability.Sink
	logger   *slog.Logger
	config   Config

	// driverLogger is handed to driver factories.
	driverLogger *slog.Logger

	ieeeMu    sync.RWMutex
	localIEEE [8]byte // coordinator's own IEEE address, cached at Start

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	bgMu     sync.Mutex
	stopping bool
}

// ErrStopped is returned for requests made after Stop.
var ErrStopped = errors.New("coordinator stopped")

// New creates a coordinator. Nothing talks to the NCP until Start.
func New(cfg Config, backend ncp.NCP, st store.Store, registry *zcl.Registry, deviceDB *DeviceDB, drivers *driver.Registry, events *EventBus, logger *slog.Logger) *Coordinator {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if deviceDB == nil {
		deviceDB = NewDeviceDB()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		ncp:      backend,
		store:    st,
		registry: registry,
		deviceDB: deviceDB,
		drivers:  drivers,
		events:   events,
		logger:   logger.With("component", "coordinator"),
		config:   cfg,
		ctx:      ctx,
		cancel:   cancel,

		driverLogger: logger.With("component", "driver"),
	}
	c.sink = capability.NewSink(st, logger,
		capability.WithQueueSize(cfg.QueueSize),
		capability.WithOnWritten(c.capabilityWritten),
	)
	c.devices = NewDeviceManager(c)
	c.devices.RebuildAddrIndex()
	c.registerIndicationHandlers()
	return c
}

// Start resets the NCP, resumes the network stored in its NVRAM and brings
// up the drivers of every initialized device.
func (c *Coordinator) Start(ctx context.Context) error {
	c.logger.Info("initializing NCP...")

	// Soft reset gets the NCP into a clean LL protocol state; its packet
	// sequence numbers are stale from the previous session.
	if err := c.ncp.Reset(ctx); err != nil {
		return fmt.Errorf("ncp reset: %w", err)
	}
	if err := c.ncp.Init(ctx); err != nil {
		return fmt.Errorf("ncp init: %w", err)
	}
	if err := c.ncp.StartNetwork(ctx); err != nil {
		return fmt.Errorf("start network: %w", err)
	}
	c.cacheLocalIEEE(ctx)

	c.sink.Start()
	n := c.devices.AttachStored()
	c.logger.Info("network started", "drivers", n)
	return nil
}

func (c *Coordinator) cacheLocalIEEE(ctx context.Context) {
	ieee, err := c.ncp.GetLocalIEEE(ctx)
	if err != nil {
		c.logger.Warn("get coordinator IEEE", "err", err)
		return
	}
	c.ieeeMu.Lock()
	c.localIEEE = ieee
	c.ieeeMu.Unlock()
	c.logger.Info("coordinator IEEE", "ieee", FormatIEEE(ieee))
}

// LocalIEEE returns the coordinator's own IEEE address.
func (c *Coordinator) LocalIEEE() [8]byte {
	c.ieeeMu.RLock()
	defer c.ieeeMu.RUnlock()
	return c.localIEEE
}

// Stop cancels outstanding requests, waits for background work and drains
// the capability sink. Work requested after Stop begins is refused.
func (c *Coordinator) Stop() {
	c.bgMu.Lock()
	c.stopping = true
	c.bgMu.Unlock()

	c.cancel()
	c.wg.Wait()
	c.sink.Stop()
}

// goBackground runs fn on a goroutine tracked by Stop. It returns false
// without running fn once Stop has begun.
func (c *Coordinator) goBackground(fn func()) bool {
	c.bgMu.Lock()
	defer c.bgMu.Unlock()
	if c.stopping {
		return false
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
	return true
}

// NetworkInfo describes the running coordinator.
type NetworkInfo struct {
	LocalIEEE         string    `json:"local_ieee"`
	Firmware          *ncp.Info `json:"firmware,omitempty"`
	DeviceDefinitions int       `json:"device_definitions"`
	Drivers           []string  `json:"drivers"`
}

// NetworkInfo reports the coordinator address, the NCP firmware when the
// transport exposes it, and the loaded definitions and drivers.
func (c *Coordinator) NetworkInfo() NetworkInfo {
	info := NetworkInfo{
		LocalIEEE: FormatIEEE(c.LocalIEEE()),
		Drivers:   c.drivers.Names(),
	}
	if p, ok := c.ncp.(ncp.InfoProvider); ok {
		fw := p.Info()
		info.Firmware = &fw
	}
	if c.deviceDB != nil {
		info.DeviceDefinitions = c.deviceDB.Len()
	}
	return info
}

// PermitJoin opens or closes the network for device joining.
func (c *Coordinator) PermitJoin(ctx context.Context, duration uint8) error {
	if err := c.ncp.PermitJoin(ctx, duration); err != nil {
		return fmt.Errorf("permit join: %w", err)
	}
	c.logger.Info("permit join", "duration", duration)
	c.events.Emit(Event{Type: EventPermitJoin, Data: map[string]interface{}{"duration": duration}})
	return nil
}

func (c *Coordinator) capabilityWritten(u capability.Update) {
	c.events.Emit(Event{
		Type: EventCapabilityUpdate,
		Data: map[string]interface{}{
			"ieee":       u.IEEE,
			"capability": string(u.Name),
			"value":      u.Value,
			"time":       u.Time,
		},
	})
}

// Drivers returns the driver registry.
func (c *Coordinator) Drivers() *driver.Registry {
	return c.drivers
}

// Events returns the event bus.
func (c *Coordinator) Events() *EventBus {
	return c.events
}

// Devices returns the device manager.
func (c *Coordinator) Devices() *DeviceManager {
	return c.devices
}

func (c *Coordinator) registerIndicationHandlers() {
	c.ncp.OnDeviceAnnounce(func(evt ncp.DeviceAnnounceEvent) {
		c.devices.HandleAnnounce(evt)
	})
	c.ncp.OnDeviceLeft(func(evt ncp.DeviceLeftEvent) {
		c.devices.HandleLeave(evt)
	})
	c.ncp.OnAttributeReport(func(evt ncp.AttributeReportEvent) {
		c.devices.HandleAttributeReport(evt)
	})
}
