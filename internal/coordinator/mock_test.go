package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"tz01-bridge/internal/driver"
	"tz01-bridge/internal/ncp"
	"tz01-bridge/internal/store"
	"tz01-bridge/internal/zcl"
	"tz01-bridge/internal/zcl/clusters"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// memStore is a minimal in-memory store. Reads return copies so callers
// never share state with it.
type memStore struct {
	mu      sync.Mutex
	devices map[string]*store.Device
}

func newMemStore() *memStore {
	return &memStore{devices: make(map[string]*store.Device)}
}

func copyDevice(d *store.Device) *store.Device {
	cp := *d
	if d.Capabilities != nil {
		cp.Capabilities = make(map[string]store.CapabilityValue, len(d.Capabilities))
		for k, v := range d.Capabilities {
			cp.Capabilities[k] = v
		}
	}
	return &cp
}

func (m *memStore) SaveDevice(dev *store.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices[dev.IEEEAddress] = copyDevice(dev)
	return nil
}

func (m *memStore) GetDevice(ieee string) (*store.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[ieee]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyDevice(d), nil
}

func (m *memStore) DeleteDevice(ieee string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.devices, ieee)
	return nil
}

func (m *memStore) ListDevices() ([]*store.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := make([]*store.Device, 0, len(m.devices))
	for _, d := range m.devices {
		list = append(list, copyDevice(d))
	}
	return list, nil
}

func (m *memStore) UpdateDevice(ieee string, fn func(dev *store.Device) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[ieee]
	if !ok {
		return store.ErrNotFound
	}
	cp := copyDevice(d)
	if err := fn(cp); err != nil {
		return err
	}
	m.devices[ieee] = copyDevice(cp)
	return nil
}

func (m *memStore) SetCapability(ieee, name string, value any, at time.Time) error {
	return m.UpdateDevice(ieee, func(dev *store.Device) error {
		if dev.Capabilities == nil {
			dev.Capabilities = make(map[string]store.CapabilityValue)
		}
		dev.Capabilities[name] = store.CapabilityValue{Value: value, UpdatedAt: at}
		return nil
	})
}

func (m *memStore) Close() error { return nil }

type identity struct {
	manufacturer, model string
}

// mockNCP records requests and answers them from its fields.
type mockNCP struct {
	mu         sync.Mutex
	calls      []string
	localIEEE  [8]byte
	identities map[uint16]identity
	readErrs   int // number of ReadAttributes calls that fail first
	bindErr    error
	configErr  map[uint16]error
	binds      []ncp.BindRequest
	configs    []ncp.ConfigureReportingRequest
	joins      []uint8

	onAnnounce func(ncp.DeviceAnnounceEvent)
	onLeft     func(ncp.DeviceLeftEvent)
	onReport   func(ncp.AttributeReportEvent)
}

var _ ncp.NCP = (*mockNCP)(nil)

func newMockNCP() *mockNCP {
	return &mockNCP{
		localIEEE:  [8]byte{0xF4, 0xCE, 0x36, 0, 0, 0, 0, 0x01},
		identities: make(map[uint16]identity),
		configErr:  make(map[uint16]error),
	}
}

func (m *mockNCP) record(call string) {
	m.mu.Lock()
	m.calls = append(m.calls, call)
	m.mu.Unlock()
}

func (m *mockNCP) Reset(context.Context) error        { m.record("reset"); return nil }
func (m *mockNCP) Init(context.Context) error         { m.record("init"); return nil }
func (m *mockNCP) StartNetwork(context.Context) error { m.record("start"); return nil }

func (m *mockNCP) PermitJoin(_ context.Context, duration uint8) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.joins = append(m.joins, duration)
	return nil
}

func (m *mockNCP) GetLocalIEEE(context.Context) ([8]byte, error) {
	m.record("ieee")
	return m.localIEEE, nil
}

func (m *mockNCP) Bind(_ context.Context, req ncp.BindRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.binds = append(m.binds, req)
	return m.bindErr
}

func (m *mockNCP) ReadAttributes(_ context.Context, req ncp.ReadAttributesRequest) ([]zcl.AttributeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "read")
	if m.readErrs > 0 {
		m.readErrs--
		return nil, errors.New("no response")
	}
	id, ok := m.identities[req.DstAddr]
	if !ok || req.ClusterID != clusters.BasicID {
		return []zcl.AttributeRecord{{AttrID: req.AttrIDs[0], Status: zcl.StatusUnsupportedAttr}}, nil
	}
	var out []zcl.AttributeRecord
	for _, attr := range req.AttrIDs {
		s := id.manufacturer
		if attr == clusters.AttrModelIdentifier {
			s = id.model
		}
		v, _ := zcl.EncodeValue(zcl.TypeCharStr, s)
		out = append(out, zcl.AttributeRecord{AttrID: attr, DataType: zcl.TypeCharStr, Value: v})
	}
	return out, nil
}

func (m *mockNCP) ConfigureReporting(_ context.Context, req ncp.ConfigureReportingRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configs = append(m.configs, req)
	return m.configErr[req.ClusterID]
}

func (m *mockNCP) OnDeviceAnnounce(h func(ncp.DeviceAnnounceEvent)) { m.onAnnounce = h }
func (m *mockNCP) OnDeviceLeft(h func(ncp.DeviceLeftEvent))         { m.onLeft = h }
func (m *mockNCP) OnAttributeReport(h func(ncp.AttributeReportEvent)) {
	m.onReport = h
}
func (m *mockNCP) Close() error { return nil }

func (m *mockNCP) readCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c == "read" {
			n++
		}
	}
	return n
}

// recordingHandler is a driver that records what the host does with it.
type recordingHandler struct {
	mu      sync.Mutex
	inits   []bool
	deleted int
	dev     driver.Device
	reports []int64
}

func (h *recordingHandler) Init(dev driver.Device, firstInit bool) {
	h.mu.Lock()
	h.inits = append(h.inits, firstInit)
	h.dev = dev
	h.mu.Unlock()
	dev.Subscribe(1, driver.TemperatureMeasuredValue, func(raw int64) {
		h.mu.Lock()
		h.reports = append(h.reports, raw)
		h.mu.Unlock()
	})
}

func (h *recordingHandler) Deleted() {
	h.mu.Lock()
	h.deleted++
	h.mu.Unlock()
}

func (h *recordingHandler) snapshot() (inits []bool, deleted int, reports []int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]bool(nil), h.inits...), h.deleted, append([]int64(nil), h.reports...)
}

const (
	testIEEE     = "A4C1380000000001"
	testShort    = uint16(0x4F21)
	testManuf    = "_TZ3000_xr3htd96"
	testModel    = "TS0201"
	recorderName = "recorder"
)

var testIEEEAddr = [8]byte{0xA4, 0xC1, 0x38, 0, 0, 0, 0, 0x01}

type testEnv struct {
	coord    *Coordinator
	ncp      *mockNCP
	store    *memStore
	recorder *recordingHandler
	events   chan Event
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := newTestLogger()
	registry := zcl.NewRegistry(logger)
	clusters.RegisterAll(registry)

	db := NewDeviceDB()
	db.Add(DeviceDefinition{Manufacturer: testManuf, Model: testModel, FriendlyName: "Bedroom", Driver: driver.TZ01Name})
	db.Add(DeviceDefinition{Manufacturer: "test", Model: "recorder", Driver: recorderName})

	rec := &recordingHandler{}
	drivers := driver.NewRegistry()
	drivers.Register(recorderName, func(*slog.Logger) driver.Handler { return rec })

	env := &testEnv{
		ncp:      newMockNCP(),
		store:    newMemStore(),
		recorder: rec,
		events:   make(chan Event, 64),
	}
	events := NewEventBus(logger)
	events.OnAll(func(e Event) {
		select {
		case env.events <- e:
		default:
		}
	})
	env.coord = New(Config{RequestTimeout: time.Second}, env.ncp, env.store, registry, db, drivers, events, logger)
	env.coord.devices.retryDelay = time.Millisecond
	env.coord.sink.Start()
	t.Cleanup(env.coord.Stop)
	return env
}

// settle waits for background setup and configure work to finish.
func (e *testEnv) settle() {
	e.coord.wg.Wait()
}

func (e *testEnv) announce(short uint16) {
	e.ncp.onAnnounce(ncp.DeviceAnnounceEvent{ShortAddr: short, IEEEAddr: testIEEEAddr})
}

// waitEvent returns the next event of type typ.
func (e *testEnv) waitEvent(t *testing.T, typ string) Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-e.events:
			if ev.Type == typ {
				return ev
			}
		case <-timeout:
			t.Fatalf("no %s event", typ)
			return Event{}
		}
	}
}
