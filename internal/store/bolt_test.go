package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := NewBoltStore(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndGetDevice(t *testing.T) {
	s := newTestStore(t)

	dev := &Device{
		IEEEAddress:  "0xA4C1380012345678",
		ShortAddress: 0x1234,
		Manufacturer: "_TZ3000_fllyghyj",
		Model:        "TS0201",
		Driver:       "tz01",
		Initialized:  true,
		JoinedAt:     time.Now().Truncate(time.Millisecond),
	}
	if err := s.SaveDevice(dev); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetDevice(dev.IEEEAddress)
	if err != nil {
		t.Fatal(err)
	}
	if got.ShortAddress != dev.ShortAddress {
		t.Errorf("short = 0x%04X, want 0x%04X", got.ShortAddress, dev.ShortAddress)
	}
	if got.Model != dev.Model || got.Driver != dev.Driver {
		t.Errorf("model/driver = %q/%q", got.Model, got.Driver)
	}
	if !got.Initialized {
		t.Error("initialized = false, want true")
	}
	if !got.JoinedAt.Equal(dev.JoinedAt) {
		t.Errorf("joined_at = %v, want %v", got.JoinedAt, dev.JoinedAt)
	}
}

func TestGetDeviceNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetDevice("0xFFFFFFFFFFFFFFFF")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestDeleteDevice(t *testing.T) {
	s := newTestStore(t)

	dev := &Device{IEEEAddress: "0x0000000000000001", ShortAddress: 0x1234}
	if err := s.SaveDevice(dev); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteDevice(dev.IEEEAddress); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetDevice(dev.IEEEAddress); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestListDevices(t *testing.T) {
	s := newTestStore(t)

	for _, ieee := range []string{"0x0000000000000001", "0x0000000000000002", "0x0000000000000003"} {
		if err := s.SaveDevice(&Device{IEEEAddress: ieee}); err != nil {
			t.Fatal(err)
		}
	}
	list, err := s.ListDevices()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 3 {
		t.Fatalf("list count = %d, want 3", len(list))
	}
}

func TestUpdateDevice(t *testing.T) {
	s := newTestStore(t)

	if err := s.SaveDevice(&Device{IEEEAddress: "0x0000000000000001"}); err != nil {
		t.Fatal(err)
	}
	err := s.UpdateDevice("0x0000000000000001", func(d *Device) error {
		d.Initialized = true
		d.LQI = 200
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	got, err := s.GetDevice("0x0000000000000001")
	if err != nil {
		t.Fatal(err)
	}
	if !got.Initialized || got.LQI != 200 {
		t.Errorf("device = %+v", got)
	}

	boom := errors.New("boom")
	err = s.UpdateDevice("0x0000000000000001", func(d *Device) error {
		d.LQI = 1
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	got, _ = s.GetDevice("0x0000000000000001")
	if got.LQI != 200 {
		t.Errorf("failed update was persisted: lqi = %d", got.LQI)
	}

	if err := s.UpdateDevice("0x0000000000000009", func(*Device) error { return nil }); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestSetCapability(t *testing.T) {
	s := newTestStore(t)
	ieee := "0x0000000000000001"
	if err := s.SaveDevice(&Device{IEEEAddress: ieee}); err != nil {
		t.Fatal(err)
	}

	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	if err := s.SetCapability(ieee, "measure_temperature", 21.5, at); err != nil {
		t.Fatal(err)
	}
	if err := s.SetCapability(ieee, "alarm_battery", true, at); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetDevice(ieee)
	if err != nil {
		t.Fatal(err)
	}
	if v := got.Capabilities["measure_temperature"]; v.Value != 21.5 || !v.UpdatedAt.Equal(at) {
		t.Errorf("measure_temperature = %+v", v)
	}
	if v := got.Capabilities["alarm_battery"]; v.Value != true {
		t.Errorf("alarm_battery = %+v", v)
	}

	if err := s.SetCapability("0x0000000000000009", "measure_temperature", 1.0, at); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
