package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketDevices = []byte("devices")

// BoltStore implements Store on a bbolt database.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates the database at path.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketDevices)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) SaveDevice(dev *Device) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putDevice(tx.Bucket(bucketDevices), dev)
	})
}

func (s *BoltStore) GetDevice(ieee string) (*Device, error) {
	var dev *Device
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		dev, err = getDevice(tx.Bucket(bucketDevices), ieee)
		return err
	})
	if err != nil {
		return nil, err
	}
	return dev, nil
}

func (s *BoltStore) DeleteDevice(ieee string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDevices).Delete([]byte(ieee))
	})
}

func (s *BoltStore) ListDevices() ([]*Device, error) {
	var devices []*Device
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		devices = make([]*Device, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var dev Device
			if err := json.Unmarshal(v, &dev); err != nil {
				return fmt.Errorf("decode device %s: %w", k, err)
			}
			devices = append(devices, &dev)
			return nil
		})
	})
	return devices, err
}

func (s *BoltStore) UpdateDevice(ieee string, fn func(dev *Device) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		dev, err := getDevice(b, ieee)
		if err != nil {
			return err
		}
		if err := fn(dev); err != nil {
			return err
		}
		return putDevice(b, dev)
	})
}

func (s *BoltStore) SetCapability(ieee, name string, value any, at time.Time) error {
	return s.UpdateDevice(ieee, func(dev *Device) error {
		if dev.Capabilities == nil {
			dev.Capabilities = make(map[string]CapabilityValue)
		}
		dev.Capabilities[name] = CapabilityValue{Value: value, UpdatedAt: at}
		return nil
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func getDevice(b *bolt.Bucket, ieee string) (*Device, error) {
	data := b.Get([]byte(ieee))
	if data == nil {
		return nil, fmt.Errorf("device %s: %w", ieee, ErrNotFound)
	}
	var dev Device
	if err := json.Unmarshal(data, &dev); err != nil {
		return nil, fmt.Errorf("decode device %s: %w", ieee, err)
	}
	return &dev, nil
}

func putDevice(b *bolt.Bucket, dev *Device) error {
	data, err := json.Marshal(dev)
	if err != nil {
		return fmt.Errorf("encode device %s: %w", dev.IEEEAddress, err)
	}
	return b.Put([]byte(dev.IEEEAddress), data)
}
