package store

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketDevices     = []byte("devices")
	bucketCredentials = []byte("credentials")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketDevices, bucketCredentials} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) SaveDevice(dev *Device) error {
	return s.SaveDevices([]*Device{dev})
}

// SaveDevices writes all devices in one transaction. FirstSeen of an
// existing entry is kept, as is its LastSeen when the new value is zero.
func (s *BoltStore) SaveDevices(devs []*Device) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketDevices)
		}
		now := time.Now()
		for _, dev := range devs {
			if dev.DeviceID == "" {
				return fmt.Errorf("save device: empty device id")
			}
			rec := *dev
			if data := b.Get([]byte(dev.DeviceID)); data != nil {
				var old Device
				if err := json.Unmarshal(data, &old); err == nil {
					if !old.FirstSeen.IsZero() {
						rec.FirstSeen = old.FirstSeen
					}
					if rec.LastSeen.IsZero() {
						rec.LastSeen = old.LastSeen
					}
				}
			}
			if rec.FirstSeen.IsZero() {
				rec.FirstSeen = now
			}
			data, err := json.Marshal(&rec)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(rec.DeviceID), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) GetDevice(id string) (*Device, error) {
	var dev Device
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketDevices)
		}
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("device %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &dev)
	})
	if err != nil {
		return nil, err
	}
	return &dev, nil
}

func (s *BoltStore) DeleteDevice(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketDevices)
		}
		return b.Delete([]byte(id))
	})
}

func (s *BoltStore) ListDevices() ([]*Device, error) {
	var devices []*Device
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return nil // no bucket = no devices
		}
		devices = make([]*Device, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var dev Device
			if err := json.Unmarshal(v, &dev); err != nil {
				return fmt.Errorf("device %s: %w", k, err)
			}
			devices = append(devices, &dev)
			return nil
		})
	})
	return devices, err
}

func credentialsKey(host string) []byte {
	return []byte(strings.TrimRight(strings.ToLower(strings.TrimSpace(host)), "/"))
}

func (s *BoltStore) SaveCredentials(creds *Credentials) error {
	if strings.TrimSpace(creds.Host) == "" {
		return fmt.Errorf("save credentials: empty host")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCredentials)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketCredentials)
		}
		// Use internal storage struct to persist the API key.
		st := credentialsStorage{
			Host:      creds.Host,
			APIKey:    creds.APIKey,
			KeyName:   creds.KeyName,
			Username:  creds.Username,
			CreatedAt: creds.CreatedAt,
		}
		if st.CreatedAt.IsZero() {
			st.CreatedAt = time.Now()
		}
		data, err := json.Marshal(st)
		if err != nil {
			return err
		}
		return b.Put(credentialsKey(creds.Host), data)
	})
}

func (s *BoltStore) GetCredentials(host string) (*Credentials, error) {
	var creds Credentials
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCredentials)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketCredentials)
		}
		data := b.Get(credentialsKey(host))
		if data == nil {
			return fmt.Errorf("credentials for %s: %w", host, ErrNotFound)
		}
		var st credentialsStorage
		if err := json.Unmarshal(data, &st); err != nil {
			return err
		}
		creds = Credentials{
			Host:      st.Host,
			APIKey:    st.APIKey,
			KeyName:   st.KeyName,
			Username:  st.Username,
			CreatedAt: st.CreatedAt,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &creds, nil
}

func (s *BoltStore) DeleteCredentials(host string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCredentials)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketCredentials)
		}
		return b.Delete(credentialsKey(host))
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
