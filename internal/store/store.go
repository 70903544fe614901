package store

import "errors"

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface.
type Store interface {
	// Device identity registry
	SaveDevice(dev *Device) error
	SaveDevices(devs []*Device) error
	GetDevice(id string) (*Device, error)
	DeleteDevice(id string) error
	ListDevices() ([]*Device, error)

	// Credentials minted from a username/password exchange, keyed by host.
	SaveCredentials(creds *Credentials) error
	GetCredentials(host string) (*Credentials, error)
	DeleteCredentials(host string) error

	// Close the store
	Close() error
}
