package store

import "time"

// Device is the persisted identity of a PlantSip device. It carries no
// measurements; those live only in the current snapshot.
type Device struct {
	DeviceID  string    `json:"device_id"`
	Name      string    `json:"name,omitempty"`
	Channels  []Channel `json:"channels,omitempty"`
	Removed   bool      `json:"removed,omitempty"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen,omitempty"`
}

// Channel is the persisted identity of one channel.
type Channel struct {
	ID           int    `json:"id"`
	DisplayIndex int    `json:"channel_index"`
	Name         string `json:"name,omitempty"`
}

// Credentials holds an API key minted for a host.
// APIKey is hidden from API/JSON serialization via json:"-".
type Credentials struct {
	Host      string    `json:"host"`
	APIKey    string    `json:"-"`
	KeyName   string    `json:"key_name,omitempty"`
	Username  string    `json:"username,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// credentialsStorage is the internal struct used for DB serialization,
// preserving the API key on disk.
type credentialsStorage struct {
	Host      string    `json:"host"`
	APIKey    string    `json:"api_key"`
	KeyName   string    `json:"key_name,omitempty"`
	Username  string    `json:"username,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
