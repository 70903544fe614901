package coordinator

import (
	"sort"
	"time"

	"plantsip-bridge/internal/plantsip"
)

// Command records the last command accepted by the API for a device.
type Command struct {
	Kind      string    `json:"kind"`
	ChannelID int       `json:"channel_id"`
	Amount    float64   `json:"amount"`
	At        time.Time `json:"at"`
}

// DeviceRecord is the coordinator's unit of state. An unavailable record
// keeps the last good Device and Status. Removed marks a placeholder for a
// device the backend no longer reports.
type DeviceRecord struct {
	Device      plantsip.Device  `json:"device"`
	Status      *plantsip.Status `json:"status,omitempty"`
	Available   bool             `json:"available"`
	Removed     bool             `json:"removed,omitempty"`
	UpdatedAt   time.Time        `json:"updated_at,omitempty"`
	LastError   string           `json:"last_error,omitempty"`
	LastCommand *Command         `json:"last_command,omitempty"`
}

// ID returns the device id.
func (r *DeviceRecord) ID() string {
	return r.Device.ID
}

// Name returns the display name, falling back to the id.
func (r *DeviceRecord) Name() string {
	if r.Device.Name != "" {
		return r.Device.Name
	}
	return r.Device.ID
}

// ChannelStatus returns the status of a channel joined by its backend id.
func (r *DeviceRecord) ChannelStatus(channelID int) (plantsip.ChannelStatus, bool) {
	ch, ok := r.Device.Channel(channelID)
	if !ok {
		return plantsip.ChannelStatus{}, false
	}
	return r.Status.Channel(ch.DisplayIndex)
}

// clone copies the record and its channel list. Status is shared; it is
// never written after decoding.
func (r *DeviceRecord) clone() *DeviceRecord {
	cp := *r
	cp.Device.Channels = append([]plantsip.Channel(nil), r.Device.Channels...)
	if r.LastCommand != nil {
		cmd := *r.LastCommand
		cp.LastCommand = &cmd
	}
	return &cp
}

// Snapshot is the published state of all known devices. A published
// Snapshot and its records are never written; consumers must treat them as
// read-only.
type Snapshot struct {
	Devices map[string]*DeviceRecord `json:"devices"`
	// Seq counts successful refresh cycles. Zero means no cycle has
	// completed yet.
	Seq uint64 `json:"seq"`
	// Revision increases on every publish, including command patches.
	Revision uint64    `json:"revision"`
	At       time.Time `json:"at"`
	Degraded bool      `json:"degraded,omitempty"`
}

func emptySnapshot() *Snapshot {
	return &Snapshot{Devices: map[string]*DeviceRecord{}}
}

// Device returns the record for id.
func (s *Snapshot) Device(id string) (*DeviceRecord, bool) {
	rec, ok := s.Devices[id]
	return rec, ok
}

// IDs returns the device ids in sorted order.
func (s *Snapshot) IDs() []string {
	ids := make([]string, 0, len(s.Devices))
	for id := range s.Devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Records returns the records sorted by device id.
func (s *Snapshot) Records() []*DeviceRecord {
	out := make([]*DeviceRecord, 0, len(s.Devices))
	for _, id := range s.IDs() {
		out = append(out, s.Devices[id])
	}
	return out
}

// Counts returns the number of available, unavailable and removed records.
func (s *Snapshot) Counts() (available, unavailable, removed int) {
	for _, rec := range s.Devices {
		switch {
		case rec.Removed:
			removed++
		case rec.Available:
			available++
		default:
			unavailable++
		}
	}
	return
}

// withRecord returns a shallow copy of s with one record replaced.
func (s *Snapshot) withRecord(rec *DeviceRecord) *Snapshot {
	next := *s
	next.Devices = make(map[string]*DeviceRecord, len(s.Devices))
	for id, r := range s.Devices {
		next.Devices[id] = r
	}
	next.Devices[rec.ID()] = rec
	next.Revision++
	return &next
}
