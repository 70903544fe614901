package coordinator

import (
	"plantsip-bridge/internal/plantsip"
	"plantsip-bridge/internal/store"
)

// Registry persists device identities across restarts.
type Registry interface {
	ListDevices() ([]*store.Device, error)
	SaveDevices(devs []*store.Device) error
}

// seedSnapshot builds the unpublished starting snapshot from the registry.
// Every seeded device is unavailable until a cycle reports it again.
func (c *Coordinator) seedSnapshot() *Snapshot {
	snap := emptySnapshot()
	if c.registry == nil {
		return snap
	}
	devs, err := c.registry.ListDevices()
	if err != nil {
		c.logger.Warn("load device registry", "err", err)
		return snap
	}
	for _, d := range devs {
		if d.DeviceID == "" {
			continue
		}
		rec := &DeviceRecord{
			Device: plantsip.Device{
				ID:   d.DeviceID,
				Name: d.Name,
			},
			Removed:   d.Removed,
			UpdatedAt: d.LastSeen,
		}
		for _, ch := range d.Channels {
			rec.Device.Channels = append(rec.Device.Channels, plantsip.Channel{
				ID:           ch.ID,
				DisplayIndex: ch.DisplayIndex,
				Name:         ch.Name,
			})
		}
		snap.Devices[d.DeviceID] = rec
	}
	if n := len(snap.Devices); n > 0 {
		c.logger.Info("device registry loaded", "devices", n)
	}
	return snap
}

// persist writes the identities of a published snapshot to the registry.
func (c *Coordinator) persist(snap *Snapshot) {
	if c.registry == nil {
		return
	}
	devs := make([]*store.Device, 0, len(snap.Devices))
	for _, rec := range snap.Records() {
		d := &store.Device{
			DeviceID: rec.ID(),
			Name:     rec.Device.Name,
			Removed:  rec.Removed,
			LastSeen: rec.UpdatedAt,
		}
		for _, ch := range rec.Device.Channels {
			d.Channels = append(d.Channels, store.Channel{
				ID:           ch.ID,
				DisplayIndex: ch.DisplayIndex,
				Name:         ch.Name,
			})
		}
		devs = append(devs, d)
	}
	if err := c.registry.SaveDevices(devs); err != nil {
		c.logger.Error("save device registry", "err", err)
	}
}
