package coordinator

import (
	"time"

	"plantsip-bridge/internal/plantsip"
)

// deviceResult is the isolated outcome of fetching one device.
type deviceResult struct {
	summary plantsip.DeviceSummary
	device  *plantsip.Device
	status  *plantsip.Status
	err     error
}

type transition struct {
	typ string
	rec *DeviceRecord
}

// reconcile merges one cycle's per-device results with the previous
// snapshot. Reported devices replace their prior record. Devices missing
// from the cycle are kept: a previously available one is carried forward as
// unavailable, anything else becomes a removed placeholder.
func reconcile(prev *Snapshot, results []deviceResult, now time.Time) (map[string]*DeviceRecord, int) {
	next := make(map[string]*DeviceRecord, len(prev.Devices)+len(results))
	merged := 0

	for _, res := range results {
		id := res.summary.ID
		old := prev.Devices[id]

		if res.err == nil {
			// Fetched detail replaces the record, including a config patch
			// applied while this cycle was fetching: the fresher read wins.
			dev := *res.device
			if dev.Name == "" {
				dev.Name = res.summary.Name
			}
			rec := &DeviceRecord{
				Device:    dev,
				Status:    res.status,
				Available: true,
				UpdatedAt: now,
			}
			if old != nil && old.LastCommand != nil {
				cmd := *old.LastCommand
				rec.LastCommand = &cmd
			}
			next[id] = rec
			merged++
			continue
		}

		var rec *DeviceRecord
		if old != nil {
			rec = old.clone()
		} else {
			rec = &DeviceRecord{Device: plantsip.Device{ID: id}}
		}
		if rec.Device.Name == "" {
			rec.Device.Name = res.summary.Name
		}
		rec.Available = false
		rec.Removed = false
		rec.LastError = res.err.Error()
		next[id] = rec
	}

	for id, old := range prev.Devices {
		if _, reported := next[id]; reported {
			continue
		}
		switch {
		case old.Available:
			rec := old.clone()
			rec.Available = false
			next[id] = rec
		case old.Removed:
			next[id] = old
		default:
			next[id] = removedPlaceholder(old)
		}
	}
	return next, merged
}

// removedPlaceholder keeps only the identity of a device the backend
// stopped reporting.
func removedPlaceholder(old *DeviceRecord) *DeviceRecord {
	dev := plantsip.Device{
		ID:       old.Device.ID,
		Name:     old.Device.Name,
		Channels: append([]plantsip.Channel(nil), old.Device.Channels...),
	}
	return &DeviceRecord{Device: dev, Removed: true}
}

// transitions lists availability changes between two snapshots.
func transitions(prev, next *Snapshot) []transition {
	var out []transition
	for _, id := range next.IDs() {
		rec := next.Devices[id]
		old, known := prev.Devices[id]
		switch {
		case rec.Removed:
			if !known || !old.Removed {
				out = append(out, transition{typ: EventDeviceRemoved, rec: rec})
			}
		case rec.Available:
			if !known || !old.Available {
				out = append(out, transition{typ: EventDeviceAvailable, rec: rec})
			}
		default:
			if known && old.Available {
				out = append(out, transition{typ: EventDeviceUnavailable, rec: rec})
			}
		}
	}
	return out
}
