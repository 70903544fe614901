package plantsip

import "time"

// Water amount bounds in millilitres.
const (
	MinWaterAmount     = 1
	MaxWaterAmount     = 10000
	DefaultWaterAmount = 50.0
)

// DeviceSummary is one entry of the device list.
type DeviceSummary struct {
	ID   string `json:"device_id"`
	Name string `json:"name"`
}

// Device is the full device detail.
type Device struct {
	ID       string    `json:"device_id"`
	Name     string    `json:"name"`
	Channels []Channel `json:"channels"`
}

// Channel returns the channel with the given backend id.
func (d *Device) Channel(id int) (*Channel, bool) {
	for i := range d.Channels {
		if d.Channels[i].ID == id {
			return &d.Channels[i], true
		}
	}
	return nil, false
}

// Channel is one watering output. ID is the join key for every lookup;
// DisplayIndex is presentation only.
type Channel struct {
	ID                   int     `json:"id"`
	DisplayIndex         int     `json:"channel_index"`
	Name                 string  `json:"name,omitempty"`
	ManualWaterAmount    float64 `json:"manual_water_amount"`
	AutomaticWaterAmount float64 `json:"automatic_water_amount"`
}

// ChannelStatus is the measured state of one channel.
type ChannelStatus struct {
	MoistureLevel      *float64   `json:"moisture_level,omitempty"`
	LastWatered        *time.Time `json:"last_watered,omitempty"`
	LastWateringAmount *float64   `json:"last_watering_amount,omitempty"`
}

// Status is the latest point-in-time status of a device. Channels are keyed
// by display index, as reported by the backend.
type Status struct {
	Channels             map[int]ChannelStatus `json:"channels"`
	WaterLevel           *float64              `json:"water_level,omitempty"`
	BatteryVoltage       *float64              `json:"battery_voltage,omitempty"`
	BatteryLevel         *float64              `json:"battery_level,omitempty"`
	BatteryCharging      *bool                 `json:"battery_charging,omitempty"`
	PowerSupplyConnected *bool                 `json:"power_supply_connected,omitempty"`
	FirmwareVersion      string                `json:"firmware_version,omitempty"`
	Timestamp            time.Time             `json:"timestamp,omitempty"`
}

// Channel returns the status of the channel shown at displayIndex.
func (s *Status) Channel(displayIndex int) (ChannelStatus, bool) {
	if s == nil || s.Channels == nil {
		return ChannelStatus{}, false
	}
	cs, ok := s.Channels[displayIndex]
	return cs, ok
}

// ChannelConfigPatch is a partial channel configuration update. Nil fields
// are left untouched.
type ChannelConfigPatch struct {
	ManualWaterAmount    *float64 `json:"manual_water_amount,omitempty"`
	AutomaticWaterAmount *float64 `json:"automatic_water_amount,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p ChannelConfigPatch) Empty() bool {
	return p.ManualWaterAmount == nil && p.AutomaticWaterAmount == nil
}

// Apply copies the set fields of p onto ch.
func (p ChannelConfigPatch) Apply(ch *Channel) {
	if p.ManualWaterAmount != nil {
		ch.ManualWaterAmount = *p.ManualWaterAmount
	}
	if p.AutomaticWaterAmount != nil {
		ch.AutomaticWaterAmount = *p.AutomaticWaterAmount
	}
}

// WateringAck is the API acknowledgement of a watering command. Raw holds
// the response body verbatim.
type WateringAck struct {
	DeviceID  string  `json:"device_id"`
	ChannelID int     `json:"channel_id"`
	Amount    float64 `json:"water_amount"`
	Raw       string  `json:"raw,omitempty"`
}

// Diagnostic describes payload data that was dropped during normalization.
type Diagnostic struct {
	DeviceID string
	Index    int
	Reason   string
}
