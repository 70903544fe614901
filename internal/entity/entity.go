// Package entity derives presentation entities from coordinator records.
package entity

import (
	"fmt"
	"time"

	"plantsip-bridge/internal/coordinator"
	"plantsip-bridge/internal/plantsip"
)

// Kind is the entity platform.
type Kind string

const (
	KindSensor       Kind = "sensor"
	KindBinarySensor Kind = "binary_sensor"
	KindButton       Kind = "button"
	KindNumber       Kind = "number"
)

// Entity categories.
const (
	CategoryConfig     = "config"
	CategoryDiagnostic = "diagnostic"
)

// Descriptor describes one entity of a device. Channel entities carry the
// backend channel id and the display index used in names and unique ids.
type Descriptor struct {
	Kind        Kind    `json:"kind"`
	Key         string  `json:"key"`
	UniqueID    string  `json:"unique_id"`
	Name        string  `json:"name"`
	Unit        string  `json:"unit,omitempty"`
	DeviceClass string  `json:"device_class,omitempty"`
	StateClass  string  `json:"state_class,omitempty"`
	Icon        string  `json:"icon,omitempty"`
	Category    string  `json:"category,omitempty"`
	Min         float64 `json:"min,omitempty"`
	Max         float64 `json:"max,omitempty"`
	Step        float64 `json:"step,omitempty"`

	PerChannel   bool `json:"per_channel"`
	ChannelID    int  `json:"channel_id,omitempty"`
	DisplayIndex int  `json:"display_index,omitempty"`

	value func(rec *coordinator.DeviceRecord, d *Descriptor) (any, bool)
}

// ObjectID is the key of the entity in a device state document.
func (d *Descriptor) ObjectID() string {
	if d.PerChannel {
		return fmt.Sprintf("%s_%d", d.Key, d.DisplayIndex)
	}
	return d.Key
}

// Value returns the entity value from rec. ok is false when the value is
// unknown, which includes every value of an unavailable record.
func (d *Descriptor) Value(rec *coordinator.DeviceRecord) (any, bool) {
	if rec == nil || !rec.Available || rec.Removed || d.value == nil {
		return nil, false
	}
	return d.value(rec, d)
}

type spec struct {
	kind        Kind
	key         string
	idKey       string
	label       string
	unit        string
	deviceClass string
	stateClass  string
	icon        string
	category    string
	number      bool
	value       func(rec *coordinator.DeviceRecord, d *Descriptor) (any, bool)
}

var deviceSpecs = []spec{
	{kind: KindSensor, key: "water_level", label: "Water Level", unit: "%", deviceClass: "water", stateClass: "measurement", icon: "mdi:gauge",
		value: statusFloat(func(s *plantsip.Status) *float64 { return s.WaterLevel })},
	{kind: KindSensor, key: "battery_voltage", label: "Battery Voltage", unit: "V", deviceClass: "voltage", stateClass: "measurement", icon: "mdi:battery-charging-100", category: CategoryDiagnostic,
		value: statusFloat(func(s *plantsip.Status) *float64 { return s.BatteryVoltage })},
	{kind: KindSensor, key: "battery_level", label: "Battery Level", unit: "%", deviceClass: "battery", stateClass: "measurement", category: CategoryDiagnostic,
		value: statusFloat(func(s *plantsip.Status) *float64 { return s.BatteryLevel })},
	{kind: KindSensor, key: "firmware_version", label: "Firmware Version", icon: "mdi:cellphone-arrow-down", category: CategoryDiagnostic,
		value: firmwareVersion},
	{kind: KindBinarySensor, key: "power_supply", label: "Power Supply", deviceClass: "plug", category: CategoryDiagnostic,
		value: statusBool(func(s *plantsip.Status) *bool { return s.PowerSupplyConnected })},
	{kind: KindBinarySensor, key: "battery_charging", label: "Battery Charging", deviceClass: "battery_charging", category: CategoryDiagnostic,
		value: statusBool(func(s *plantsip.Status) *bool { return s.BatteryCharging })},
}

var channelSpecs = []spec{
	{kind: KindSensor, key: "moisture", label: "Moisture", unit: "%", deviceClass: "moisture", stateClass: "measurement", icon: "mdi:water-percent",
		value: channelFloat(func(cs plantsip.ChannelStatus) *float64 { return cs.MoistureLevel })},
	{kind: KindSensor, key: "last_watered", label: "Last Watered", deviceClass: "timestamp", category: CategoryDiagnostic,
		value: lastWatered},
	// The unique id keeps the historical "duration" name.
	{kind: KindSensor, key: "last_watering_amount", idKey: "last_watering_duration", label: "Last Watering Amount", unit: "ml", category: CategoryDiagnostic,
		value: channelFloat(func(cs plantsip.ChannelStatus) *float64 { return cs.LastWateringAmount })},
	{kind: KindButton, key: "watering", label: "Watering", icon: "mdi:watering-can",
		value: lastWatering},
	{kind: KindNumber, key: "manual_water_amount", label: "Manual Water Amount", unit: "ml", icon: "mdi:water", number: true,
		value: channelConfig(func(ch *plantsip.Channel) float64 { return ch.ManualWaterAmount })},
	{kind: KindNumber, key: "automatic_water_amount", label: "Automatic Water Amount", unit: "ml", icon: "mdi:water-sync", category: CategoryConfig, number: true,
		value: channelConfig(func(ch *plantsip.Channel) float64 { return ch.AutomaticWaterAmount })},
}

// ForDevice enumerates the entities of a device record: the device level
// entities first, then every channel's entities in display order.
func ForDevice(rec *coordinator.DeviceRecord) []Descriptor {
	if rec == nil {
		return nil
	}
	id, name := rec.ID(), rec.Name()
	out := make([]Descriptor, 0, len(deviceSpecs)+len(channelSpecs)*len(rec.Device.Channels))
	for _, s := range deviceSpecs {
		d := s.descriptor()
		d.UniqueID = id + "_" + s.uniqueKey()
		d.Name = name + " " + s.label
		out = append(out, d)
	}
	for _, ch := range rec.Device.Channels {
		for _, s := range channelSpecs {
			d := s.descriptor()
			d.PerChannel = true
			d.ChannelID = ch.ID
			d.DisplayIndex = ch.DisplayIndex
			d.UniqueID = fmt.Sprintf("%s_%s_%d", id, s.uniqueKey(), ch.DisplayIndex)
			d.Name = fmt.Sprintf("%s Channel %d %s", name, ch.DisplayIndex, s.label)
			out = append(out, d)
		}
	}
	return out
}

// State renders the known values of every entity keyed by object id.
// Timestamps are formatted as RFC 3339.
func State(rec *coordinator.DeviceRecord) map[string]any {
	state := make(map[string]any)
	for _, d := range ForDevice(rec) {
		v, ok := d.Value(rec)
		if !ok {
			continue
		}
		if t, isTime := v.(time.Time); isTime {
			v = t.UTC().Format(time.RFC3339)
		}
		state[d.ObjectID()] = v
	}
	return state
}

func (s spec) uniqueKey() string {
	if s.idKey != "" {
		return s.idKey
	}
	return s.key
}

func (s spec) descriptor() Descriptor {
	d := Descriptor{
		Kind:        s.kind,
		Key:         s.key,
		Unit:        s.unit,
		DeviceClass: s.deviceClass,
		StateClass:  s.stateClass,
		Icon:        s.icon,
		Category:    s.category,
		value:       s.value,
	}
	if s.number {
		d.Min, d.Max, d.Step = plantsip.MinWaterAmount, plantsip.MaxWaterAmount, 1
	}
	return d
}

func statusFloat(get func(*plantsip.Status) *float64) func(*coordinator.DeviceRecord, *Descriptor) (any, bool) {
	return func(rec *coordinator.DeviceRecord, _ *Descriptor) (any, bool) {
		if rec.Status == nil {
			return nil, false
		}
		if v := get(rec.Status); v != nil {
			return *v, true
		}
		return nil, false
	}
}

func statusBool(get func(*plantsip.Status) *bool) func(*coordinator.DeviceRecord, *Descriptor) (any, bool) {
	return func(rec *coordinator.DeviceRecord, _ *Descriptor) (any, bool) {
		if rec.Status == nil {
			return nil, false
		}
		if v := get(rec.Status); v != nil {
			return *v, true
		}
		return nil, false
	}
}

func firmwareVersion(rec *coordinator.DeviceRecord, _ *Descriptor) (any, bool) {
	if rec.Status == nil || rec.Status.FirmwareVersion == "" {
		return nil, false
	}
	return rec.Status.FirmwareVersion, true
}

func channelFloat(get func(plantsip.ChannelStatus) *float64) func(*coordinator.DeviceRecord, *Descriptor) (any, bool) {
	return func(rec *coordinator.DeviceRecord, d *Descriptor) (any, bool) {
		cs, ok := rec.ChannelStatus(d.ChannelID)
		if !ok {
			return nil, false
		}
		if v := get(cs); v != nil {
			return *v, true
		}
		return nil, false
	}
}

func lastWatered(rec *coordinator.DeviceRecord, d *Descriptor) (any, bool) {
	cs, ok := rec.ChannelStatus(d.ChannelID)
	if !ok || cs.LastWatered == nil {
		return nil, false
	}
	return *cs.LastWatered, true
}

// lastWatering reports when the last watering command for the channel was
// accepted.
func lastWatering(rec *coordinator.DeviceRecord, d *Descriptor) (any, bool) {
	cmd := rec.LastCommand
	if cmd == nil || cmd.Kind != "water" || cmd.ChannelID != d.ChannelID {
		return nil, false
	}
	return cmd.At, true
}

func channelConfig(get func(*plantsip.Channel) float64) func(*coordinator.DeviceRecord, *Descriptor) (any, bool) {
	return func(rec *coordinator.DeviceRecord, d *Descriptor) (any, bool) {
		ch, ok := rec.Device.Channel(d.ChannelID)
		if !ok {
			return nil, false
		}
		return get(ch), true
	}
}
