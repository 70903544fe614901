package entity

import (
	"testing"
	"time"

	"plantsip-bridge/internal/coordinator"
	"plantsip-bridge/internal/plantsip"
)

func fptr(v float64) *float64 { return &v }
func bptr(v bool) *bool       { return &v }

func testRecord() *coordinator.DeviceRecord {
	watered := time.Date(2024, 6, 1, 8, 30, 0, 0, time.UTC)
	return &coordinator.DeviceRecord{
		Device: plantsip.Device{
			ID:   "D1",
			Name: "Balcony",
			Channels: []plantsip.Channel{
				{ID: 6, DisplayIndex: 0, ManualWaterAmount: 50, AutomaticWaterAmount: 40},
				{ID: 7, DisplayIndex: 1, ManualWaterAmount: 75, AutomaticWaterAmount: 50},
			},
		},
		Status: &plantsip.Status{
			Channels: map[int]plantsip.ChannelStatus{
				0: {MoistureLevel: fptr(33.5), LastWatered: &watered},
				1: {MoistureLevel: fptr(61), LastWateringAmount: fptr(120)},
			},
			WaterLevel:           fptr(80),
			BatteryLevel:         fptr(95),
			PowerSupplyConnected: bptr(true),
			FirmwareVersion:      "2.1.0",
		},
		Available: true,
	}
}

func find(t *testing.T, descs []Descriptor, uniqueID string) Descriptor {
	t.Helper()
	for _, d := range descs {
		if d.UniqueID == uniqueID {
			return d
		}
	}
	t.Fatalf("descriptor %q not found", uniqueID)
	return Descriptor{}
}

func TestForDeviceUniqueIDs(t *testing.T) {
	descs := ForDevice(testRecord())
	if len(descs) != len(deviceSpecs)+2*len(channelSpecs) {
		t.Fatalf("got %d descriptors, want %d", len(descs), len(deviceSpecs)+2*len(channelSpecs))
	}

	seen := make(map[string]bool)
	for _, d := range descs {
		if seen[d.UniqueID] {
			t.Errorf("duplicate unique id %q", d.UniqueID)
		}
		seen[d.UniqueID] = true
	}

	tests := []struct {
		uniqueID string
		kind     Kind
		name     string
	}{
		{"D1_water_level", KindSensor, "Balcony Water Level"},
		{"D1_power_supply", KindBinarySensor, "Balcony Power Supply"},
		{"D1_moisture_0", KindSensor, "Balcony Channel 0 Moisture"},
		{"D1_last_watering_duration_1", KindSensor, "Balcony Channel 1 Last Watering Amount"},
		{"D1_watering_1", KindButton, "Balcony Channel 1 Watering"},
		{"D1_manual_water_amount_1", KindNumber, "Balcony Channel 1 Manual Water Amount"},
	}
	for _, tt := range tests {
		t.Run(tt.uniqueID, func(t *testing.T) {
			d := find(t, descs, tt.uniqueID)
			if d.Kind != tt.kind {
				t.Errorf("kind = %q, want %q", d.Kind, tt.kind)
			}
			if d.Name != tt.name {
				t.Errorf("name = %q, want %q", d.Name, tt.name)
			}
		})
	}

	num := find(t, descs, "D1_automatic_water_amount_0")
	if num.Min != 1 || num.Max != 10000 || num.Step != 1 {
		t.Errorf("number range = %v..%v step %v", num.Min, num.Max, num.Step)
	}
	if num.ChannelID != 6 || num.Category != CategoryConfig {
		t.Errorf("number channel = %d category = %q", num.ChannelID, num.Category)
	}
}

func TestDescriptorValues(t *testing.T) {
	rec := testRecord()
	descs := ForDevice(rec)
	tests := []struct {
		uniqueID string
		want     any
		ok       bool
	}{
		{"D1_water_level", 80.0, true},
		{"D1_battery_voltage", nil, false},
		{"D1_firmware_version", "2.1.0", true},
		{"D1_power_supply", true, true},
		{"D1_battery_charging", nil, false},
		{"D1_moisture_0", 33.5, true},
		{"D1_moisture_1", 61.0, true},
		{"D1_last_watering_duration_1", 120.0, true},
		{"D1_last_watering_duration_0", nil, false},
		{"D1_manual_water_amount_1", 75.0, true},
		{"D1_automatic_water_amount_0", 40.0, true},
		{"D1_watering_0", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.uniqueID, func(t *testing.T) {
			d := find(t, descs, tt.uniqueID)
			got, ok := d.Value(rec)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if got != tt.want {
				t.Errorf("value = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestUnavailableRecordIsUnknown(t *testing.T) {
	rec := testRecord()
	rec.Available = false
	for _, d := range ForDevice(rec) {
		if v, ok := d.Value(rec); ok {
			t.Errorf("%s = %v, want unknown", d.UniqueID, v)
		}
	}
	if st := State(rec); len(st) != 0 {
		t.Errorf("state = %v, want empty", st)
	}
}

func TestStateDocument(t *testing.T) {
	rec := testRecord()
	at := time.Date(2024, 6, 2, 9, 0, 0, 0, time.FixedZone("CEST", 2*3600))
	rec.LastCommand = &coordinator.Command{Kind: "water", ChannelID: 7, Amount: 100, At: at}

	st := State(rec)
	if st["moisture_0"] != 33.5 {
		t.Errorf("moisture_0 = %v, want 33.5", st["moisture_0"])
	}
	if st["last_watered_0"] != "2024-06-01T08:30:00Z" {
		t.Errorf("last_watered_0 = %v", st["last_watered_0"])
	}
	if st["watering_1"] != "2024-06-02T07:00:00Z" {
		t.Errorf("watering_1 = %v", st["watering_1"])
	}
	if _, ok := st["watering_0"]; ok {
		t.Error("watering_0 present, want absent")
	}
	if _, ok := st["battery_voltage"]; ok {
		t.Error("battery_voltage present, want absent")
	}
}

func TestForDeviceNil(t *testing.T) {
	if got := ForDevice(nil); got != nil {
		t.Errorf("ForDevice(nil) = %v, want nil", got)
	}
}
