package plantsip

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"sync/atomic"
	"testing"
)

func ptr[T any](v T) *T { return &v }

func TestTriggerWateringValidation(t *testing.T) {
	var hits atomic.Int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		writeJSONBody(w, 200, `{}`)
	}))

	tests := []struct {
		name    string
		device  string
		channel int
		amount  float64
		field   string
	}{
		{"over max", "D1", 1, 15000, "water_amount"},
		{"zero", "D1", 1, 0, "water_amount"},
		{"negative", "D1", 1, -5, "water_amount"},
		{"nan", "D1", 1, math.NaN(), "water_amount"},
		{"empty device", "", 1, 50, "device_id"},
		{"negative channel", "D1", -1, 50, "channel_id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.TriggerWatering(context.Background(), tt.device, tt.channel, tt.amount)
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("err = %v, want ValidationError", err)
			}
			if ve.Field != tt.field {
				t.Errorf("field = %q, want %q", ve.Field, tt.field)
			}
		})
	}
	if got := hits.Load(); got != 0 {
		t.Errorf("requests = %d, want 0", got)
	}
}

func TestTriggerWatering(t *testing.T) {
	var gotPath string
	var gotBody map[string]float64
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.Method + " " + r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)
		writeJSONBody(w, 200, `{"status":"queued"}`)
	}))

	ack, err := c.TriggerWatering(context.Background(), "D1", 1, 10000)
	if err != nil {
		t.Fatal(err)
	}
	if gotPath != "POST /v1/device/D1/channel/1/water" {
		t.Errorf("request = %q", gotPath)
	}
	if gotBody["water_amount"] != 10000 {
		t.Errorf("water_amount = %v, want 10000", gotBody["water_amount"])
	}
	if ack.Raw != `{"status":"queued"}` {
		t.Errorf("raw = %q", ack.Raw)
	}
}

func TestUpdateChannelConfig(t *testing.T) {
	var gotMethod, gotPath string
	var gotBody map[string]any
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath = r.Method, r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)
		writeJSONBody(w, 200, `{"id":1,"channel_index":0,"manual_water_amount":75.0,"automatic_water_amount":40}`)
	}))

	got, err := c.UpdateChannelConfig(context.Background(), "D1", 1, ChannelConfigPatch{ManualWaterAmount: ptr(75.0)})
	if err != nil {
		t.Fatal(err)
	}
	if gotMethod != http.MethodPut || gotPath != "/v1/device/D1/channel/1" {
		t.Errorf("request = %s %s", gotMethod, gotPath)
	}
	if _, ok := gotBody["automatic_water_amount"]; ok {
		t.Error("unset field sent in patch body")
	}
	if got.ManualWaterAmount == nil || *got.ManualWaterAmount != 75 {
		t.Errorf("manual = %v, want 75", got.ManualWaterAmount)
	}
	if got.AutomaticWaterAmount != nil {
		t.Errorf("automatic = %v, want nil (not patched)", *got.AutomaticWaterAmount)
	}
}

func TestUpdateChannelConfigEmptyResponse(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	got, err := c.UpdateChannelConfig(context.Background(), "D1", 1, ChannelConfigPatch{AutomaticWaterAmount: ptr(200.0)})
	if err != nil {
		t.Fatal(err)
	}
	if got.AutomaticWaterAmount == nil || *got.AutomaticWaterAmount != 200 {
		t.Errorf("automatic = %v, want 200", got.AutomaticWaterAmount)
	}
}

func TestValidatePatch(t *testing.T) {
	tests := []struct {
		name  string
		patch ChannelConfigPatch
		field string
	}{
		{"empty", ChannelConfigPatch{}, "config"},
		{"manual too large", ChannelConfigPatch{ManualWaterAmount: ptr(10001.0)}, "manual_water_amount"},
		{"automatic below min", ChannelConfigPatch{AutomaticWaterAmount: ptr(0.5)}, "automatic_water_amount"},
		{"ok", ChannelConfigPatch{ManualWaterAmount: ptr(1.0), AutomaticWaterAmount: ptr(10000.0)}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePatch(tt.patch)
			if tt.field == "" {
				if err != nil {
					t.Fatalf("err = %v, want nil", err)
				}
				return
			}
			var ve *ValidationError
			if !errors.As(err, &ve) || ve.Field != tt.field {
				t.Errorf("err = %v, want ValidationError on %q", err, tt.field)
			}
		})
	}
}

func TestGetDeviceAndStatus(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/devices/D1", func(w http.ResponseWriter, r *http.Request) {
		writeJSONBody(w, 200, `{"device_id":"D1","name":"Balcony","channels":[{"id":1,"channel_index":0,"manual_water_amount":60}]}`)
	})
	mux.HandleFunc("GET /v1/device/D1/status/latest", func(w http.ResponseWriter, r *http.Request) {
		writeJSONBody(w, 200, `{"channels":{"0":{"moisture_level":42}},"battery_level":80}`)
	})
	mux.HandleFunc("GET /v1/devices/D2", func(w http.ResponseWriter, r *http.Request) {
		writeJSONBody(w, 200, `{"device_id":"OTHER"}`)
	})
	c, _ := newTestClient(t, mux)

	dev, err := c.GetDevice(context.Background(), "D1")
	if err != nil {
		t.Fatal(err)
	}
	if dev.Name != "Balcony" || len(dev.Channels) != 1 || dev.Channels[0].ManualWaterAmount != 60 {
		t.Errorf("device = %+v", dev)
	}
	st, err := c.GetDeviceStatus(context.Background(), "D1")
	if err != nil {
		t.Fatal(err)
	}
	if cs, ok := st.Channel(0); !ok || *cs.MoistureLevel != 42 {
		t.Errorf("status channel 0 = %+v", cs)
	}

	if _, err := c.GetDevice(context.Background(), "D2"); !errors.Is(err, ErrAPI) {
		t.Errorf("mismatched id err = %v, want ErrAPI", err)
	}
	if _, err := c.GetDevice(context.Background(), "D9"); !IsNotFound(err) {
		t.Errorf("unknown device err = %v, want not found", err)
	}
}

func TestListDevicesRejectsText(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, "<html></html>")
	}))
	if _, _, err := c.ListDevices(context.Background()); !errors.Is(err, ErrAPI) {
		t.Errorf("err = %v, want ErrAPI", err)
	}
}
