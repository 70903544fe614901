package plantsip

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// flexFloat accepts a JSON number, a numeric string or null.
type flexFloat struct {
	v   float64
	set bool
}

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = flexFloat{}
		return nil
	}
	s := string(b)
	if len(b) > 0 && b[0] == '"' {
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			*f = flexFloat{}
			return nil
		}
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("not a number: %s", b)
	}
	*f = flexFloat{v: v, set: true}
	return nil
}

func (f *flexFloat) ptr() *float64 {
	if f == nil || !f.set {
		return nil
	}
	v := f.v
	return &v
}

// flexInt accepts an integral JSON number or numeric string.
type flexInt struct {
	v   int
	set bool
}

func (i *flexInt) UnmarshalJSON(b []byte) error {
	var f flexFloat
	if err := f.UnmarshalJSON(b); err != nil {
		return err
	}
	if !f.set {
		*i = flexInt{}
		return nil
	}
	if f.v != math.Trunc(f.v) {
		return fmt.Errorf("not an integer: %s", b)
	}
	*i = flexInt{v: int(f.v), set: true}
	return nil
}

// flexBool accepts true/false, 0/1 and their string forms.
type flexBool struct {
	v   bool
	set bool
}

func (fb *flexBool) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	var s string
	switch {
	case bytes.Equal(b, []byte("null")):
		*fb = flexBool{}
		return nil
	case len(b) > 0 && b[0] == '"':
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
	default:
		s = string(b)
	}
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "on", "yes":
		*fb = flexBool{v: true, set: true}
	case "false", "0", "off", "no":
		*fb = flexBool{v: false, set: true}
	case "":
		*fb = flexBool{}
	default:
		return fmt.Errorf("not a boolean: %s", b)
	}
	return nil
}

func (fb *flexBool) ptr() *bool {
	if fb == nil || !fb.set {
		return nil
	}
	v := fb.v
	return &v
}

// flexString accepts a string or a number.
type flexString string

func (s *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case bytes.Equal(b, []byte("null")):
		*s = ""
	case len(b) > 0 && b[0] == '"':
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = flexString(strings.TrimSpace(v))
	case len(b) > 0 && (b[0] == '-' || (b[0] >= '0' && b[0] <= '9')):
		*s = flexString(b)
	default:
		return fmt.Errorf("not a string: %s", b)
	}
	return nil
}

var zonelessLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
}

// ParseTimestamp parses an ISO-8601 timestamp. Timestamps without a zone
// are interpreted as UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	for _, layout := range zonelessLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

type rawDeviceRef struct {
	DeviceID flexString `json:"device_id"`
	ID       flexString `json:"id"`
	Name     flexString `json:"name"`
}

func (r rawDeviceRef) id() string {
	if r.DeviceID != "" {
		return string(r.DeviceID)
	}
	return string(r.ID)
}

type rawDevice struct {
	rawDeviceRef
	Channels []json.RawMessage `json:"channels"`
}

type rawChannel struct {
	ID                   *flexInt   `json:"id"`
	ChannelID            *flexInt   `json:"channel_id"`
	ChannelIndex         *flexInt   `json:"channel_index"`
	Name                 flexString `json:"name"`
	ManualWaterAmount    *flexFloat `json:"manual_water_amount"`
	AutomaticWaterAmount *flexFloat `json:"automatic_water_amount"`
}

type rawChannelStatus struct {
	ChannelIndex       *flexInt   `json:"channel_index"`
	MoistureLevel      *flexFloat `json:"moisture_level"`
	LastWatered        *string    `json:"last_watered"`
	LastWateringAmount *flexFloat `json:"last_watering_amount"`
}

type rawStatus struct {
	Channels             json.RawMessage `json:"channels"`
	WaterLevel           *flexFloat      `json:"water_level"`
	BatteryVoltage       *flexFloat      `json:"battery_voltage"`
	BatteryLevel         *flexFloat      `json:"battery_level"`
	BatteryCharging      *flexBool       `json:"battery_charging"`
	PowerSupplyConnected *flexBool       `json:"power_supply_connected"`
	FirmwareVersion      flexString      `json:"firmware_version"`
	Timestamp            *string         `json:"timestamp"`
}

// decodeSummaries unwraps the device list. A bare array is accepted and
// reported as degraded; entries without an id are skipped.
func decodeSummaries(body []byte) (summaries []DeviceSummary, degraded bool, diags []Diagnostic, err error) {
	body = bytes.TrimSpace(body)
	var items []json.RawMessage
	switch {
	case len(body) > 0 && body[0] == '{':
		var env struct {
			Items *[]json.RawMessage `json:"items"`
		}
		if err := json.Unmarshal(body, &env); err != nil {
			return nil, false, nil, &APIError{Kind: KindBadPayload, Msg: "decode device list", Err: err}
		}
		if env.Items == nil {
			return nil, false, nil, &APIError{Kind: KindBadPayload, Msg: "device list envelope has no items", Body: truncate(string(body))}
		}
		items = *env.Items
	case len(body) > 0 && body[0] == '[':
		if err := json.Unmarshal(body, &items); err != nil {
			return nil, false, nil, &APIError{Kind: KindBadPayload, Msg: "decode device list", Err: err}
		}
		degraded = true
	default:
		return nil, false, nil, &APIError{Kind: KindBadPayload, Msg: "unexpected device list shape", Body: truncate(string(body))}
	}

	summaries = make([]DeviceSummary, 0, len(items))
	seen := make(map[string]bool, len(items))
	for i, item := range items {
		var ref rawDeviceRef
		if err := json.Unmarshal(item, &ref); err != nil {
			diags = append(diags, Diagnostic{Index: i, Reason: "malformed device entry: " + err.Error()})
			continue
		}
		id := ref.id()
		if id == "" {
			diags = append(diags, Diagnostic{Index: i, Reason: "device entry has no device_id"})
			continue
		}
		if seen[id] {
			diags = append(diags, Diagnostic{DeviceID: id, Index: i, Reason: "duplicate device entry"})
			continue
		}
		seen[id] = true
		summaries = append(summaries, DeviceSummary{ID: id, Name: string(ref.Name)})
	}
	return summaries, degraded, diags, nil
}

func decodeDevice(wantID string, body []byte) (*Device, []Diagnostic, error) {
	var raw rawDevice
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, nil, &APIError{Kind: KindBadPayload, Msg: "decode device " + wantID, Err: err}
	}
	id := raw.id()
	if id == "" {
		id = wantID
	}
	if id != wantID {
		return nil, nil, &APIError{Kind: KindBadPayload, Msg: fmt.Sprintf("device detail id %q does not match %q", id, wantID)}
	}
	channels, diags := NormalizeChannels(id, raw.Channels)
	return &Device{ID: id, Name: string(raw.Name), Channels: channels}, diags, nil
}

// NormalizeChannels accepts only channel entries that carry both a backend
// id and a display index. Other entries are dropped and reported.
//
// Legacy: an entry with an id but no channel_index uses the id as its
// display index. Older backends did not send channel_index.
func NormalizeChannels(deviceID string, raw []json.RawMessage) ([]Channel, []Diagnostic) {
	var (
		out   []Channel
		diags []Diagnostic
		seen      = make(map[int]bool, len(raw))
		seenIndex = make(map[int]bool, len(raw))
	)
	for i, entry := range raw {
		var rc rawChannel
		if err := json.Unmarshal(entry, &rc); err != nil {
			diags = append(diags, Diagnostic{DeviceID: deviceID, Index: i, Reason: "malformed channel: " + err.Error()})
			continue
		}
		primary := rc.ChannelID
		if primary == nil || !primary.set {
			primary = rc.ID
		}
		hasID := primary != nil && primary.set
		hasIndex := rc.ChannelIndex != nil && rc.ChannelIndex.set

		var ch Channel
		switch {
		case hasID && hasIndex:
			ch.ID, ch.DisplayIndex = primary.v, rc.ChannelIndex.v
		case hasID && rc.ID != nil && rc.ID.set:
			ch.ID, ch.DisplayIndex = primary.v, rc.ID.v
		default:
			diags = append(diags, Diagnostic{DeviceID: deviceID, Index: i, Reason: "channel lacks id or channel_index"})
			continue
		}
		if ch.ID < 0 {
			diags = append(diags, Diagnostic{DeviceID: deviceID, Index: i, Reason: fmt.Sprintf("negative channel id %d", ch.ID)})
			continue
		}
		if seen[ch.ID] {
			diags = append(diags, Diagnostic{DeviceID: deviceID, Index: i, Reason: fmt.Sprintf("duplicate channel id %d", ch.ID)})
			continue
		}
		// Status is keyed by display index, so two channels sharing one
		// would read the same measurements.
		if seenIndex[ch.DisplayIndex] {
			diags = append(diags, Diagnostic{DeviceID: deviceID, Index: i, Reason: fmt.Sprintf("duplicate channel_index %d (channel id %d)", ch.DisplayIndex, ch.ID)})
			continue
		}
		seen[ch.ID] = true
		seenIndex[ch.DisplayIndex] = true

		ch.Name = string(rc.Name)
		ch.ManualWaterAmount = DefaultWaterAmount
		if v := rc.ManualWaterAmount.ptr(); v != nil {
			ch.ManualWaterAmount = *v
		}
		ch.AutomaticWaterAmount = DefaultWaterAmount
		if v := rc.AutomaticWaterAmount.ptr(); v != nil {
			ch.AutomaticWaterAmount = *v
		}
		out = append(out, ch)
	}
	sort.SliceStable(out, func(a, b int) bool {
		if out[a].DisplayIndex != out[b].DisplayIndex {
			return out[a].DisplayIndex < out[b].DisplayIndex
		}
		return out[a].ID < out[b].ID
	})
	return out, diags
}

func decodeStatus(deviceID string, body []byte) (*Status, []Diagnostic, error) {
	var raw rawStatus
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, nil, &APIError{Kind: KindBadPayload, Msg: "decode status of " + deviceID, Err: err}
	}
	st := &Status{
		WaterLevel:           raw.WaterLevel.ptr(),
		BatteryVoltage:       raw.BatteryVoltage.ptr(),
		BatteryLevel:         raw.BatteryLevel.ptr(),
		BatteryCharging:      raw.BatteryCharging.ptr(),
		PowerSupplyConnected: raw.PowerSupplyConnected.ptr(),
		FirmwareVersion:      string(raw.FirmwareVersion),
		Channels:             make(map[int]ChannelStatus),
	}
	var diags []Diagnostic
	if raw.Timestamp != nil && *raw.Timestamp != "" {
		if ts, err := ParseTimestamp(*raw.Timestamp); err == nil {
			st.Timestamp = ts
		} else {
			diags = append(diags, Diagnostic{DeviceID: deviceID, Reason: err.Error()})
		}
	}

	entries, err := channelStatusEntries(raw.Channels)
	if err != nil {
		return nil, nil, &APIError{Kind: KindBadPayload, Msg: "decode channel status of " + deviceID, Err: err}
	}
	for idx, rc := range entries {
		cs := ChannelStatus{
			MoistureLevel:      rc.MoistureLevel.ptr(),
			LastWateringAmount: rc.LastWateringAmount.ptr(),
		}
		if rc.LastWatered != nil && *rc.LastWatered != "" {
			if t, err := ParseTimestamp(*rc.LastWatered); err == nil {
				cs.LastWatered = &t
			} else {
				diags = append(diags, Diagnostic{DeviceID: deviceID, Index: idx, Reason: "last_watered: " + err.Error()})
			}
		}
		st.Channels[idx] = cs
	}
	return st, diags, nil
}

// channelStatusEntries accepts either an object keyed by display index or a
// list of entries carrying channel_index.
func channelStatusEntries(b json.RawMessage) (map[int]rawChannelStatus, error) {
	b = bytes.TrimSpace(b)
	out := make(map[int]rawChannelStatus)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return out, nil
	}
	if b[0] == '[' {
		var list []rawChannelStatus
		if err := json.Unmarshal(b, &list); err != nil {
			return nil, err
		}
		for _, rc := range list {
			if rc.ChannelIndex == nil || !rc.ChannelIndex.set {
				continue
			}
			out[rc.ChannelIndex.v] = rc
		}
		return out, nil
	}
	var keyed map[string]rawChannelStatus
	if err := json.Unmarshal(b, &keyed); err != nil {
		return nil, err
	}
	for k, rc := range keyed {
		idx, err := strconv.Atoi(strings.TrimSpace(k))
		if err != nil {
			continue
		}
		out[idx] = rc
	}
	return out, nil
}
