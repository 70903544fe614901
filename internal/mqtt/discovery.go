//go:build !no_mqtt

package mqtt

import (
	"fmt"
	"strings"

	"plantsip-bridge/internal/coordinator"
	"plantsip-bridge/internal/entity"
)

const (
	manufacturer = "PlantSip"
	model        = "PlantSip Device"
	payloadPress = "PRESS"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/sensor/plantsip_D1/moisture_0/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name"`
	SWVersion    string   `json:"sw_version,omitempty"`
}

type haAvailability struct {
	Topic string `json:"topic"`
}

// haDiscovery is a generic HA discovery payload.
type haDiscovery struct {
	Name              string           `json:"name"`
	UniqueID          string           `json:"unique_id"`
	ObjectID          string           `json:"object_id,omitempty"`
	StateTopic        string           `json:"state_topic,omitempty"`
	CommandTopic      string           `json:"command_topic,omitempty"`
	Availability      []haAvailability `json:"availability"`
	AvailabilityMode  string           `json:"availability_mode,omitempty"`
	ValueTemplate     string           `json:"value_template,omitempty"`
	UnitOfMeasurement string           `json:"unit_of_measurement,omitempty"`
	DeviceClass       string           `json:"device_class,omitempty"`
	StateClass        string           `json:"state_class,omitempty"`
	EntityCategory    string           `json:"entity_category,omitempty"`
	Icon              string           `json:"icon,omitempty"`
	PayloadOn         string           `json:"payload_on,omitempty"`
	PayloadOff        string           `json:"payload_off,omitempty"`
	PayloadPress      string           `json:"payload_press,omitempty"`
	Min               float64          `json:"min,omitempty"`
	Max               float64          `json:"max,omitempty"`
	Step              float64          `json:"step,omitempty"`
	Mode              string           `json:"mode,omitempty"`
	Device            haDevice         `json:"device"`
}

// topics derives every topic of the bridge from its two prefixes.
type topics struct {
	prefix    string
	discovery string
}

func (t topics) bridgeState() string {
	return t.prefix + "/bridge/state"
}

func (t topics) state(deviceID string) string {
	return t.prefix + "/" + deviceTopicName(deviceID) + "/state"
}

func (t topics) availability(deviceID string) string {
	return t.prefix + "/" + deviceTopicName(deviceID) + "/availability"
}

func (t topics) command(deviceID string, channelID int, action string) string {
	return fmt.Sprintf("%s/%s/%d/%s/set", t.prefix, deviceTopicName(deviceID), channelID, action)
}

// commandFilter matches every command topic.
func (t topics) commandFilter() string {
	return t.prefix + "/+/+/+/set"
}

func (t topics) config(kind entity.Kind, deviceID, objectID string) string {
	return fmt.Sprintf("%s/%s/%s/%s/config", t.discovery, kind, nodeID(deviceID), objectID)
}

// nodeID returns the node id for the HA device registry.
func nodeID(deviceID string) string {
	return "plantsip_" + deviceTopicName(deviceID)
}

// deviceTopicName sanitizes a device id for use as a topic segment.
func deviceTopicName(deviceID string) string {
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			return r
		}
		return '_'
	}, deviceID)
}

// buildDiscovery generates HA discovery messages for every entity of a record.
func buildDiscovery(rec *coordinator.DeviceRecord, t topics) []discoveryMsg {
	if rec == nil || rec.Removed {
		return nil
	}
	id := rec.ID()
	haDev := haDevice{
		Identifiers:  []string{nodeID(id)},
		Manufacturer: manufacturer,
		Model:        model,
		Name:         rec.Name(),
	}
	if rec.Status != nil {
		haDev.SWVersion = rec.Status.FirmwareVersion
	}
	avail := []haAvailability{{Topic: t.bridgeState()}, {Topic: t.availability(id)}}

	descs := entity.ForDevice(rec)
	msgs := make([]discoveryMsg, 0, len(descs))
	for i := range descs {
		d := &descs[i]
		p := haDiscovery{
			Name:              d.Name,
			UniqueID:          d.UniqueID,
			Availability:      avail,
			AvailabilityMode:  "all",
			UnitOfMeasurement: d.Unit,
			DeviceClass:       d.DeviceClass,
			StateClass:        d.StateClass,
			EntityCategory:    d.Category,
			Icon:              d.Icon,
			Device:            haDev,
		}
		switch d.Kind {
		case entity.KindSensor:
			p.StateTopic = t.state(id)
			p.ValueTemplate = fmt.Sprintf("{{ value_json.%s }}", d.ObjectID())
		case entity.KindBinarySensor:
			p.StateTopic = t.state(id)
			p.ValueTemplate = fmt.Sprintf("{{ 'ON' if value_json.%s else 'OFF' }}", d.ObjectID())
			p.PayloadOn, p.PayloadOff = "ON", "OFF"
		case entity.KindButton:
			p.CommandTopic = t.command(id, d.ChannelID, "water")
			p.PayloadPress = payloadPress
		case entity.KindNumber:
			p.StateTopic = t.state(id)
			p.ValueTemplate = fmt.Sprintf("{{ value_json.%s }}", d.ObjectID())
			p.CommandTopic = t.command(id, d.ChannelID, d.Key)
			p.Min, p.Max, p.Step = d.Min, d.Max, d.Step
			p.Mode = "box"
		}
		msgs = append(msgs, discoveryMsg{
			Topic:   t.config(d.Kind, id, d.ObjectID()),
			Payload: mustJSON(p),
		})
	}
	return msgs
}

// buildRemoveDiscovery generates empty retained messages that remove every
// entity of a record from HA.
func buildRemoveDiscovery(rec *coordinator.DeviceRecord, t topics) []discoveryMsg {
	descs := entity.ForDevice(rec)
	msgs := make([]discoveryMsg, 0, len(descs))
	for i := range descs {
		msgs = append(msgs, discoveryMsg{
			Topic:   t.config(descs[i].Kind, rec.ID(), descs[i].ObjectID()),
			Payload: nil, // empty retained = delete
		})
	}
	return msgs
}

// discoveryKey identifies the announced entity set of a record, so discovery
// is only republished when the set or its names change.
func discoveryKey(rec *coordinator.DeviceRecord) string {
	var sb strings.Builder
	sb.WriteString(rec.Name())
	if rec.Status != nil {
		sb.WriteString("|" + rec.Status.FirmwareVersion)
	}
	for _, ch := range rec.Device.Channels {
		fmt.Fprintf(&sb, "|%d:%d", ch.ID, ch.DisplayIndex)
	}
	return sb.String()
}
