//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"plantsip-bridge/internal/coordinator"
	"plantsip-bridge/internal/entity"
	"plantsip-bridge/internal/plantsip"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker          string
	Username        string
	Password        string
	ClientID        string
	TopicPrefix     string
	DiscoveryPrefix string
}

// Bridge publishes coordinator snapshots to MQTT with HA autodiscovery and
// forwards commands from MQTT to the coordinator.
type Bridge struct {
	client pahomqtt.Client
	coord  *coordinator.Coordinator
	topics topics
	logger *slog.Logger
	unsub  func()
	ctx    context.Context
	cancel context.CancelFunc

	// cmdMu orders command dispatch against Stop; cmdWG tracks handlers.
	cmdMu sync.Mutex
	cmdWG sync.WaitGroup

	// Per-device publish bookkeeping.
	mu        sync.Mutex
	announced map[string]string // device id -> discovery key
	cleared   map[string]bool   // removed placeholders already cleared
	lastState map[string]string // state topic -> last payload
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(coord *coordinator.Coordinator, cfg Config, logger *slog.Logger) (*Bridge, error) {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "plantsip"
	}
	if cfg.DiscoveryPrefix == "" {
		cfg.DiscoveryPrefix = "homeassistant"
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "plantsip-bridge"
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		coord:     coord,
		topics:    topics{prefix: cfg.TopicPrefix, discovery: cfg.DiscoveryPrefix},
		logger:    logger.With("component", "mqtt"),
		announced: make(map[string]string),
		cleared:   make(map[string]bool),
		lastState: make(map[string]string),
		ctx:       ctx,
		cancel:    cancel,
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(b.topics.bridgeState(), "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publishBridgeState("online")
			b.resetPublished()
			b.publishSnapshot(b.coord.Snapshot())
			b.subscribeCommands()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	b.client = pahomqtt.NewClient(opts)
	token := b.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		cancel()
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		cancel()
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

// Start subscribes to coordinator events and begins MQTT publishing.
func (b *Bridge) Start() {
	b.unsub = b.coord.Events().OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "prefix", b.topics.prefix, "discovery_prefix", b.topics.discovery)
}

// Stop publishes offline state, unsubscribes, and disconnects.
// Commands still running are cancelled and waited for.
func (b *Bridge) Stop() {
	b.cmdMu.Lock()
	b.cancel()
	b.cmdMu.Unlock()
	if b.unsub != nil {
		b.unsub()
	}
	b.cmdWG.Wait()
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) handleEvent(event coordinator.Event) {
	switch event.Type {
	case coordinator.EventSnapshotPublished:
		b.publishSnapshot(b.coord.Snapshot())
	case coordinator.EventChannelConfigUpdated, coordinator.EventWateringTriggered:
		if rec, ok := b.coord.Snapshot().Device(event.DeviceID()); ok {
			b.publishState(rec)
		}
	}
}

// publishSnapshot brings MQTT in line with a snapshot. Discovery is sent for
// new or changed devices, removed placeholders are cleared once, and state
// and availability are published for the rest.
func (b *Bridge) publishSnapshot(snap *coordinator.Snapshot) {
	for _, rec := range snap.Records() {
		if rec.Removed {
			b.clearDevice(rec)
			continue
		}
		b.announce(rec)
		b.publishAvailability(rec)
		b.publishState(rec)
	}
}

func (b *Bridge) announce(rec *coordinator.DeviceRecord) {
	// Identity-only records from the registry have no status yet; their
	// discovery waits for the first successful fetch.
	if rec.Status == nil {
		return
	}
	key := discoveryKey(rec)
	b.mu.Lock()
	if b.announced[rec.ID()] == key {
		b.mu.Unlock()
		return
	}
	b.announced[rec.ID()] = key
	delete(b.cleared, rec.ID())
	b.mu.Unlock()

	for _, msg := range buildDiscovery(rec, b.topics) {
		b.publish(msg.Topic, msg.Payload, true)
	}
	b.logger.Info("published HA discovery", "device", rec.ID(), "name", rec.Name())
}

func (b *Bridge) clearDevice(rec *coordinator.DeviceRecord) {
	b.mu.Lock()
	if b.cleared[rec.ID()] {
		b.mu.Unlock()
		return
	}
	b.cleared[rec.ID()] = true
	delete(b.announced, rec.ID())
	delete(b.lastState, b.topics.state(rec.ID()))
	b.mu.Unlock()

	for _, msg := range buildRemoveDiscovery(rec, b.topics) {
		b.publish(msg.Topic, msg.Payload, true)
	}
	b.publish(b.topics.availability(rec.ID()), []byte("offline"), true)
	b.logger.Info("removed HA discovery", "device", rec.ID(), "name", rec.Name())
}

func (b *Bridge) publishAvailability(rec *coordinator.DeviceRecord) {
	state := "offline"
	if rec.Available {
		state = "online"
	}
	b.publishIfChanged(b.topics.availability(rec.ID()), []byte(state))
}

func (b *Bridge) publishState(rec *coordinator.DeviceRecord) {
	if !rec.Available {
		return
	}
	b.publishIfChanged(b.topics.state(rec.ID()), mustJSON(entity.State(rec)))
}

func (b *Bridge) publishIfChanged(topic string, payload []byte) {
	b.mu.Lock()
	if b.lastState[topic] == string(payload) {
		b.mu.Unlock()
		return
	}
	b.lastState[topic] = string(payload)
	b.mu.Unlock()
	b.publish(topic, payload, true)
}

// resetPublished forgets what was published so a reconnect republishes
// everything.
func (b *Bridge) resetPublished() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.announced = make(map[string]string)
	b.cleared = make(map[string]bool)
	b.lastState = make(map[string]string)
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(b.topics.bridgeState(), []byte(state), true)
}

func (b *Bridge) subscribeCommands() {
	filter := b.topics.commandFilter()
	token := b.client.Subscribe(filter, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.dispatchCommand(msg.Topic(), msg.Payload())
	})
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT subscribe timeout", "topic", filter)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT subscribe error", "topic", filter, "err", err)
		}
	}()
}

// dispatchCommand runs a command off paho's delivery goroutine, which
// must not block on API round trips. Commands arriving after Stop are dropped.
func (b *Bridge) dispatchCommand(topic string, payload []byte) {
	b.cmdMu.Lock()
	defer b.cmdMu.Unlock()
	if b.ctx.Err() != nil {
		b.logger.Debug("command dropped, bridge stopping", "topic", topic)
		return
	}
	b.cmdWG.Add(1)
	go func() {
		defer b.cmdWG.Done()
		b.handleCommand(topic, payload)
	}()
}

func (b *Bridge) handleCommand(topic string, payload []byte) {
	cmd, err := parseCommand(b.topics.prefix, topic, payload)
	if err != nil {
		b.logger.Warn("invalid command", "topic", topic, "err", err)
		return
	}
	rec, ok := b.findDevice(cmd.device)
	if !ok {
		b.logger.Warn("command for unknown device", "topic", topic)
		return
	}

	ctx, cancel := context.WithTimeout(b.ctx, 30*time.Second)
	defer cancel()

	switch cmd.action {
	case actionWater:
		amount := cmd.amount
		if !cmd.hasAmount {
			ch, ok := rec.Device.Channel(cmd.channel)
			if !ok {
				b.logger.Warn("water command for unknown channel", "device", rec.ID(), "channel", cmd.channel)
				return
			}
			amount = ch.ManualWaterAmount
		}
		if _, err := b.coord.TriggerWatering(ctx, rec.ID(), cmd.channel, amount); err != nil {
			b.logger.Warn("water command failed", "device", rec.ID(), "channel", cmd.channel, "err", err)
		}
	case actionManualAmount, actionAutomaticAmount:
		v := cmd.amount
		patch := plantsip.ChannelConfigPatch{AutomaticWaterAmount: &v}
		if cmd.action == actionManualAmount {
			patch = plantsip.ChannelConfigPatch{ManualWaterAmount: &v}
		}
		if _, err := b.coord.SetChannelConfig(ctx, rec.ID(), cmd.channel, patch); err != nil {
			b.logger.Warn("set amount command failed", "device", rec.ID(), "channel", cmd.channel, "err", err)
		}
	}
}

// findDevice maps a sanitized topic segment back to a device record.
func (b *Bridge) findDevice(segment string) (*coordinator.DeviceRecord, bool) {
	snap := b.coord.Snapshot()
	if rec, ok := snap.Device(segment); ok {
		return rec, true
	}
	for _, rec := range snap.Records() {
		if deviceTopicName(rec.ID()) == segment {
			return rec, true
		}
	}
	return nil, false
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

const (
	actionWater           = "water"
	actionManualAmount    = "manual_water_amount"
	actionAutomaticAmount = "automatic_water_amount"
)

type command struct {
	device    string
	channel   int
	action    string
	amount    float64
	hasAmount bool
}

// parseCommand decodes "<prefix>/<device>/<channel>/<action>/set". A water
// command without a numeric payload uses the channel's manual amount.
func parseCommand(prefix, topic string, payload []byte) (command, error) {
	rest, ok := strings.CutPrefix(topic, prefix+"/")
	if !ok {
		return command{}, fmt.Errorf("topic outside prefix %q", prefix)
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 4 || parts[3] != "set" || parts[0] == "" {
		return command{}, fmt.Errorf("malformed command topic")
	}
	ch, err := strconv.Atoi(parts[1])
	if err != nil || ch < 0 {
		return command{}, fmt.Errorf("invalid channel %q", parts[1])
	}
	cmd := command{device: parts[0], channel: ch, action: parts[2]}

	body := strings.TrimSpace(string(payload))
	switch cmd.action {
	case actionWater:
		if body == "" || strings.EqualFold(body, payloadPress) {
			return cmd, nil
		}
	case actionManualAmount, actionAutomaticAmount:
		if body == "" {
			return command{}, fmt.Errorf("empty amount")
		}
	default:
		return command{}, fmt.Errorf("unknown action %q", cmd.action)
	}
	amount, err := parseAmount(body)
	if err != nil {
		return command{}, err
	}
	cmd.amount, cmd.hasAmount = amount, true
	return cmd, nil
}

// parseAmount accepts a bare number or a JSON object with an "amount" or
// "value" field.
func parseAmount(body string) (float64, error) {
	if v, err := strconv.ParseFloat(body, 64); err == nil {
		return v, nil
	}
	var obj map[string]json.Number
	if err := json.Unmarshal([]byte(body), &obj); err != nil {
		return 0, fmt.Errorf("invalid amount %q", body)
	}
	for _, k := range []string{"amount", "value"} {
		if n, ok := obj[k]; ok {
			return n.Float64()
		}
	}
	return 0, fmt.Errorf("invalid amount %q", body)
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
