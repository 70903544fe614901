package coordinator

import (
	"context"
	"fmt"

	"plantsip-bridge/internal/plantsip"
)

// TriggerWatering starts a watering on a known channel. On success the
// command is recorded on the device record of the published snapshot.
func (c *Coordinator) TriggerWatering(ctx context.Context, deviceID string, channelID int, amount float64) (*plantsip.WateringAck, error) {
	if err := plantsip.ValidateWatering(deviceID, channelID, amount); err != nil {
		c.metrics.command("water", err)
		return nil, err
	}
	if err := c.lookupChannel(deviceID, channelID); err != nil {
		c.metrics.command("water", err)
		return nil, err
	}

	ack, err := c.fetcher.TriggerWatering(ctx, deviceID, channelID, amount)
	c.metrics.command("water", err)
	if err != nil {
		return nil, err
	}

	at := c.now()
	c.patchRecord(deviceID, func(rec *DeviceRecord) bool {
		rec.LastCommand = &Command{Kind: "water", ChannelID: channelID, Amount: amount, At: at}
		return true
	})
	c.events.Emit(Event{Type: EventWateringTriggered, Data: ChannelPayload{
		DeviceID:  deviceID,
		ChannelID: channelID,
		Amount:    amount,
	}})
	return ack, nil
}

// SetChannelConfig updates a channel's configuration through the API and,
// once the API confirms, applies the confirmed values to the published
// snapshot so readers see them before the next cycle. This is the only
// change made to published state outside a refresh cycle. It replaces the
// one affected record and never touches status or availability.
func (c *Coordinator) SetChannelConfig(ctx context.Context, deviceID string, channelID int, patch plantsip.ChannelConfigPatch) (plantsip.ChannelConfigPatch, error) {
	if err := plantsip.ValidateChannelUpdate(deviceID, channelID, patch); err != nil {
		c.metrics.command("set_config", err)
		return plantsip.ChannelConfigPatch{}, err
	}
	if err := c.lookupChannel(deviceID, channelID); err != nil {
		c.metrics.command("set_config", err)
		return plantsip.ChannelConfigPatch{}, err
	}

	confirmed, err := c.fetcher.UpdateChannelConfig(ctx, deviceID, channelID, patch)
	c.metrics.command("set_config", err)
	if err != nil {
		return plantsip.ChannelConfigPatch{}, err
	}

	var manual, automatic float64
	applied := c.patchRecord(deviceID, func(rec *DeviceRecord) bool {
		ch, ok := rec.Device.Channel(channelID)
		if !ok {
			return false
		}
		confirmed.Apply(ch)
		manual, automatic = ch.ManualWaterAmount, ch.AutomaticWaterAmount
		return true
	})
	if !applied {
		c.logger.Warn("channel config confirmed but channel left the snapshot", "device", deviceID, "channel", channelID)
		return confirmed, nil
	}
	c.logger.Info("channel config updated", "device", deviceID, "channel", channelID, "manual", manual, "automatic", automatic)
	c.events.Emit(Event{Type: EventChannelConfigUpdated, Data: ChannelPayload{
		DeviceID:             deviceID,
		ChannelID:            channelID,
		ManualWaterAmount:    manual,
		AutomaticWaterAmount: automatic,
	}})
	return confirmed, nil
}

// lookupChannel checks that the channel is known in the published snapshot.
func (c *Coordinator) lookupChannel(deviceID string, channelID int) error {
	snap := c.Snapshot()
	if snap.Seq == 0 {
		return ErrNotReady
	}
	rec, ok := snap.Device(deviceID)
	if !ok || rec.Removed {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}
	if _, ok := rec.Device.Channel(channelID); !ok {
		return fmt.Errorf("%w: %s/%d", ErrUnknownChannel, deviceID, channelID)
	}
	return nil
}

// patchRecord replaces one record of the published snapshot with a patched
// copy. fn returns false to abandon the patch.
func (c *Coordinator) patchRecord(deviceID string, fn func(*DeviceRecord) bool) bool {
	c.patchMu.Lock()
	defer c.patchMu.Unlock()
	cur := c.snap.Load()
	rec, ok := cur.Devices[deviceID]
	if !ok {
		return false
	}
	cp := rec.clone()
	if !fn(cp) {
		return false
	}
	c.snap.Store(cur.withRecord(cp))
	return true
}
