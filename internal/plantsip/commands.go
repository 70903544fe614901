package plantsip

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

// TriggerWatering starts a manual watering of amount millilitres on the
// given channel. amount must lie in (0, MaxWaterAmount].
func (c *Client) TriggerWatering(ctx context.Context, deviceID string, channelID int, amount float64) (*WateringAck, error) {
	if err := ValidateWatering(deviceID, channelID, amount); err != nil {
		return nil, err
	}

	path := channelPath(deviceID, channelID) + "/water"
	resp, err := c.Do(ctx, http.MethodPost, path,
		WithJSONBody(map[string]float64{"water_amount": amount}),
		withRoute("/device/{id}/channel/{channel}/water"))
	if err != nil {
		return nil, fmt.Errorf("trigger watering %s/%d: %w", deviceID, channelID, err)
	}
	c.logger.Info("watering triggered", "device", deviceID, "channel", channelID, "amount", amount)
	return &WateringAck{
		DeviceID:  deviceID,
		ChannelID: channelID,
		Amount:    amount,
		Raw:       string(bytes.TrimSpace(resp.Body)),
	}, nil
}

// UpdateChannelConfig applies a partial configuration to a channel and
// returns the configuration confirmed by the server. Fields the server does
// not echo back are taken from the patch.
func (c *Client) UpdateChannelConfig(ctx context.Context, deviceID string, channelID int, patch ChannelConfigPatch) (ChannelConfigPatch, error) {
	if err := ValidateChannelUpdate(deviceID, channelID, patch); err != nil {
		return ChannelConfigPatch{}, err
	}

	resp, err := c.Do(ctx, http.MethodPut, channelPath(deviceID, channelID),
		WithJSONBody(patch),
		withRoute("/device/{id}/channel/{channel}"))
	if err != nil {
		return ChannelConfigPatch{}, fmt.Errorf("update channel %s/%d: %w", deviceID, channelID, err)
	}

	confirmed := patch
	if resp.IsJSON() && len(bytes.TrimSpace(resp.Body)) > 0 {
		var echo rawChannel
		if err := json.Unmarshal(resp.Body, &echo); err == nil {
			if v := echo.ManualWaterAmount.ptr(); v != nil && patch.ManualWaterAmount != nil {
				confirmed.ManualWaterAmount = v
			}
			if v := echo.AutomaticWaterAmount.ptr(); v != nil && patch.AutomaticWaterAmount != nil {
				confirmed.AutomaticWaterAmount = v
			}
		} else {
			c.logger.Debug("channel update response not understood", "device", deviceID, "channel", channelID, "err", err)
		}
	}
	return confirmed, nil
}

// ValidateWatering checks the arguments of a watering command.
func ValidateWatering(deviceID string, channelID int, amount float64) error {
	if err := validateDeviceID(deviceID); err != nil {
		return err
	}
	if err := validateChannelID(channelID); err != nil {
		return err
	}
	if amount != amount || amount <= 0 || amount > MaxWaterAmount {
		return &ValidationError{Field: "water_amount", Msg: fmt.Sprintf("must be in (0, %d], got %v", MaxWaterAmount, amount)}
	}
	return nil
}

// ValidateChannelUpdate checks the arguments of a channel config update.
func ValidateChannelUpdate(deviceID string, channelID int, patch ChannelConfigPatch) error {
	if err := validateDeviceID(deviceID); err != nil {
		return err
	}
	if err := validateChannelID(channelID); err != nil {
		return err
	}
	return ValidatePatch(patch)
}

// ValidatePatch rejects empty patches and out-of-range amounts.
func ValidatePatch(p ChannelConfigPatch) error {
	if p.Empty() {
		return &ValidationError{Field: "config", Msg: "no fields to update"}
	}
	if p.ManualWaterAmount != nil {
		if err := ValidateWaterAmount("manual_water_amount", *p.ManualWaterAmount); err != nil {
			return err
		}
	}
	if p.AutomaticWaterAmount != nil {
		if err := ValidateWaterAmount("automatic_water_amount", *p.AutomaticWaterAmount); err != nil {
			return err
		}
	}
	return nil
}

func channelPath(deviceID string, channelID int) string {
	return "/device/" + url.PathEscape(deviceID) + "/channel/" + strconv.Itoa(channelID)
}
