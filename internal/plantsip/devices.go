package plantsip

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// ListDevices returns the device summaries of the account. degraded is true
// when the server answered with a bare array instead of the paginated
// envelope.
func (c *Client) ListDevices(ctx context.Context) (summaries []DeviceSummary, degraded bool, err error) {
	resp, err := c.Do(ctx, http.MethodGet, "/devices/", withRoute("/devices/"))
	if err != nil {
		return nil, false, fmt.Errorf("list devices: %w", err)
	}
	if !resp.IsJSON() {
		return nil, false, fmt.Errorf("list devices: %w", &APIError{Kind: KindBadPayload, Status: resp.Status, Msg: "expected JSON, got " + resp.ContentType})
	}
	summaries, degraded, diags, err := decodeSummaries(resp.Body)
	if err != nil {
		return nil, false, fmt.Errorf("list devices: %w", err)
	}
	if degraded {
		c.logger.Warn("device list returned without pagination envelope")
	}
	c.logDiagnostics(diags)
	return summaries, degraded, nil
}

// GetDevice returns the full device detail including its channel list.
func (c *Client) GetDevice(ctx context.Context, deviceID string) (*Device, error) {
	if err := validateDeviceID(deviceID); err != nil {
		return nil, err
	}
	resp, err := c.Do(ctx, http.MethodGet, "/devices/"+url.PathEscape(deviceID), withRoute("/devices/{id}"))
	if err != nil {
		return nil, fmt.Errorf("get device %s: %w", deviceID, err)
	}
	if !resp.IsJSON() {
		return nil, fmt.Errorf("get device %s: %w", deviceID, &APIError{Kind: KindBadPayload, Status: resp.Status, Msg: "expected JSON, got " + resp.ContentType})
	}
	dev, diags, err := decodeDevice(deviceID, resp.Body)
	if err != nil {
		return nil, fmt.Errorf("get device %s: %w", deviceID, err)
	}
	c.logDiagnostics(diags)
	return dev, nil
}

// GetDeviceStatus returns the latest status of a device.
func (c *Client) GetDeviceStatus(ctx context.Context, deviceID string) (*Status, error) {
	if err := validateDeviceID(deviceID); err != nil {
		return nil, err
	}
	resp, err := c.Do(ctx, http.MethodGet, "/device/"+url.PathEscape(deviceID)+"/status/latest", withRoute("/device/{id}/status/latest"))
	if err != nil {
		return nil, fmt.Errorf("get status %s: %w", deviceID, err)
	}
	if !resp.IsJSON() {
		return nil, fmt.Errorf("get status %s: %w", deviceID, &APIError{Kind: KindBadPayload, Status: resp.Status, Msg: "expected JSON, got " + resp.ContentType})
	}
	st, diags, err := decodeStatus(deviceID, resp.Body)
	if err != nil {
		return nil, fmt.Errorf("get status %s: %w", deviceID, err)
	}
	c.logDiagnostics(diags)
	return st, nil
}

func (c *Client) logDiagnostics(diags []Diagnostic) {
	for _, d := range diags {
		c.logger.Warn("dropped payload entry", "device", d.DeviceID, "index", d.Index, "reason", d.Reason)
	}
}

func validateDeviceID(id string) error {
	if strings.TrimSpace(id) == "" {
		return &ValidationError{Field: "device_id", Msg: "must not be empty"}
	}
	return nil
}

func validateChannelID(id int) error {
	if id < 0 {
		return &ValidationError{Field: "channel_id", Msg: fmt.Sprintf("must not be negative, got %d", id)}
	}
	return nil
}

// ValidateWaterAmount checks that amount lies in [MinWaterAmount, MaxWaterAmount].
func ValidateWaterAmount(field string, amount float64) error {
	if amount != amount || amount <= 0 {
		return &ValidationError{Field: field, Msg: fmt.Sprintf("must be positive, got %v", amount)}
	}
	if amount < MinWaterAmount || amount > MaxWaterAmount {
		return &ValidationError{Field: field, Msg: fmt.Sprintf("must be between %d and %d, got %v", MinWaterAmount, MaxWaterAmount, amount)}
	}
	return nil
}
