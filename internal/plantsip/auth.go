package plantsip

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// APIKeyName labels keys minted by ExchangeCredentialsForAPIKey.
const APIKeyName = "Home Assistant Integration"

const probeTimeout = 10 * time.Second

// ExchangeCredentialsForAPIKey trades a username and password for a
// long-lived API key. It first obtains a short-lived bearer token and then
// creates the key with it.
func (c *Client) ExchangeCredentialsForAPIKey(ctx context.Context, username, password string) (string, error) {
	if strings.TrimSpace(username) == "" {
		return "", &ValidationError{Field: "username", Msg: "must not be empty"}
	}
	if password == "" {
		return "", &ValidationError{Field: "password", Msg: "must not be empty"}
	}

	form := url.Values{}
	form.Set("username", username)
	form.Set("password", password)
	resp, err := c.Do(ctx, http.MethodPost, "/token",
		WithHeaders(map[string]string{}),
		WithFormBody(form),
		withRoute("/token"))
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusUnprocessableEntity {
			return "", &AuthError{Status: apiErr.Status, Msg: "invalid username or password"}
		}
		var authErr *AuthError
		if errors.As(err, &authErr) {
			return "", &AuthError{Status: authErr.Status, Msg: "invalid username or password"}
		}
		return "", fmt.Errorf("obtain token: %w", err)
	}
	var tok struct {
		AccessToken string `json:"access_token"`
	}
	if err := resp.Decode(&tok); err != nil {
		return "", fmt.Errorf("obtain token: %w", err)
	}
	if tok.AccessToken == "" {
		return "", &APIError{Kind: KindBadPayload, Status: resp.Status, Msg: "token response has no access_token"}
	}

	resp, err = c.Do(ctx, http.MethodPost, "/api-keys/",
		WithHeaders(map[string]string{"Authorization": "Bearer " + tok.AccessToken}),
		WithJSONBody(map[string]string{"name": APIKeyName}),
		withRoute("/api-keys/"))
	if err != nil {
		return "", fmt.Errorf("create api key: %w", err)
	}
	var created struct {
		Key    string `json:"key"`
		APIKey string `json:"api_key"`
	}
	if err := resp.Decode(&created); err != nil {
		return "", fmt.Errorf("create api key: %w", err)
	}
	key := created.Key
	if key == "" {
		key = created.APIKey
	}
	if key == "" {
		return "", &APIError{Kind: KindBadPayload, Status: resp.Status, Msg: "api key response has no key"}
	}
	c.logger.Info("api key created", "name", APIKeyName)
	return key, nil
}

// TestAPIKey validates the held key by listing devices. An AuthError is
// returned unchanged; any other failure is wrapped in an APIError.
func (c *Client) TestAPIKey(ctx context.Context) error {
	if !c.HasAPIKey() {
		return &ValidationError{Field: "api_key", Msg: "must not be empty"}
	}
	_, _, err := c.ListDevices(ctx)
	if err == nil {
		return nil
	}
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr
	}
	return &APIError{Kind: KindBadStatus, Msg: "api key test failed", Err: err}
}

// ProbeHost checks that something answers at the host root. 401, 403 and
// 404 count as a responding server.
func (c *Client) ProbeHost(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/", nil)
	if err != nil {
		return &ValidationError{Field: "host", Msg: err.Error()}
	}
	req.Header.Set("User-Agent", c.userAgent)
	resp, err := c.http.Do(req)
	if err != nil {
		return &ConnectionError{Op: "probe " + c.baseURL, Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrBody))

	switch s := resp.StatusCode; {
	case s >= 500:
		return &ConnectionError{Op: "probe " + c.baseURL, Err: fmt.Errorf("server error: status %d", s)}
	case s >= 400 && s != http.StatusUnauthorized && s != http.StatusForbidden && s != http.StatusNotFound:
		return &ConnectionError{Op: "probe " + c.baseURL, Err: fmt.Errorf("unexpected status %d", s)}
	}
	c.logger.Debug("host responded", "host", c.baseURL, "status", resp.StatusCode)
	return nil
}
