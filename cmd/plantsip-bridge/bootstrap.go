package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"plantsip-bridge/internal/plantsip"
	"plantsip-bridge/internal/store"
)

// Setup error codes reported when the bridge cannot authenticate.
const (
	codeCannotConnect          = "cannot_connect"
	codeInvalidAPIKey          = "invalid_api_key"
	codeInvalidAuthCredentials = "invalid_auth_credentials"
	codeAPIError               = "api_error"
	codeCustomHostRequired     = "custom_host_required"
)

// SetupError is a startup failure attributable to one configuration field.
// An empty Field means the failure is not tied to a single setting.
type SetupError struct {
	Field string
	Code  string
	Err   error
}

func (e *SetupError) Error() string {
	msg := e.Code
	if e.Field != "" {
		msg = e.Field + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SetupError) Unwrap() error { return e.Err }

// credentialStore holds API keys minted from a credential exchange.
type credentialStore interface {
	GetCredentials(host string) (*store.Credentials, error)
	SaveCredentials(creds *store.Credentials) error
	DeleteCredentials(host string) error
}

// clientFactory builds an API client holding apiKey (empty for none).
type clientFactory func(apiKey string) (*plantsip.Client, error)

// bootstrap checks the host and returns a client holding a verified API key.
// The key comes from the config, from the store, or from exchanging the
// configured username and password; a freshly minted key is persisted.
func bootstrap(ctx context.Context, cfg *Config, creds credentialStore, newClient clientFactory, logger *slog.Logger) (*plantsip.Client, error) {
	anon, err := newClient("")
	if err != nil {
		return nil, &SetupError{Field: "api.host", Code: codeCannotConnect, Err: err}
	}
	if err := anon.ProbeHost(ctx); err != nil {
		return nil, &SetupError{Field: "api.host", Code: codeCannotConnect, Err: err}
	}

	if cfg.API.AuthMethod == authMethodAPIKey {
		client, err := newClient(strings.TrimSpace(cfg.API.APIKey))
		if err != nil {
			return nil, &SetupError{Field: "api.api_key", Code: codeInvalidAPIKey, Err: err}
		}
		if err := client.TestAPIKey(ctx); err != nil {
			return nil, setupErr(err, "api.api_key", codeInvalidAPIKey)
		}
		logger.Info("api key verified", "host", cfg.API.Host)
		return client, nil
	}

	if client, ok, err := storedClient(ctx, cfg.API.Host, creds, newClient, logger); err != nil || ok {
		return client, err
	}

	if strings.TrimSpace(cfg.API.Username) == "" || cfg.API.Password == "" {
		return nil, &SetupError{Field: "api.username", Code: codeInvalidAuthCredentials,
			Err: errors.New("username and password are required when no api key is stored")}
	}
	key, err := anon.ExchangeCredentialsForAPIKey(ctx, cfg.API.Username, cfg.API.Password)
	if err != nil {
		return nil, setupErr(err, "api.username", codeInvalidAuthCredentials)
	}
	client, err := newClient(key)
	if err != nil {
		return nil, &SetupError{Code: codeAPIError, Err: err}
	}
	if err := client.TestAPIKey(ctx); err != nil {
		return nil, setupErr(err, "api.username", codeInvalidAuthCredentials)
	}
	if err := creds.SaveCredentials(&store.Credentials{
		Host:      cfg.API.Host,
		APIKey:    key,
		KeyName:   plantsip.APIKeyName,
		Username:  cfg.API.Username,
		CreatedAt: time.Now(),
	}); err != nil {
		return nil, fmt.Errorf("save credentials: %w", err)
	}
	logger.Info("api key minted from credentials", "host", cfg.API.Host, "username", cfg.API.Username)
	return client, nil
}

// storedClient tries the key persisted for host. A rejected key is deleted
// so the caller falls back to a fresh exchange.
func storedClient(ctx context.Context, host string, creds credentialStore, newClient clientFactory, logger *slog.Logger) (*plantsip.Client, bool, error) {
	stored, err := creds.GetCredentials(host)
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load credentials: %w", err)
	}
	if stored.APIKey == "" {
		return nil, false, nil
	}

	client, err := newClient(stored.APIKey)
	if err != nil {
		return nil, false, &SetupError{Code: codeAPIError, Err: err}
	}
	err = client.TestAPIKey(ctx)
	if err == nil {
		logger.Info("using stored api key", "host", host, "created_at", stored.CreatedAt)
		return client, true, nil
	}
	if !errors.Is(err, plantsip.ErrAuth) {
		return nil, false, setupErr(err, "", codeAPIError)
	}
	logger.Warn("stored api key rejected, exchanging credentials again", "host", host, "err", err)
	if err := creds.DeleteCredentials(host); err != nil {
		logger.Warn("delete rejected credentials", "host", host, "err", err)
	}
	return nil, false, nil
}

// setupErr classifies an API failure. Auth failures are attributed to
// authField with authCode.
func setupErr(err error, authField, authCode string) error {
	switch {
	case errors.Is(err, plantsip.ErrAuth):
		return &SetupError{Field: authField, Code: authCode, Err: err}
	case errors.Is(err, plantsip.ErrConnection):
		return &SetupError{Code: codeCannotConnect, Err: err}
	default:
		return &SetupError{Code: codeAPIError, Err: err}
	}
}
