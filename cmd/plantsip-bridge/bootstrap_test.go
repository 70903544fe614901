package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"plantsip-bridge/internal/plantsip"
	"plantsip-bridge/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeAPI accepts validKeys on the device list and mints mintedKey for
// username/password.
type fakeAPI struct {
	validKeys map[string]bool
	username  string
	password  string
	mintedKey string
	rootCode  int
	exchanges atomic.Int32
}

func (f *fakeAPI) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		code := f.rootCode
		if code == 0 {
			code = http.StatusNotFound
		}
		w.WriteHeader(code)
	})
	mux.HandleFunc("GET /v1/devices/", func(w http.ResponseWriter, r *http.Request) {
		if !f.validKeys[r.Header.Get(plantsip.APIKeyHeader)] {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"items":[]}`))
	})
	mux.HandleFunc("POST /v1/token", func(w http.ResponseWriter, r *http.Request) {
		if r.PostFormValue("username") != f.username || r.PostFormValue("password") != f.password {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"access_token": "tok"})
	})
	mux.HandleFunc("POST /v1/api-keys/", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		f.exchanges.Add(1)
		f.validKeys[f.mintedKey] = true
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"key": f.mintedKey})
	})
	return mux
}

type bootstrapEnv struct {
	api   *fakeAPI
	srv   *httptest.Server
	db    *store.BoltStore
	cfg   *Config
	build clientFactory
}

func newBootstrapEnv(t *testing.T, yaml string) *bootstrapEnv {
	t.Helper()
	api := &fakeAPI{
		validKeys: map[string]bool{"good-key": true},
		username:  "alice",
		password:  "secret",
		mintedKey: "minted-key",
	}
	srv := httptest.NewServer(api.handler())
	t.Cleanup(srv.Close)

	db, err := store.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	cfg, err := parseConfig([]byte(yaml))
	if err != nil {
		t.Fatal(err)
	}
	cfg.API.Host = srv.URL

	build := func(key string) (*plantsip.Client, error) {
		return plantsip.NewClient(plantsip.Config{
			BaseURL: cfg.API.Host,
			APIKey:  key,
			Timeout: 5 * time.Second,
			Retry:   plantsip.RetryConfig{MaxAttempts: 1},
		}, testLogger())
	}
	return &bootstrapEnv{api: api, srv: srv, db: db, cfg: cfg, build: build}
}

func (e *bootstrapEnv) run(t *testing.T) (*plantsip.Client, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return bootstrap(ctx, e.cfg, e.db, e.build, testLogger())
}

func assertSetupError(t *testing.T, err error, field, code string) {
	t.Helper()
	var se *SetupError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *SetupError", err)
	}
	if se.Field != field || se.Code != code {
		t.Errorf("SetupError = {%q, %q}, want {%q, %q}", se.Field, se.Code, field, code)
	}
}

func TestBootstrapAPIKey(t *testing.T) {
	env := newBootstrapEnv(t, "api:\n  api_key: good-key\n")
	client, err := env.run(t)
	if err != nil {
		t.Fatal(err)
	}
	if !client.HasAPIKey() {
		t.Error("client should hold the configured key")
	}
	if _, err := env.db.GetCredentials(env.cfg.API.Host); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("configured key must not be persisted, GetCredentials err = %v", err)
	}
}

func TestBootstrapInvalidAPIKey(t *testing.T) {
	env := newBootstrapEnv(t, "api:\n  api_key: bad-key\n")
	_, err := env.run(t)
	assertSetupError(t, err, "api.api_key", codeInvalidAPIKey)
}

func TestBootstrapCredentialExchange(t *testing.T) {
	env := newBootstrapEnv(t, "api:\n  username: alice\n  password: secret\n")
	client, err := env.run(t)
	if err != nil {
		t.Fatal(err)
	}
	if !client.HasAPIKey() {
		t.Error("client should hold the minted key")
	}
	creds, err := env.db.GetCredentials(env.cfg.API.Host)
	if err != nil {
		t.Fatalf("minted key not persisted: %v", err)
	}
	if creds.APIKey != "minted-key" || creds.KeyName != plantsip.APIKeyName || creds.Username != "alice" {
		t.Errorf("stored credentials = %+v", creds)
	}

	// A second start reuses the stored key without another exchange.
	if _, err := env.run(t); err != nil {
		t.Fatal(err)
	}
	if n := env.api.exchanges.Load(); n != 1 {
		t.Errorf("exchanges = %d, want 1", n)
	}
}

func TestBootstrapStoredKeyWithoutCredentials(t *testing.T) {
	env := newBootstrapEnv(t, "api:\n  auth_method: credentials\n")
	if err := env.db.SaveCredentials(&store.Credentials{Host: env.cfg.API.Host, APIKey: "good-key"}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.run(t); err != nil {
		t.Fatalf("stored key should be enough: %v", err)
	}
}

func TestBootstrapRejectedStoredKeyIsReplaced(t *testing.T) {
	env := newBootstrapEnv(t, "api:\n  username: alice\n  password: secret\n")
	if err := env.db.SaveCredentials(&store.Credentials{Host: env.cfg.API.Host, APIKey: "revoked"}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.run(t); err != nil {
		t.Fatal(err)
	}
	creds, err := env.db.GetCredentials(env.cfg.API.Host)
	if err != nil {
		t.Fatal(err)
	}
	if creds.APIKey != "minted-key" {
		t.Errorf("stored key = %q, want minted-key", creds.APIKey)
	}
}

func TestBootstrapInvalidCredentials(t *testing.T) {
	env := newBootstrapEnv(t, "api:\n  username: alice\n  password: wrong\n")
	_, err := env.run(t)
	assertSetupError(t, err, "api.username", codeInvalidAuthCredentials)
	if _, err := env.db.GetCredentials(env.cfg.API.Host); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("nothing should be stored after a failed exchange, err = %v", err)
	}
}

func TestBootstrapMissingCredentials(t *testing.T) {
	env := newBootstrapEnv(t, "api:\n  auth_method: credentials\n")
	_, err := env.run(t)
	assertSetupError(t, err, "api.username", codeInvalidAuthCredentials)
}

func TestBootstrapHostErrors(t *testing.T) {
	t.Run("server error", func(t *testing.T) {
		env := newBootstrapEnv(t, "api:\n  api_key: good-key\n")
		env.api.rootCode = http.StatusBadGateway
		_, err := env.run(t)
		assertSetupError(t, err, "api.host", codeCannotConnect)
	})
	t.Run("responding with 401", func(t *testing.T) {
		env := newBootstrapEnv(t, "api:\n  api_key: good-key\n")
		env.api.rootCode = http.StatusUnauthorized
		if _, err := env.run(t); err != nil {
			t.Errorf("401 on the root should count as responding: %v", err)
		}
	})
	t.Run("unreachable", func(t *testing.T) {
		env := newBootstrapEnv(t, "api:\n  api_key: good-key\n")
		env.srv.Close()
		_, err := env.run(t)
		assertSetupError(t, err, "api.host", codeCannotConnect)
	})
}

func TestSetupErrClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantField string
		wantCode  string
	}{
		{"auth", &plantsip.AuthError{Status: 401}, "api.api_key", codeInvalidAPIKey},
		{"connection", &plantsip.ConnectionError{Op: "GET /devices/", Err: errors.New("refused")}, "", codeCannotConnect},
		{"wrapped connection", &plantsip.APIError{Kind: plantsip.KindBadStatus, Err: &plantsip.ConnectionError{Op: "x", Err: errors.New("eof")}}, "", codeCannotConnect},
		{"api", &plantsip.APIError{Kind: plantsip.KindServerError, Status: 500}, "", codeAPIError},
		{"other", errors.New("boom"), "", codeAPIError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assertSetupError(t, setupErr(tt.err, "api.api_key", codeInvalidAPIKey), tt.wantField, tt.wantCode)
		})
	}
}

func TestSetupErrorMessage(t *testing.T) {
	err := &SetupError{Field: "api.host", Code: codeCannotConnect, Err: errors.New("refused")}
	if got, want := err.Error(), "api.host: cannot_connect: refused"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if !errors.Is(err, err.Err) {
		t.Error("SetupError should unwrap to its cause")
	}
}
