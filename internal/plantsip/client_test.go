package plantsip

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestClient(t *testing.T, h http.Handler, mutate ...func(*Config)) (*Client, *httptest.Server) {
	t.Helper()
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	cfg := Config{
		BaseURL: ts.URL + "/",
		APIKey:  "secret",
		Timeout: 2 * time.Second,
		Retry:   RetryConfig{MaxAttempts: 1, InitialInterval: time.Millisecond},
		Breaker: BreakerConfig{Failures: 100, OpenFor: time.Minute},
	}
	for _, m := range mutate {
		m(&cfg)
	}
	c, err := NewClient(cfg, newTestLogger())
	if err != nil {
		t.Fatal(err)
	}
	return c, ts
}

func writeJSONBody(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	io.WriteString(w, body)
}

func TestNewClientValidation(t *testing.T) {
	tests := []struct {
		name  string
		cfg   Config
		field string
	}{
		{"empty host", Config{BaseURL: "  "}, "host"},
		{"no scheme", Config{BaseURL: "api.plantsip.de"}, "host"},
		{"ftp scheme", Config{BaseURL: "ftp://api.plantsip.de"}, "host"},
		{"negative timeout", Config{BaseURL: DefaultHost, Timeout: -time.Second}, "timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewClient(tt.cfg, newTestLogger())
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("err = %v, want ValidationError", err)
			}
			if ve.Field != tt.field {
				t.Errorf("field = %q, want %q", ve.Field, tt.field)
			}
		})
	}
}

func TestNewClientTrimsHost(t *testing.T) {
	c, err := NewClient(Config{BaseURL: "https://api.plantsip.de///"}, newTestLogger())
	if err != nil {
		t.Fatal(err)
	}
	if c.BaseURL() != "https://api.plantsip.de" {
		t.Errorf("base = %q, want %q", c.BaseURL(), "https://api.plantsip.de")
	}
}

func TestDoSendsAPIKeyAndPrefix(t *testing.T) {
	var gotPath, gotKey, gotAuth string
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get(APIKeyHeader)
		gotAuth = r.Header.Get("Authorization")
		writeJSONBody(w, 200, `{"ok":true}`)
	}))

	resp, err := c.Do(context.Background(), http.MethodGet, "/devices/")
	if err != nil {
		t.Fatal(err)
	}
	if gotPath != "/v1/devices/" {
		t.Errorf("path = %q, want %q", gotPath, "/v1/devices/")
	}
	if gotKey != "secret" {
		t.Errorf("api key = %q, want %q", gotKey, "secret")
	}
	if gotAuth != "" {
		t.Errorf("authorization = %q, want empty", gotAuth)
	}
	if !resp.IsJSON() {
		t.Error("IsJSON = false, want true")
	}
}

func TestDoHeaderOverrideReplacesKey(t *testing.T) {
	var gotKey, gotAuth string
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get(APIKeyHeader)
		gotAuth = r.Header.Get("Authorization")
		writeJSONBody(w, 200, `{}`)
	}))

	_, err := c.Do(context.Background(), http.MethodPost, "/api-keys/",
		WithHeaders(map[string]string{"Authorization": "Bearer tok"}))
	if err != nil {
		t.Fatal(err)
	}
	if gotKey != "" {
		t.Errorf("api key = %q, want empty", gotKey)
	}
	if gotAuth != "Bearer tok" {
		t.Errorf("authorization = %q, want %q", gotAuth, "Bearer tok")
	}
}

func TestDoStatusPolicy(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		ctype    string
		body     string
		sentinel error
		kind     APIErrorKind
	}{
		{"unauthorized", 401, "application/json", `{}`, ErrAuth, ""},
		{"forbidden", 403, "application/json", `{}`, ErrAuth, ""},
		{"not found", 404, "application/json", `{}`, ErrAPI, KindNotFound},
		{"server error", 503, "text/plain", "down", ErrAPI, KindServerError},
		{"bad request", 400, "text/plain", "bad field", ErrAPI, KindBadStatus},
		{"malformed json", 200, "application/json", `{"items":`, ErrAPI, KindBadPayload},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", tt.ctype)
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			}))
			_, err := c.Do(context.Background(), http.MethodGet, "/x")
			if !errors.Is(err, tt.sentinel) {
				t.Fatalf("err = %v, want %v", err, tt.sentinel)
			}
			if tt.kind == "" {
				return
			}
			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("err = %T, want *APIError", err)
			}
			if apiErr.Kind != tt.kind {
				t.Errorf("kind = %q, want %q", apiErr.Kind, tt.kind)
			}
		})
	}
}

func TestDoAuthErrorMarksKey(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	_, err := c.Do(context.Background(), http.MethodGet, "/devices/")
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("err = %v, want AuthError", err)
	}
	if !authErr.InvalidKey {
		t.Error("InvalidKey = false, want true")
	}
	if authErr.Status != 401 {
		t.Errorf("status = %d, want 401", authErr.Status)
	}
}

func TestDoBadRequestCarriesBody(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		io.WriteString(w, "channel busy")
	}))
	_, err := c.Do(context.Background(), http.MethodPost, "/x")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want APIError", err)
	}
	if apiErr.Body != "channel busy" {
		t.Errorf("body = %q, want %q", apiErr.Body, "channel busy")
	}
}

func TestDoTextResponseUnchanged(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		io.WriteString(w, "firmware-1.2.3")
	}))
	resp, err := c.Do(context.Background(), http.MethodGet, "/firmware")
	if err != nil {
		t.Fatal(err)
	}
	if resp.IsJSON() {
		t.Error("IsJSON = true, want false")
	}
	if resp.Text() != "firmware-1.2.3" {
		t.Errorf("text = %q, want %q", resp.Text(), "firmware-1.2.3")
	}
}

func TestDoVendorJSONContentType(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/problem+json")
		io.WriteString(w, `{"a":1}`)
	}))
	resp, err := c.Do(context.Background(), http.MethodGet, "/x")
	if err != nil {
		t.Fatal(err)
	}
	var v map[string]int
	if err := resp.Decode(&v); err != nil {
		t.Fatal(err)
	}
	if v["a"] != 1 {
		t.Errorf("a = %d, want 1", v["a"])
	}
}

func TestDoTimeoutIsConnectionError(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}), func(cfg *Config) { cfg.Timeout = 20 * time.Millisecond })

	_, err := c.Do(context.Background(), http.MethodGet, "/slow")
	if !errors.Is(err, ErrConnection) {
		t.Fatalf("err = %v, want ErrConnection", err)
	}
}

func TestDoConnectionRefused(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	c, err := NewClient(Config{BaseURL: url, Timeout: time.Second}, newTestLogger())
	if err != nil {
		t.Fatal(err)
	}
	_, err = c.Do(context.Background(), http.MethodGet, "/devices/")
	if !errors.Is(err, ErrConnection) {
		t.Fatalf("err = %v, want ErrConnection", err)
	}
}

func TestDoRetriesGetOnServerError(t *testing.T) {
	var hits atomic.Int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		writeJSONBody(w, 200, `{"items":[]}`)
	}), func(cfg *Config) { cfg.Retry.MaxAttempts = 3 })

	if _, err := c.Do(context.Background(), http.MethodGet, "/devices/"); err != nil {
		t.Fatal(err)
	}
	if got := hits.Load(); got != 3 {
		t.Errorf("hits = %d, want 3", got)
	}
}

func TestDoDoesNotRetryPostOrAuth(t *testing.T) {
	tests := []struct {
		name   string
		method string
		status int
	}{
		{"post server error", http.MethodPost, http.StatusInternalServerError},
		{"get unauthorized", http.MethodGet, http.StatusUnauthorized},
		{"get not found", http.MethodGet, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var hits atomic.Int32
			c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				hits.Add(1)
				w.WriteHeader(tt.status)
			}), func(cfg *Config) { cfg.Retry.MaxAttempts = 3 })

			if _, err := c.Do(context.Background(), tt.method, "/x"); err == nil {
				t.Fatal("expected error")
			}
			if got := hits.Load(); got != 1 {
				t.Errorf("hits = %d, want 1", got)
			}
		})
	}
}

func TestBreakerOpensOnServerErrors(t *testing.T) {
	var hits atomic.Int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}), func(cfg *Config) { cfg.Breaker.Failures = 2 })

	for i := 0; i < 2; i++ {
		if _, err := c.Do(context.Background(), http.MethodGet, "/x"); err == nil {
			t.Fatal("expected error")
		}
	}
	_, err := c.Do(context.Background(), http.MethodGet, "/x")
	if !errors.Is(err, ErrConnection) {
		t.Fatalf("err = %v, want ErrConnection", err)
	}
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Errorf("err = %v, want wrapped ErrOpenState", err)
	}
	if got := hits.Load(); got != 2 {
		t.Errorf("hits = %d, want 2", got)
	}
	if c.BreakerState() != "open" {
		t.Errorf("breaker = %q, want open", c.BreakerState())
	}
}

func TestBreakerIgnoresClientErrors(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}), func(cfg *Config) { cfg.Breaker.Failures = 1 })

	for i := 0; i < 3; i++ {
		_, err := c.Do(context.Background(), http.MethodGet, "/x")
		if !IsNotFound(err) {
			t.Fatalf("attempt %d: err = %v, want not found", i, err)
		}
	}
	if c.BreakerState() != "closed" {
		t.Errorf("breaker = %q, want closed", c.BreakerState())
	}
}

type recordingObserver struct {
	outcomes []string
}

func (r *recordingObserver) ObserveRequest(method, route, outcome string, d time.Duration) {
	r.outcomes = append(r.outcomes, method+" "+route+" "+outcome)
}

func TestObserverReceivesRoute(t *testing.T) {
	obs := &recordingObserver{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSONBody(w, 200, `{"device_id":"D1","name":"Balcony","channels":[]}`)
	}))
	t.Cleanup(ts.Close)
	c, err := NewClient(Config{BaseURL: ts.URL, APIKey: "k"}, newTestLogger(), WithObserver(obs))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.GetDevice(context.Background(), "D1"); err != nil {
		t.Fatal(err)
	}
	if len(obs.outcomes) != 1 || obs.outcomes[0] != "GET /devices/{id} ok" {
		t.Errorf("outcomes = %v, want [GET /devices/{id} ok]", obs.outcomes)
	}
}
