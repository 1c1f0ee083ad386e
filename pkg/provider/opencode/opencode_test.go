package opencode

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	sdk "github.com/sst/opencode-sdk-go"

	"chatbridge/pkg/config"
)

func TestNewRequiresBaseURL(t *testing.T) {
	cfg := &config.Config{}

	_, err := New(cfg)
	if err == nil {
		t.Fatal("expected error when base_url is missing")
	}
}

func TestParseModelRef(t *testing.T) {
	tests := []struct {
		name       string
		input      string
		wantOK     bool
		wantProvID string
		wantModel  string
	}{
		{name: "valid", input: "openai/gpt-5.2", wantOK: true, wantProvID: "openai", wantModel: "gpt-5.2"},
		{name: "missing slash", input: "gpt-5.2", wantOK: false},
		{name: "empty provider", input: "/gpt-5.2", wantOK: false},
		{name: "empty model", input: "openai/", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provID, modelID, ok := parseModelRef(tt.input)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if provID != tt.wantProvID {
				t.Fatalf("providerID = %q, want %q", provID, tt.wantProvID)
			}
			if modelID != tt.wantModel {
				t.Fatalf("modelID = %q, want %q", modelID, tt.wantModel)
			}
		})
	}
}

func TestExtractText(t *testing.T) {
	parts := []sdk.Part{
		{Type: sdk.PartTypeReasoning, Text: "should be ignored"},
		{Type: sdk.PartTypeText, Text: "  first line  "},
		{Type: sdk.PartTypeText, Text: ""},
		{Type: sdk.PartTypeText, Text: "second line"},
	}

	got := extractText(parts)
	if got != "first line\nsecond line" {
		t.Fatalf("extractText() = %q", got)
	}
}

func TestBuildBasicAuthHeader(t *testing.T) {
	t.Setenv("TEST_OPENCODE_PASSWORD", "secret")

	header, ok := buildBasicAuthHeader(config.OpenCodeProviderConfig{
		Username:    "opencode",
		PasswordEnv: "TEST_OPENCODE_PASSWORD",
	})
	if !ok {
		t.Fatal("expected basic auth header")
	}
	if !strings.HasPrefix(header, "Basic ") {
		t.Fatalf("unexpected header prefix: %q", header)
	}
}

func TestBuildBasicAuthHeaderMissingEnvValue(t *testing.T) {
	t.Setenv("TEST_OPENCODE_PASSWORD_EMPTY", "")

	_, ok := buildBasicAuthHeader(config.OpenCodeProviderConfig{
		PasswordEnv: "TEST_OPENCODE_PASSWORD_EMPTY",
	})
	if ok {
		t.Fatal("expected no basic auth header")
	}
}

func newTestServer(t *testing.T, healthy bool) (*httptest.Server, *int) {
	t.Helper()

	sessions := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/global/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"healthy": healthy, "version": "0.0.1"})
	})
	mux.HandleFunc("/session", func(w http.ResponseWriter, r *http.Request) {
		sessions++
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":        "ses_1",
			"title":     "chatbridge",
			"version":   "0.0.1",
			"projectID": "proj",
			"directory": "/tmp",
			"time":      map[string]any{"created": 1, "updated": 1},
		})
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return server, &sessions
}

func TestLoginReturnsSessionToken(t *testing.T) {
	server, sessions := newTestServer(t, true)

	cfg := &config.Config{}
	cfg.Providers.OpenCode.BaseURL = server.URL
	client, err := New(cfg)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	session, err := client.Login(context.Background())
	if err != nil {
		t.Fatalf("Login error: %v", err)
	}
	if session.Token != "ses_1" {
		t.Fatalf("token = %q, want ses_1", session.Token)
	}
	if *sessions != 1 {
		t.Fatalf("sessions created = %d, want 1", *sessions)
	}
}

func TestLoginFailsWhenServerUnhealthy(t *testing.T) {
	server, sessions := newTestServer(t, false)

	cfg := &config.Config{}
	cfg.Providers.OpenCode.BaseURL = server.URL
	client, err := New(cfg)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	if _, err := client.Login(context.Background()); err == nil {
		t.Fatal("expected login error for unhealthy server")
	}
	if *sessions != 0 {
		t.Fatalf("sessions created = %d, want 0", *sessions)
	}
}

func TestNewDefaultsRouterModelToModel(t *testing.T) {
	cfg := &config.Config{}
	cfg.Providers.OpenCode.BaseURL = "http://127.0.0.1:4096"
	cfg.Agents.Defaults.Model = "openai/gpt-5.2"

	client, err := New(cfg)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	if client.routerModel != "openai/gpt-5.2" {
		t.Fatalf("routerModel = %q", client.routerModel)
	}
}
