package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"chatbridge/pkg/bridge"
	"chatbridge/pkg/channel"
	"chatbridge/pkg/config"
	"chatbridge/pkg/orchestrator"
	"chatbridge/pkg/service/mock"

	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(t *testing.T, frontend channel.Adapter) (*Service, *orchestrator.Orchestrator, *bridge.Transport) {
	t.Helper()

	transport := bridge.NewTransport(bridge.NewHandlers(quietLogger()), bridge.DefaultSchemas(), quietLogger())
	t.Cleanup(transport.Close)

	orch, err := orchestrator.New(transport, &mock.Authenticator{}, mock.NewSet(),
		orchestrator.WithLogger(quietLogger()),
		orchestrator.WithRetryInterval(time.Millisecond),
	)
	require.NoError(t, err)
	t.Cleanup(orch.Close)
	orch.Bind(transport)

	svc, err := NewService(&config.Config{}, transport, orch, frontend, quietLogger())
	require.NoError(t, err)

	return svc, orch, transport
}

func getEvents(t *testing.T, server *httptest.Server, query string) (int, []bridge.Event) {
	t.Helper()

	resp, err := http.Get(server.URL + "/bridge/events" + query)
	require.NoError(t, err)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return resp.StatusCode, nil
	}

	var body struct {
		Events []json.RawMessage `json:"events"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))

	events := make([]bridge.Event, 0, len(body.Events))
	for _, raw := range body.Events {
		event, err := bridge.DecodeEvent(raw)
		require.NoError(t, err)
		events = append(events, event)
	}
	return resp.StatusCode, events
}

func postAction(t *testing.T, server *httptest.Server, body string) int {
	t.Helper()

	resp, err := http.Post(server.URL+"/bridge/actions", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	return resp.StatusCode
}

func TestNewServiceValidatesDependencies(t *testing.T) {
	transport := bridge.NewTransport(nil, nil, quietLogger())
	defer transport.Close()

	_, err := NewService(nil, transport, nil, nil, nil)
	require.Error(t, err)

	_, err = NewService(&config.Config{}, nil, nil, nil, nil)
	require.Error(t, err)

	_, err = NewService(&config.Config{}, transport, nil, nil, nil)
	require.Error(t, err)
}

func TestBridgeEndpointsRunTurn(t *testing.T) {
	svc, orch, _ := newTestService(t, nil)
	server := httptest.NewServer(svc.Handler())
	defer server.Close()

	require.NoError(t, orch.Bootstrap(context.Background()))

	require.Equal(t, http.StatusAccepted, postAction(t, server, `{"action":"send_message","message":"Hi"}`))
	orch.Wait()

	status, events := getEvents(t, server, "?wait=1")
	require.Equal(t, http.StatusOK, status)

	var types []string
	for _, event := range events {
		types = append(types, event.Type)
	}
	require.Equal(t, []string{
		bridge.EventChatInitialized,
		bridge.EventMessageReceived,
		bridge.EventMessageReceived,
		bridge.EventAgentNamed,
	}, types)
	require.Equal(t, "echo: Hi", events[2].Payload().String("message"))

	_, events = getEvents(t, server, "?wait=0")
	require.Empty(t, events)
}

func TestBridgeEndpointsRejectBadInput(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	server := httptest.NewServer(svc.Handler())
	defer server.Close()

	require.Equal(t, http.StatusBadRequest, postAction(t, server, `{"message":"no action"}`))
	require.Equal(t, http.StatusBadRequest, postAction(t, server, `not json`))
	require.Equal(t, http.StatusRequestEntityTooLarge, postAction(t, server, `{"action":"send_message","message":"`+strings.Repeat("a", maxActionBytes)+`"}`))

	status, _ := getEvents(t, server, "?wait=soon")
	require.Equal(t, http.StatusBadRequest, status)

	resp, err := http.Get(server.URL + "/bridge/actions")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestEventsLongPollTimesOut(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	svc.pollWait = 20 * time.Millisecond
	server := httptest.NewServer(svc.Handler())
	defer server.Close()

	started := time.Now()
	status, events := getEvents(t, server, "")
	require.Equal(t, http.StatusOK, status)
	require.Empty(t, events)
	require.GreaterOrEqual(t, time.Since(started), 20*time.Millisecond)
}

func TestEventsWaitAcceptsDurations(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	server := httptest.NewServer(svc.Handler())
	defer server.Close()

	started := time.Now()
	status, events := getEvents(t, server, "?wait=50ms")
	require.Equal(t, http.StatusOK, status)
	require.Empty(t, events)
	elapsed := time.Since(started)
	require.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	require.Less(t, elapsed, 5*time.Second)

	status, _ = getEvents(t, server, "?wait=-1s")
	require.Equal(t, http.StatusBadRequest, status)
}

func TestParseWait(t *testing.T) {
	tests := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{raw: "0", want: 0},
		{raw: "3", want: 3 * time.Second},
		{raw: "250ms", want: 250 * time.Millisecond},
		{raw: "1m", want: time.Minute},
		{raw: "-2", wantErr: true},
		{raw: "soon", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := parseWait(tt.raw)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestReadyzFollowsBootstrap(t *testing.T) {
	svc, orch, _ := newTestService(t, nil)
	server := httptest.NewServer(svc.Handler())
	defer server.Close()

	readyStatus := func() (int, statusResponse) {
		resp, err := http.Get(server.URL + "/readyz")
		require.NoError(t, err)
		defer resp.Body.Close()

		var body statusResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		return resp.StatusCode, body
	}

	code, body := readyStatus()
	require.Equal(t, http.StatusServiceUnavailable, code)
	require.Equal(t, "not_ready", body.Status)
	require.Equal(t, "bootstrapping", body.Stage)

	require.NoError(t, orch.Bootstrap(context.Background()))

	code, body = readyStatus()
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "ready", body.Status)
	require.Equal(t, "idle", body.Stage)

	resp, err := http.Get(server.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestEventsUnavailableWithFrontend(t *testing.T) {
	svc, orch, _ := newTestService(t, &scriptedAdapter{name: "telegram", done: make(chan struct{})})
	server := httptest.NewServer(svc.Handler())
	defer server.Close()

	status, _ := getEvents(t, server, "?wait=0")
	require.Equal(t, http.StatusConflict, status)

	require.NoError(t, orch.Bootstrap(context.Background()))
	require.False(t, svc.isReady(), "frontend is not running yet")

	svc.setFrontendState(true, nil)
	require.True(t, svc.isReady())
}
