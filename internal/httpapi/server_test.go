package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/siryox/socketwss/internal/admission"
	"github.com/siryox/socketwss/internal/observability"
	"github.com/siryox/socketwss/internal/protocol"
	"github.com/siryox/socketwss/internal/registry"
	"github.com/siryox/socketwss/internal/scheduler"
	"github.com/siryox/socketwss/internal/tasks"
)

type stubAPI struct {
	mu            sync.Mutex
	subscribeErr  error
	executeErr    error
	executeResult json.RawMessage
	unsubscribes  int
}

func (a *stubAPI) Subscribe(ctx context.Context, apiURL, service, clientID, token string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.subscribeErr
}

func (a *stubAPI) Unsubscribe(ctx context.Context, apiURL, clientID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.unsubscribes++
	return nil
}

func (a *stubAPI) Execute(ctx context.Context, method, url string, body json.RawMessage) (json.RawMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.executeErr != nil {
		return nil, a.executeErr
	}
	return a.executeResult, nil
}

func (a *stubAPI) unsubscribeCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.unsubscribes
}

type harness struct {
	srv   *httptest.Server
	api   *stubAPI
	table *tasks.Table
	sched *scheduler.Scheduler
}

func newHarness(t *testing.T, maxPerSource int) *harness {
	t.Helper()
	store, err := tasks.NewFileStore(filepath.Join(t.TempDir(), "tasks.json"))
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	metrics := observability.NewMetrics("test")
	// The websocket handler persists a snapshot into the TempDir during its
	// deferred teardown; wait for every handler to finish (the active
	// connection gauge is decremented last) before TempDir cleanup runs.
	t.Cleanup(func() {
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if testutil.ToFloat64(metrics.ActiveConnections) == 0 {
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	})
	table := tasks.NewTable()
	conns := registry.New()
	api := &stubAPI{}
	sched := scheduler.New(
		scheduler.Config{PollInterval: 50 * time.Millisecond, DefaultExecutions: 1},
		table, store, conns, api, zerolog.Nop(), metrics,
	)
	admit := admission.NewController(admission.Config{MaxPerSource: maxPerSource}, zerolog.Nop(), metrics)
	server := New(sched, conns, admit, zerolog.Nop(), metrics)

	ts := httptest.NewServer(server.Router())
	t.Cleanup(ts.Close)
	return &harness{srv: ts, api: api, table: table, sched: sched}
}

func (h *harness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readResponse(t *testing.T, ws *websocket.Conn) protocol.Response {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var resp protocol.Response
	if err := ws.ReadJSON(&resp); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	return resp
}

func TestWebSocketWelcomeAndSubscribe(t *testing.T) {
	h := newHarness(t, 5)
	ws := h.dial(t)

	welcome := readResponse(t, ws)
	if welcome.Status != protocol.StatusInfo {
		t.Fatalf("welcome status = %q, want info", welcome.Status)
	}

	req := `{"operation":"subscribe","service":"precio_btc","api_url":"https://api.example.com","token":"tk"}`
	if err := ws.WriteMessage(websocket.TextMessage, []byte(req)); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	resp := readResponse(t, ws)
	if resp.Status != protocol.StatusSuccess || resp.TaskID == "" {
		t.Fatalf("subscribe response = %+v, want success with task_id", resp)
	}

	// Same service again on the same connection is reported, not duplicated.
	if err := ws.WriteMessage(websocket.TextMessage, []byte(req)); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	resp = readResponse(t, ws)
	if resp.Status != protocol.StatusInfo {
		t.Fatalf("duplicate subscribe response = %+v, want info", resp)
	}
	if got := h.table.Len(); got != 1 {
		t.Fatalf("table length = %d, want 1", got)
	}
}

func TestWebSocketSubscribeRemoteFailure(t *testing.T) {
	h := newHarness(t, 5)
	h.api.subscribeErr = errors.New("401 unauthorized")
	ws := h.dial(t)
	readResponse(t, ws) // welcome

	req := `{"operation":"subscribe","service":"x","api_url":"https://api.example.com"}`
	if err := ws.WriteMessage(websocket.TextMessage, []byte(req)); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	resp := readResponse(t, ws)
	if resp.Status != protocol.StatusError {
		t.Fatalf("response = %+v, want error", resp)
	}
	if got := h.table.Len(); got != 0 {
		t.Fatalf("table length = %d, want 0 after rejected subscribe", got)
	}
}

func TestWebSocketMalformedMessage(t *testing.T) {
	h := newHarness(t, 5)
	ws := h.dial(t)
	readResponse(t, ws) // welcome

	if err := ws.WriteMessage(websocket.TextMessage, []byte(`{not json`)); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	resp := readResponse(t, ws)
	if resp.Status != protocol.StatusError || resp.Message != "Error en el formato del mensaje JSON." {
		t.Fatalf("response = %+v, want format error", resp)
	}
}

func TestWebSocketOneShotExecute(t *testing.T) {
	h := newHarness(t, 5)
	h.api.executeResult = json.RawMessage(`{"ok":true}`)
	ws := h.dial(t)
	readResponse(t, ws) // welcome

	req := `{"url_api_destino":"https://api.example.com/items","metodo_peticion":"POST","body_peticion":{"a":1}}`
	if err := ws.WriteMessage(websocket.TextMessage, []byte(req)); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	resp := readResponse(t, ws)
	if resp.Status != protocol.StatusSuccess {
		t.Fatalf("response = %+v, want success", resp)
	}
	if string(resp.Data) != `{"ok":true}` {
		t.Fatalf("Data = %s", resp.Data)
	}
}

func TestWebSocketStreamLifecycle(t *testing.T) {
	h := newHarness(t, 5)
	h.api.executeResult = json.RawMessage(`{"tick":1}`)
	ws := h.dial(t)
	readResponse(t, ws) // welcome

	req := `{"url_api_destino":"https://api.example.com/poll","continuo":true,"interval":60000,"ejecutandose_hasta_cierre":true}`
	if err := ws.WriteMessage(websocket.TextMessage, []byte(req)); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	started := readResponse(t, ws)
	if started.Status != protocol.StatusStreamStarted || started.StreamID == "" {
		t.Fatalf("response = %+v, want stream_started with stream_id", started)
	}

	stop := `{"operation":"stop","stream_id":"` + started.StreamID + `"}`
	if err := ws.WriteMessage(websocket.TextMessage, []byte(stop)); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	stopped := readResponse(t, ws)
	if stopped.Status != protocol.StatusStreamStopped {
		t.Fatalf("response = %+v, want stream_stopped", stopped)
	}

	if err := ws.WriteMessage(websocket.TextMessage, []byte(stop)); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	again := readResponse(t, ws)
	if again.Status != protocol.StatusStreamNotFound {
		t.Fatalf("response = %+v, want stream_not_found", again)
	}
}

func TestConnectionCapClosesWithPolicyViolation(t *testing.T) {
	h := newHarness(t, 1)

	first := h.dial(t)
	readResponse(t, first) // welcome keeps the slot occupied

	second := h.dial(t)
	_ = second.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := second.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		t.Fatalf("ReadMessage() error = %v, want close frame", err)
	}
	if closeErr.Code != admission.PolicyViolation {
		t.Fatalf("close code = %d, want %d", closeErr.Code, admission.PolicyViolation)
	}
}

func TestDisconnectCleansUpSubscriptions(t *testing.T) {
	h := newHarness(t, 5)
	ws := h.dial(t)
	readResponse(t, ws) // welcome

	req := `{"operation":"subscribe","service":"x","api_url":"https://api.example.com"}`
	if err := ws.WriteMessage(websocket.TextMessage, []byte(req)); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	readResponse(t, ws)
	ws.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.table.Len() == 0 && h.api.unsubscribeCount() == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("tasks = %d, unsubscribes = %d after disconnect; want 0 and 1", h.table.Len(), h.api.unsubscribeCount())
}

func TestWebhookEndpoint(t *testing.T) {
	h := newHarness(t, 5)

	resp, err := http.Post(h.srv.URL+"/webhook", "application/json", strings.NewReader(`{broken`))
	if err != nil {
		t.Fatalf("Post() error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for malformed body", resp.StatusCode)
	}

	// Unknown owners are still acknowledged so the remote stops retrying.
	resp, err = http.Post(h.srv.URL+"/webhook", "application/json",
		strings.NewReader(`{"client_id":"nobody","operation":"receive","data":{"x":1}}`))
	if err != nil {
		t.Fatalf("Post() error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 for unknown owner", resp.StatusCode)
	}

	resp, err = http.Post(h.srv.URL+"/webhook", "application/json", strings.NewReader(`{"operation":"receive"}`))
	if err != nil {
		t.Fatalf("Post() error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for missing client_id", resp.StatusCode)
	}
}

func TestOperationalEndpoints(t *testing.T) {
	h := newHarness(t, 5)

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		resp, err := http.Get(h.srv.URL + path)
		if err != nil {
			t.Fatalf("Get(%s) error = %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("GET %s = %d, want 200", path, resp.StatusCode)
		}
	}
}
