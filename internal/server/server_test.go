package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/skypro1111/voice-bridge-service/internal/audio"
	"github.com/skypro1111/voice-bridge-service/internal/config"
	"github.com/skypro1111/voice-bridge-service/internal/metrics"
	"github.com/skypro1111/voice-bridge-service/internal/session"
	"github.com/skypro1111/voice-bridge-service/internal/telephony"
)

// promauto registers on the default registry, so the test binary creates the
// metrics exactly once
var (
	metricsOnce sync.Once
	testMetrics *metrics.Metrics
)

func sharedMetrics() *metrics.Metrics {
	metricsOnce.Do(func() { testMetrics = metrics.NewMetrics() })
	return testMetrics
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(telAPIBase string) *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Port:       8080,
			Address:    "127.0.0.1",
			PublicHost: "bridge.example.com",
			StreamPath: "/ws/agent",
		},
		Audio: config.AudioConfig{
			TelephonySampleRate: 8000,
			AgentInputRate:      16000,
			AgentOutputRate:     16000,
			MinFrameBytes:       100,
		},
		Session: config.SessionConfig{
			KeepaliveInterval: 10,
			AgentDialTimeout:  2,
		},
		Agent: config.AgentConfig{
			URL:     "wss://agent.example.com/conversation",
			AgentID: "agent_test",
		},
		Telephony: config.TelephonyConfig{
			AccountSID: "AC123",
			AuthToken:  "secret-token",
			FromNumber: "+15550100000",
			APIBaseURL: telAPIBase,
			Timeout:    2,
			MaxRetries: 0,
		},
		Logging: config.LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// fakeAgentConn is an in-memory session.Conn for the media-stream tests
type fakeAgentConn struct {
	mu        sync.Mutex
	written   [][]byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeAgentConn() *fakeAgentConn {
	return &fakeAgentConn{closed: make(chan struct{})}
}

func (c *fakeAgentConn) ReadMessage() (int, []byte, error) {
	<-c.closed
	return 0, nil, io.ErrClosedPipe
}

func (c *fakeAgentConn) WriteMessage(messageType int, data []byte) error {
	select {
	case <-c.closed:
		return io.ErrClosedPipe
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	c.written = append(c.written, buf)
	return nil
}

func (c *fakeAgentConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeAgentConn) writes() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.written))
	copy(out, c.written)
	return out
}

type fakeAgentDialer struct {
	conn *fakeAgentConn
}

func (d *fakeAgentDialer) DialAgent(ctx context.Context) (session.Conn, error) {
	return d.conn, nil
}

func newTestServer(telAPIBase string) (*Server, *fakeAgentConn) {
	cfg := testConfig(telAPIBase)
	logger := testLogger()
	agentConn := newFakeAgentConn()

	srv := New(cfg, logger,
		session.NewRegistry(logger),
		&fakeAgentDialer{conn: agentConn},
		audio.NewTranscoder(audio.Config{
			TelephonyRate:   cfg.Audio.TelephonySampleRate,
			AgentInputRate:  cfg.Audio.AgentInputRate,
			AgentOutputRate: cfg.Audio.AgentOutputRate,
			MinFrameBytes:   cfg.Audio.MinFrameBytes,
		}),
		telephony.NewClient(cfg.Telephony, logger),
		sharedMetrics(),
	)
	return srv, agentConn
}

func TestHandleVoice(t *testing.T) {
	srv, _ := newTestServer("http://unused.example.com")

	req := httptest.NewRequest(http.MethodPost, "/voice", nil)
	rec := httptest.NewRecorder()
	srv.handleVoice(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/xml" {
		t.Errorf("Expected application/xml, got %s", ct)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "wss://bridge.example.com/ws/agent") {
		t.Errorf("Expected stream URL in markup, got: %s", body)
	}
}

func TestHandleVoiceRejectsGet(t *testing.T) {
	srv, _ := newTestServer("http://unused.example.com")

	req := httptest.NewRequest(http.MethodGet, "/voice", nil)
	rec := httptest.NewRecorder()
	srv.handleVoice(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405, got %d", rec.Code)
	}
}

func TestHandleCallback(t *testing.T) {
	srv, _ := newTestServer("http://unused.example.com")

	form := url.Values{}
	form.Set("CallSid", "CA42")
	form.Set("CallStatus", "answered")
	req := httptest.NewRequest(http.MethodPost, "/callback", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	srv.handleCallback(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", rec.Code)
	}
}

func TestHandleCall(t *testing.T) {
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(telephony.Call{SID: "CA900", Status: "queued"})
	}))
	defer provider.Close()

	srv, _ := newTestServer(provider.URL)

	req := httptest.NewRequest(http.MethodGet, "/call/+15550100099", nil)
	rec := httptest.NewRecorder()
	srv.handleCall(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var out map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("Response is not valid JSON: %v", err)
	}
	if out["status"] != "calling" || out["sid"] != "CA900" {
		t.Errorf("Unexpected response: %v", out)
	}

	if srv.LastCallSID() != "CA900" {
		t.Errorf("Expected last call sid recorded, got %q", srv.LastCallSID())
	}
}

func TestHandleCallWithoutNumber(t *testing.T) {
	srv, _ := newTestServer("http://unused.example.com")

	req := httptest.NewRequest(http.MethodGet, "/call/", nil)
	rec := httptest.NewRecorder()
	srv.handleCall(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", rec.Code)
	}
}

func TestHandleCallProviderFailure(t *testing.T) {
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer provider.Close()

	srv, _ := newTestServer(provider.URL)

	req := httptest.NewRequest(http.MethodGet, "/call/+15550100099", nil)
	rec := httptest.NewRecorder()
	srv.handleCall(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Errorf("Expected 502, got %d", rec.Code)
	}
}

func TestHandleHealth(t *testing.T) {
	srv, _ := newTestServer("http://unused.example.com")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.handleHealth(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	var health map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
		t.Fatalf("Response is not valid JSON: %v", err)
	}
	if health["status"] != "healthy" {
		t.Errorf("Expected healthy status, got %v", health["status"])
	}
}

func TestHandleSessionsEmpty(t *testing.T) {
	srv, _ := newTestServer("http://unused.example.com")

	req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	rec := httptest.NewRecorder()
	srv.handleSessions(rec, req)

	var out struct {
		TotalSessions int `json:"total_sessions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("Response is not valid JSON: %v", err)
	}
	if out.TotalSessions != 0 {
		t.Errorf("Expected 0 sessions, got %d", out.TotalSessions)
	}
}

func TestHandleSessionDetailNotFound(t *testing.T) {
	srv, _ := newTestServer("http://unused.example.com")

	req := httptest.NewRequest(http.MethodGet, "/sessions/MZ-unknown", nil)
	rec := httptest.NewRecorder()
	srv.handleSessionDetail(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", rec.Code)
	}
}

func TestHandleConfigOmitsCredentials(t *testing.T) {
	srv, _ := newTestServer("http://unused.example.com")

	req := httptest.NewRequest(http.MethodGet, "/config", nil)
	rec := httptest.NewRecorder()
	srv.handleConfig(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	if strings.Contains(body, "secret-token") || strings.Contains(body, "AC123") {
		t.Error("Config endpoint must not expose credentials")
	}
	if !strings.Contains(body, "bridge.example.com") {
		t.Error("Expected non-sensitive config fields in response")
	}
}

func TestHandleRoot(t *testing.T) {
	srv, _ := newTestServer("http://unused.example.com")

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	srv.handleRoot(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/unknown", nil)
	rec = httptest.NewRecorder()
	srv.handleRoot(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown path, got %d", rec.Code)
	}
}

func TestMediaStreamEndToEnd(t *testing.T) {
	srv, agentConn := newTestServer("http://unused.example.com")

	ts := httptest.NewServer(http.HandlerFunc(srv.handleMediaStream))
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Failed to dial media-stream endpoint: %v", err)
	}
	defer conn.Close()

	send := func(msg string) {
		t.Helper()
		if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}

	send(`{"event":"connected"}`)
	send(`{"event":"start","start":{"streamSid":"MZ-e2e","callSid":"CA-e2e"}}`)

	frame := make([]byte, 160)
	send(fmt.Sprintf(`{"event":"media","media":{"payload":"%s"}}`,
		base64.StdEncoding.EncodeToString(frame)))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(agentConn.writes()) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	writes := agentConn.writes()
	if len(writes) == 0 {
		t.Fatal("Agent never received the relayed frame")
	}
	var chunk struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(writes[0], &chunk); err != nil || chunk.Type != "user_audio_chunk" {
		t.Errorf("Expected user_audio_chunk envelope, got: %s", string(writes[0]))
	}

	send(`{"event":"stop"}`)

	// the session drains and the registry empties once the handler returns
	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if srv.registry.ActiveCount() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("Registry never emptied after stop")
}
