package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lioravni/stillpoint/internal/config"
	"github.com/lioravni/stillpoint/internal/meditation"
	"github.com/lioravni/stillpoint/internal/observability"
	"github.com/lioravni/stillpoint/internal/protocol"
	"github.com/lioravni/stillpoint/internal/session"
	"github.com/lioravni/stillpoint/internal/store"
)

type stubController struct {
	mu          sync.Mutex
	emit        func(any)
	connected   bool
	disconnects []string
	micChunks   []protocol.MicAudioChunk
	controls    []protocol.ClientControl
}

func (c *stubController) Connect(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = true
	c.emit(protocol.ConnectionState{Type: protocol.TypeConnectionState, State: "connected"})
	return nil
}

func (c *stubController) Disconnect(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.disconnects = append(c.disconnects, reason)
}

func (c *stubController) HandleMicChunk(_ context.Context, msg protocol.MicAudioChunk) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.micChunks = append(c.micChunks, msg)
	return nil
}

func (c *stubController) HandleControl(_ context.Context, msg protocol.ClientControl) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.controls = append(c.controls, msg)
	return nil
}

type stubGenerator struct{}

func (stubGenerator) Generate(_ context.Context, _ meditation.Request) ([]byte, error) {
	return []byte("RIFF-meditation"), nil
}

func newTestServer(t *testing.T) (*httptest.Server, *session.Manager, *store.InMemoryStore, *stubController) {
	t.Helper()
	cfg := config.Config{
		SessionInactivityTimeout: 2 * time.Minute,
		AllowAnyOrigin:           true,
	}
	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	st := store.NewInMemoryStore()
	ctrl := &stubController{}
	factory := func(sessionID string, emit func(any)) Controller {
		ctrl.mu.Lock()
		ctrl.emit = emit
		ctrl.mu.Unlock()
		return ctrl
	}
	srv := New(cfg, sessions, st, nil, factory, stubGenerator{})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, sessions, st, ctrl
}

func TestCreateAndEndSession(t *testing.T) {
	ts, _, _, _ := newTestServer(t)

	body, _ := json.Marshal(map[string]string{
		"user_id": "user-1",
		"style":   "practical",
		"belief":  "I must be perfect",
	})
	res, err := http.Post(ts.URL+"/v1/sessions", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("create session request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want %d", res.StatusCode, http.StatusCreated)
	}

	var created map[string]any
	if err := json.NewDecoder(res.Body).Decode(&created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	sessionID, _ := created["session_id"].(string)
	if sessionID == "" {
		t.Fatalf("missing session_id in create response: %+v", created)
	}
	if created["phase"] != "emotion_conversation" {
		t.Fatalf("phase = %v, want emotion_conversation", created["phase"])
	}

	endRes, err := http.Post(ts.URL+"/v1/sessions/"+sessionID+"/end", "application/json", bytes.NewReader(nil))
	if err != nil {
		t.Fatalf("end session request error = %v", err)
	}
	defer endRes.Body.Close()
	if endRes.StatusCode != http.StatusOK {
		t.Fatalf("end status = %d, want %d", endRes.StatusCode, http.StatusOK)
	}
}

func TestCreateSessionRejectsUnknownStyle(t *testing.T) {
	ts, _, _, _ := newTestServer(t)

	body, _ := json.Marshal(map[string]string{"style": "sarcastic"})
	res, err := http.Post(ts.URL+"/v1/sessions", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
}

func TestListMessages(t *testing.T) {
	ts, sessions, st, _ := newTestServer(t)
	sess := sessions.Create("user-1", session.StyleSensitive, "")

	for _, content := range []string{"hello", "hi there"} {
		if err := st.SaveMessage(context.Background(), store.Message{
			SessionID: sess.ID, Role: "user", Content: content,
		}); err != nil {
			t.Fatalf("SaveMessage: %v", err)
		}
	}

	res, err := http.Get(ts.URL + "/v1/sessions/" + sess.ID + "/messages?limit=1")
	if err != nil {
		t.Fatalf("request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	var out struct {
		Messages []store.Message `json:"messages"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Messages) != 1 || out.Messages[0].Content != "hi there" {
		t.Fatalf("messages = %+v, want the latest one", out.Messages)
	}

	missing, err := http.Get(ts.URL + "/v1/sessions/nope/messages")
	if err != nil {
		t.Fatalf("request error = %v", err)
	}
	defer missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", missing.StatusCode, http.StatusNotFound)
	}
}

func TestMeditationAudio(t *testing.T) {
	ts, sessions, _, _ := newTestServer(t)
	sess := sessions.Create("user-1", session.StyleSensitive, "I am not enough")

	// No release outcome recorded yet.
	res, err := http.Post(ts.URL+"/v1/sessions/"+sess.ID+"/meditation", "application/json", nil)
	if err != nil {
		t.Fatalf("request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want %d before release outcome", res.StatusCode, http.StatusConflict)
	}

	if _, err := sessions.SetReleaseOutcome(sess.ID, "fear", "I am whole", "inherited"); err != nil {
		t.Fatalf("SetReleaseOutcome: %v", err)
	}

	ready, err := http.Post(ts.URL+"/v1/sessions/"+sess.ID+"/meditation", "application/json", nil)
	if err != nil {
		t.Fatalf("request error = %v", err)
	}
	defer ready.Body.Close()
	if ready.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", ready.StatusCode, http.StatusOK)
	}
	if ct := ready.Header.Get("Content-Type"); ct != "audio/wav" {
		t.Fatalf("content type = %q, want audio/wav", ct)
	}
}

func TestVoiceWSRelaysMessages(t *testing.T) {
	ts, sessions, _, ctrl := newTestServer(t)
	sess := sessions.Create("user-1", session.StyleSensitive, "")

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/voice/ws?session_id=" + sess.ID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	defer conn.Close()

	// The controller connects and pushes a connection_state message.
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var first map[string]any
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read first message: %v", err)
	}
	if first["type"] != "connection_state" || first["state"] != "connected" {
		t.Fatalf("first message = %v", first)
	}

	mic := map[string]any{
		"type":         "mic_audio_chunk",
		"session_id":   sess.ID,
		"pcm16_base64": "AAAA",
		"sample_rate":  16000,
	}
	if err := conn.WriteJSON(mic); err != nil {
		t.Fatalf("write mic chunk: %v", err)
	}
	control := map[string]any{
		"type":       "client_control",
		"session_id": sess.ID,
		"action":     "bilateral_complete",
	}
	if err := conn.WriteJSON(control); err != nil {
		t.Fatalf("write control: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ctrl.mu.Lock()
		done := len(ctrl.micChunks) == 1 && len(ctrl.controls) == 1
		ctrl.mu.Unlock()
		if done {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()
	if len(ctrl.micChunks) != 1 {
		t.Fatalf("mic chunks = %d, want 1", len(ctrl.micChunks))
	}
	if len(ctrl.controls) != 1 || ctrl.controls[0].Action != protocol.ActionBilateralComplete {
		t.Fatalf("controls = %+v", ctrl.controls)
	}
}

func TestVoiceWSRejectsUnknownSession(t *testing.T) {
	ts, _, _, _ := newTestServer(t)

	res, err := http.Get(ts.URL + "/v1/voice/ws?session_id=nope")
	if err != nil {
		t.Fatalf("request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusNotFound)
	}
}

func TestVoiceWSDisconnectsControllerOnClose(t *testing.T) {
	ts, sessions, _, ctrl := newTestServer(t)
	sess := sessions.Create("user-1", session.StyleSensitive, "")

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/voice/ws?session_id=" + sess.ID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ctrl.mu.Lock()
		done := len(ctrl.disconnects) > 0
		ctrl.mu.Unlock()
		if done {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()
	if len(ctrl.disconnects) == 0 {
		t.Fatal("controller was never disconnected after socket close")
	}
	if ctrl.disconnects[0] != "ws_closed" {
		t.Fatalf("disconnect reason = %q, want ws_closed", ctrl.disconnects[0])
	}
}

func TestLatencySnapshotEndpoint(t *testing.T) {
	cfg := config.Config{
		SessionInactivityTimeout: 2 * time.Minute,
		AllowAnyOrigin:           true,
	}
	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	metrics := &observability.Metrics{Latency: observability.NewLatencyWindow(8)}
	metrics.Latency.Observe(observability.StageFirstAudio, 420*time.Millisecond)
	srv := New(cfg, sessions, store.NewInMemoryStore(), metrics, nil, stubGenerator{})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	res, err := http.Get(ts.URL + "/v1/perf/latency")
	if err != nil {
		t.Fatalf("request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var snap observability.LatencySnapshot
	if err := json.NewDecoder(res.Body).Decode(&snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if len(snap.Stages) != 1 {
		t.Fatalf("expected 1 stage, got %d", len(snap.Stages))
	}
	if snap.Stages[0].Stage != observability.StageFirstAudio {
		t.Fatalf("stage = %q, want %q", snap.Stages[0].Stage, observability.StageFirstAudio)
	}
	if snap.Stages[0].LastMS != 420 {
		t.Fatalf("last_ms = %v, want 420", snap.Stages[0].LastMS)
	}
}

func TestLatencySnapshotWithoutMetrics(t *testing.T) {
	ts, _, _, _ := newTestServer(t)

	res, err := http.Get(ts.URL + "/v1/perf/latency")
	if err != nil {
		t.Fatalf("request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	var snap observability.LatencySnapshot
	if err := json.NewDecoder(res.Body).Decode(&snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if len(snap.Stages) != 0 {
		t.Fatalf("expected empty snapshot, got %d stages", len(snap.Stages))
	}
}
