package live

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestParseServerMessageAudioParts(t *testing.T) {
	raw := []byte(`{"serverContent":{"modelTurn":{"parts":[
		{"inlineData":{"mimeType":"audio/pcm;rate=24000","data":"AAAA"}},
		{"inlineData":{"mimeType":"audio/pcm;rate=24000","data":"BBBB"}}
	]}}}`)
	events := parseServerMessage(raw)
	if len(events) != 2 {
		t.Fatalf("len(events) = %d, want 2", len(events))
	}
	if events[0].Type != EventAudioChunk || events[0].AudioBase64 != "AAAA" {
		t.Fatalf("events[0] = %+v, want first audio part", events[0])
	}
	if events[1].AudioBase64 != "BBBB" {
		t.Fatalf("events[1] = %+v, audio parts out of order", events[1])
	}
}

func TestParseServerMessageTurnCompleteAfterAudio(t *testing.T) {
	raw := []byte(`{"serverContent":{
		"modelTurn":{"parts":[{"inlineData":{"data":"AAAA"}}]},
		"outputTranscription":{"text":"hello"},
		"turnComplete":true}}`)
	events := parseServerMessage(raw)
	if len(events) != 3 {
		t.Fatalf("len(events) = %d, want 3", len(events))
	}
	if events[0].Type != EventAudioChunk {
		t.Fatalf("events[0].Type = %s, want audio first", events[0].Type)
	}
	if events[1].Type != EventOutputTranscription || events[1].Text != "hello" {
		t.Fatalf("events[1] = %+v", events[1])
	}
	if events[2].Type != EventTurnComplete {
		t.Fatalf("events[2].Type = %s, want turn_complete last", events[2].Type)
	}
}

func TestParseServerMessageToolCall(t *testing.T) {
	raw := []byte(`{"toolCall":{"functionCalls":[
		{"id":"fc-1","name":"start_bilateral_animation","args":{"reminder_5s":"A","reminder_18s":"B"}}
	]}}`)
	events := parseServerMessage(raw)
	if len(events) != 1 || events[0].Type != EventToolCall {
		t.Fatalf("events = %+v, want one tool_call", events)
	}
	call := events[0].ToolCalls[0]
	if call.ID != "fc-1" || call.Name != ToolStartBilateral {
		t.Fatalf("call = %+v", call)
	}
	if call.Args["reminder_5s"] != "A" {
		t.Fatalf("args = %+v", call.Args)
	}
}

func TestParseServerMessageCancellation(t *testing.T) {
	events := parseServerMessage([]byte(`{"toolCallCancellation":{"ids":["fc-1","fc-2"]}}`))
	if len(events) != 1 || events[0].Type != EventToolCancellation {
		t.Fatalf("events = %+v, want one tool_cancellation", events)
	}
	if len(events[0].CancelledIDs) != 2 {
		t.Fatalf("CancelledIDs = %v", events[0].CancelledIDs)
	}
}

func TestParseServerMessageMalformed(t *testing.T) {
	events := parseServerMessage([]byte(`{not json`))
	if len(events) != 1 || events[0].Type != EventError {
		t.Fatalf("events = %+v, want one error event", events)
	}
	if events[0].Code != "malformed_server_message" {
		t.Fatalf("Code = %q", events[0].Code)
	}
}

func TestParseServerMessageEmpty(t *testing.T) {
	if events := parseServerMessage([]byte(`{}`)); len(events) != 0 {
		t.Fatalf("events = %+v, want none", events)
	}
}

func TestIssueTokenConstraints(t *testing.T) {
	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1alpha/auth_tokens" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if r.Header.Get("x-goog-api-key") != "test-key" {
			t.Errorf("missing api key header")
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"name": "auth_tokens/abc"})
	}))
	defer srv.Close()

	client := NewGeminiClient(GeminiConfig{
		APIKey:            "test-key",
		RESTBase:          srv.URL,
		StyleInstructions: map[string]string{"sensitive": "be gentle"},
	})
	token, err := client.IssueToken(context.Background(), "sensitive")
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	if token != "auth_tokens/abc" {
		t.Fatalf("token = %q", token)
	}

	if captured["uses"] != float64(1) {
		t.Fatalf("uses = %v, want 1", captured["uses"])
	}
	constraints, _ := captured["liveConnectConstraints"].(map[string]any)
	if constraints == nil {
		t.Fatalf("missing liveConnectConstraints")
	}
	cfg, _ := constraints["config"].(map[string]any)
	if cfg["systemInstruction"] != "be gentle" {
		t.Fatalf("systemInstruction = %v", cfg["systemInstruction"])
	}
	tools, _ := cfg["tools"].([]any)
	if len(tools) != 1 {
		t.Fatalf("tools = %v", tools)
	}
	decls, _ := tools[0].(map[string]any)["functionDeclarations"].([]any)
	if len(decls) != 2 {
		t.Fatalf("functionDeclarations count = %d, want 2", len(decls))
	}
	names := []string{
		decls[0].(map[string]any)["name"].(string),
		decls[1].(map[string]any)["name"].(string),
	}
	got := strings.Join(names, ",")
	if got != ToolStartBilateral+","+ToolStartMeditation {
		t.Fatalf("declared functions = %s", got)
	}
}

func TestIssueTokenRequiresAPIKey(t *testing.T) {
	client := NewGeminiClient(GeminiConfig{})
	if _, err := client.IssueToken(context.Background(), "practical"); err == nil {
		t.Fatalf("IssueToken() error = nil, want missing key error")
	}
}

func TestIssueTokenUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	client := NewGeminiClient(GeminiConfig{APIKey: "k", RESTBase: srv.URL})
	if _, err := client.IssueToken(context.Background(), "practical"); err == nil {
		t.Fatalf("IssueToken() error = nil, want status error")
	}
}

func TestIssueTokenRetriesTransientStatus(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		if calls == 1 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"name": "auth_tokens/retry"})
	}))
	defer srv.Close()

	client := NewGeminiClient(GeminiConfig{APIKey: "k", RESTBase: srv.URL})
	token, err := client.IssueToken(context.Background(), "practical")
	if err != nil {
		t.Fatalf("IssueToken() after transient failure = %v", err)
	}
	if token != "auth_tokens/retry" {
		t.Fatalf("token = %q", token)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2 (one 503 then success)", calls)
	}
}
