package live

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lioravni/stillpoint/internal/reliability"
)

// Function names declared in the session token constraints.
const (
	ToolStartBilateral  = "start_bilateral_animation"
	ToolStartMeditation = "start_meditation"
)

const defaultTokenTTL = 30 * time.Minute

// Retry budget for transient auth-token endpoint failures. Kept small so a
// connect attempt fails fast enough for the UI retry affordance.
const (
	tokenMaxAttempts = 3
	tokenRetryBase   = 200 * time.Millisecond
	tokenRetryCap    = 2 * time.Second
)

type GeminiConfig struct {
	APIKey     string
	RESTBase   string
	WSBase     string
	Model      string
	Voice      string
	TokenTTL   time.Duration
	HTTPClient *http.Client

	// StyleInstructions maps a communication style to the opaque system
	// instruction locked into the session token.
	StyleInstructions map[string]string
}

// GeminiClient issues ephemeral session tokens and opens live websocket
// sessions against the Gemini realtime API.
type GeminiClient struct {
	cfg GeminiConfig
}

func NewGeminiClient(cfg GeminiConfig) *GeminiClient {
	if strings.TrimSpace(cfg.RESTBase) == "" {
		cfg.RESTBase = "https://generativelanguage.googleapis.com"
	}
	if strings.TrimSpace(cfg.WSBase) == "" {
		cfg.WSBase = "wss://generativelanguage.googleapis.com"
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = "gemini-2.5-flash-native-audio-preview-12-2025"
	}
	if strings.TrimSpace(cfg.Voice) == "" {
		cfg.Voice = "Algenib"
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = defaultTokenTTL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &GeminiClient{cfg: cfg}
}

// IssueToken creates a single-use token constrained to the configured
// model, voice, audio modality, in/out transcription and the two declared
// functions. The client config at connect time stays minimal on purpose.
func (c *GeminiClient) IssueToken(ctx context.Context, style string) (string, error) {
	if strings.TrimSpace(c.cfg.APIKey) == "" {
		return "", fmt.Errorf("gemini api key is not configured")
	}

	instruction := c.cfg.StyleInstructions[strings.TrimSpace(style)]
	now := time.Now().UTC()
	body := map[string]any{
		"uses":                 1,
		"expireTime":           now.Add(c.cfg.TokenTTL).Format(time.RFC3339),
		"newSessionExpireTime": now.Add(2 * time.Minute).Format(time.RFC3339),
		"liveConnectConstraints": map[string]any{
			"model": c.cfg.Model,
			"config": map[string]any{
				"responseModalities": []string{"AUDIO"},
				"systemInstruction":  instruction,
				"speechConfig": map[string]any{
					"voiceConfig": map[string]any{
						"prebuiltVoiceConfig": map[string]any{"voiceName": c.cfg.Voice},
					},
				},
				"inputAudioTranscription":  map[string]any{},
				"outputAudioTranscription": map[string]any{},
				"tools": []map[string]any{{
					"functionDeclarations": functionDeclarations(),
				}},
			},
		},
		"httpOptions": map[string]any{"apiVersion": "v1alpha"},
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal token request: %w", err)
	}

	url := strings.TrimRight(c.cfg.RESTBase, "/") + "/v1alpha/auth_tokens"

	var resp *http.Response
	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return "", fmt.Errorf("new token request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("x-goog-api-key", c.cfg.APIKey)

		resp, err = c.cfg.HTTPClient.Do(req)
		if err != nil {
			return "", fmt.Errorf("token request: %w", err)
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			break
		}

		limited, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		if attempt >= tokenMaxAttempts-1 || !reliability.IsRetryableHTTPStatus(resp.StatusCode) {
			return "", fmt.Errorf("auth token endpoint: status=%d body=%s", resp.StatusCode, string(limited))
		}
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("token request: %w", ctx.Err())
		case <-time.After(reliability.ExponentialBackoff(attempt, tokenRetryBase, tokenRetryCap)):
		}
	}
	defer resp.Body.Close()

	var out struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if strings.TrimSpace(out.Name) == "" {
		return "", fmt.Errorf("auth token endpoint returned empty token")
	}
	return out.Name, nil
}

func functionDeclarations() []map[string]any {
	return []map[string]any{
		{
			"name":        ToolStartBilateral,
			"description": "Start the 35 second bilateral eye movement exercise. Call this when it is time for the bilateral stimulation step.",
			"parameters": map[string]any{
				"type": "OBJECT",
				"properties": map[string]any{
					"reminder_5s": map[string]any{
						"type":        "STRING",
						"description": "Short reminder to say 5 seconds into the exercise",
					},
					"reminder_18s": map[string]any{
						"type":        "STRING",
						"description": "Short reminder to say 18 seconds into the exercise",
					},
				},
			},
		},
		{
			"name":        ToolStartMeditation,
			"description": "Start generating a personalized guided meditation. Call this when the user agrees to receive one.",
			"parameters": map[string]any{
				"type": "OBJECT",
				"properties": map[string]any{
					"emotion": map[string]any{
						"type":        "STRING",
						"description": "The original emotion that was processed",
					},
					"new_perspective": map[string]any{
						"type":        "STRING",
						"description": "The new perspective gained from the process",
					},
					"insight": map[string]any{
						"type":        "STRING",
						"description": "The key insight from the process",
					},
				},
			},
		},
	}
}

// Connect opens the live websocket using an ephemeral token and starts the
// read loop. The returned event channel closes when the connection ends.
func (c *GeminiClient) Connect(ctx context.Context, token string) (Stream, <-chan Event, error) {
	if strings.TrimSpace(token) == "" {
		return nil, nil, fmt.Errorf("empty session token")
	}

	url := strings.TrimRight(c.cfg.WSBase, "/") +
		"/ws/google.ai.generativelanguage.v1alpha.GenerativeService.BidiGenerateContent?access_token=" + token
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("dial live websocket: %w", err)
	}

	// Voice, system instruction and tools are locked in the token
	// constraints; the setup message stays minimal.
	setup := map[string]any{
		"setup": map[string]any{
			"model":            "models/" + c.cfg.Model,
			"generationConfig": map[string]any{"responseModalities": []string{"AUDIO"}},
		},
	}
	if err := conn.WriteJSON(setup); err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("send live setup: %w", err)
	}

	events := make(chan Event, 256)
	s := &geminiStream{conn: conn, events: events}
	go s.readLoop()
	return s, events, nil
}

type geminiStream struct {
	writeMu sync.Mutex
	conn    *websocket.Conn

	mu     sync.Mutex
	closed bool
	events chan Event
}

func (s *geminiStream) SendAudio(_ context.Context, pcmBase64 string, sampleRate int) error {
	if strings.TrimSpace(pcmBase64) == "" {
		return nil
	}
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	return s.writeJSON(map[string]any{
		"realtimeInput": map[string]any{
			"audio": map[string]any{
				"data":     pcmBase64,
				"mimeType": fmt.Sprintf("audio/pcm;rate=%d", sampleRate),
			},
		},
	})
}

func (s *geminiStream) SendClientContent(_ context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	return s.writeJSON(map[string]any{
		"clientContent": map[string]any{
			"turns": []map[string]any{{
				"role":  "user",
				"parts": []map[string]any{{"text": text}},
			}},
			"turnComplete": true,
		},
	})
}

func (s *geminiStream) SendToolResponse(_ context.Context, id, name string, response map[string]any) error {
	return s.writeJSON(map[string]any{
		"toolResponse": map[string]any{
			"functionResponses": []map[string]any{{
				"id":       id,
				"name":     name,
				"response": response,
			}},
		},
	})
}

func (s *geminiStream) writeJSON(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.conn.WriteJSON(v)
}

func (s *geminiStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.conn.Close()
}

func (s *geminiStream) readLoop() {
	defer func() {
		s.emit(Event{Type: EventClosed})
		s.mu.Lock()
		closed := s.closed
		s.closed = true
		s.mu.Unlock()
		if !closed {
			_ = s.conn.Close()
		}
		close(s.events)
	}()

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if !closed {
				s.emit(Event{
					Type:      EventError,
					Code:      "live_read_failed",
					Detail:    err.Error(),
					Retryable: false,
				})
			}
			return
		}
		for _, evt := range parseServerMessage(raw) {
			s.emit(evt)
		}
	}
}

func (s *geminiStream) emit(evt Event) {
	select {
	case s.events <- evt:
	default:
		// Inbound queue saturated; drop rather than block the read loop.
	}
}

// Wire shapes of the live server message, reduced to the parts this
// service consumes.
type serverMessage struct {
	ServerContent        *serverContent        `json:"serverContent"`
	ToolCall             *toolCallMessage      `json:"toolCall"`
	ToolCallCancellation *toolCallCancellation `json:"toolCallCancellation"`
}

type serverContent struct {
	ModelTurn           *modelTurn     `json:"modelTurn"`
	TurnComplete        bool           `json:"turnComplete"`
	InputTranscription  *transcription `json:"inputTranscription"`
	OutputTranscription *transcription `json:"outputTranscription"`
}

type modelTurn struct {
	Parts []contentPart `json:"parts"`
}

type contentPart struct {
	InlineData *inlineData `json:"inlineData"`
	Text       string      `json:"text"`
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type transcription struct {
	Text string `json:"text"`
}

type toolCallMessage struct {
	FunctionCalls []functionCall `json:"functionCalls"`
}

type functionCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

type toolCallCancellation struct {
	IDs []string `json:"ids"`
}

// parseServerMessage flattens one wire message into zero or more events,
// preserving the arrival order of audio parts.
func parseServerMessage(raw []byte) []Event {
	var msg serverMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return []Event{{
			Type:   EventError,
			Code:   CodeMalformedMessage,
			Detail: err.Error(),
		}}
	}

	var out []Event
	if sc := msg.ServerContent; sc != nil {
		if sc.ModelTurn != nil {
			for _, part := range sc.ModelTurn.Parts {
				if part.InlineData != nil && part.InlineData.Data != "" {
					out = append(out, Event{Type: EventAudioChunk, AudioBase64: part.InlineData.Data})
				}
			}
		}
		if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
			out = append(out, Event{Type: EventInputTranscription, Text: sc.InputTranscription.Text})
		}
		if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
			out = append(out, Event{Type: EventOutputTranscription, Text: sc.OutputTranscription.Text})
		}
		if sc.TurnComplete {
			out = append(out, Event{Type: EventTurnComplete})
		}
	}
	if msg.ToolCall != nil && len(msg.ToolCall.FunctionCalls) > 0 {
		calls := make([]ToolCall, 0, len(msg.ToolCall.FunctionCalls))
		for _, fc := range msg.ToolCall.FunctionCalls {
			calls = append(calls, ToolCall{ID: fc.ID, Name: fc.Name, Args: fc.Args})
		}
		out = append(out, Event{Type: EventToolCall, ToolCalls: calls})
	}
	if msg.ToolCallCancellation != nil && len(msg.ToolCallCancellation.IDs) > 0 {
		out = append(out, Event{Type: EventToolCancellation, CancelledIDs: msg.ToolCallCancellation.IDs})
	}
	return out
}
