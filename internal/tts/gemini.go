package tts

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lioravni/stillpoint/internal/audio"
	"github.com/lioravni/stillpoint/internal/reliability"
)

// Retry budget for transient endpoint failures. Reminder prefetches run
// well ahead of their play slots, so a couple of backoffs fit the window.
const (
	maxAttempts = 3
	retryBase   = 200 * time.Millisecond
	retryCap    = 2 * time.Second
)

type GeminiConfig struct {
	APIKey   string
	RESTBase string
	Model    string
	Voice    string

	HTTPClient *http.Client
}

// GeminiSynthesizer calls the Gemini generateContent endpoint in audio-only
// mode and wraps the returned PCM in a WAV container.
type GeminiSynthesizer struct {
	cfg GeminiConfig
}

func NewGeminiSynthesizer(cfg GeminiConfig) *GeminiSynthesizer {
	if strings.TrimSpace(cfg.RESTBase) == "" {
		cfg.RESTBase = "https://generativelanguage.googleapis.com"
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = "gemini-2.5-flash-preview-tts"
	}
	if strings.TrimSpace(cfg.Voice) == "" {
		cfg.Voice = "Algenib"
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 20 * time.Second}
	}
	return &GeminiSynthesizer{cfg: cfg}
}

func (s *GeminiSynthesizer) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if strings.TrimSpace(s.cfg.APIKey) == "" {
		return nil, fmt.Errorf("gemini tts: api key is required")
	}
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("gemini tts: empty text")
	}

	body := map[string]any{
		"contents": []map[string]any{
			{"parts": []map[string]any{{"text": text}}},
		},
		"generationConfig": map[string]any{
			"responseModalities": []string{"AUDIO"},
			"speechConfig": map[string]any{
				"voiceConfig": map[string]any{
					"prebuiltVoiceConfig": map[string]any{"voiceName": s.cfg.Voice},
				},
			},
		},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("gemini tts: marshal request: %w", err)
	}

	endpoint := strings.TrimRight(s.cfg.RESTBase, "/") + "/v1beta/models/" + url.PathEscape(s.cfg.Model) + ":generateContent"

	var resp *http.Response
	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("gemini tts: build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("x-goog-api-key", s.cfg.APIKey)

		resp, err = s.cfg.HTTPClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("gemini tts: %w", err)
		}
		if resp.StatusCode == http.StatusOK {
			break
		}

		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		resp.Body.Close()
		if attempt >= maxAttempts-1 || !reliability.IsRetryableHTTPStatus(resp.StatusCode) {
			return nil, fmt.Errorf("gemini tts: status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("gemini tts: %w", ctx.Err())
		case <-time.After(reliability.ExponentialBackoff(attempt, retryBase, retryCap)):
		}
	}
	defer resp.Body.Close()

	var out struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					InlineData struct {
						MimeType string `json:"mimeType"`
						Data     string `json:"data"`
					} `json:"inlineData"`
				} `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("gemini tts: decode response: %w", err)
	}

	for _, cand := range out.Candidates {
		for _, part := range cand.Content.Parts {
			if part.InlineData.Data == "" {
				continue
			}
			pcm, err := base64.StdEncoding.DecodeString(part.InlineData.Data)
			if err != nil {
				return nil, fmt.Errorf("gemini tts: decode audio: %w", err)
			}
			return audio.EncodeWAVPCM16LE(pcm, audio.PlaybackSampleRate)
		}
	}
	return nil, fmt.Errorf("gemini tts: response carried no audio")
}
