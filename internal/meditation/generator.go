package meditation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lioravni/stillpoint/internal/tts"
)

// Request carries the belief-release outcome the narration is built from.
type Request struct {
	OldBelief string
	NewBelief string
	Insight   string
	Style     string
}

// Generator produces one narrated meditation clip (WAV) for a release outcome.
type Generator interface {
	Generate(ctx context.Context, req Request) ([]byte, error)
}

type GeminiConfig struct {
	APIKey   string
	RESTBase string
	Model    string

	HTTPClient *http.Client
}

// GeminiGenerator writes a meditation script with the Gemini text model and
// hands it to a Synthesizer for narration.
type GeminiGenerator struct {
	cfg   GeminiConfig
	voice tts.Synthesizer
}

func NewGeminiGenerator(cfg GeminiConfig, voice tts.Synthesizer) *GeminiGenerator {
	if strings.TrimSpace(cfg.RESTBase) == "" {
		cfg.RESTBase = "https://generativelanguage.googleapis.com"
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = "gemini-2.5-flash"
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &GeminiGenerator{cfg: cfg, voice: voice}
}

func (g *GeminiGenerator) Generate(ctx context.Context, req Request) ([]byte, error) {
	if strings.TrimSpace(req.OldBelief) == "" || strings.TrimSpace(req.NewBelief) == "" {
		return nil, fmt.Errorf("meditation: old and new belief are required")
	}
	script, err := g.writeScript(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("meditation: write script: %w", err)
	}
	clip, err := g.voice.Synthesize(ctx, narrationPrompt(script))
	if err != nil {
		return nil, fmt.Errorf("meditation: narrate script: %w", err)
	}
	return clip, nil
}

func (g *GeminiGenerator) writeScript(ctx context.Context, req Request) (string, error) {
	if strings.TrimSpace(g.cfg.APIKey) == "" {
		return "", fmt.Errorf("api key is required")
	}

	body := map[string]any{
		"contents": []map[string]any{
			{
				"role":  "user",
				"parts": []map[string]any{{"text": scriptPrompt(req)}},
			},
		},
		"generationConfig": map[string]any{
			"thinkingConfig": map[string]any{"thinkingBudget": 0},
		},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", err
	}

	endpoint := strings.TrimRight(g.cfg.RESTBase, "/") + "/v1beta/models/" + url.PathEscape(g.cfg.Model) + ":generateContent"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", g.cfg.APIKey)

	resp, err := g.cfg.HTTPClient.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	var out struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	for _, cand := range out.Candidates {
		for _, part := range cand.Content.Parts {
			if strings.TrimSpace(part.Text) != "" {
				return part.Text, nil
			}
		}
	}
	return "", fmt.Errorf("response carried no script text")
}

func scriptPrompt(req Request) string {
	var b strings.Builder
	b.WriteString("Write a short guided meditation script in Hebrew for a belief-release session.\n")
	fmt.Fprintf(&b, "The belief being released: %s\n", req.OldBelief)
	fmt.Fprintf(&b, "The new belief to anchor: %s\n", req.NewBelief)
	if strings.TrimSpace(req.Insight) != "" {
		fmt.Fprintf(&b, "A personal insight to weave in: %s\n", req.Insight)
	}
	if strings.TrimSpace(req.Style) != "" {
		fmt.Fprintf(&b, "Communication style: %s\n", req.Style)
	}
	b.WriteString("Return only the script text, no headings or stage directions.")
	return b.String()
}

func narrationPrompt(script string) string {
	return "Read the following guided meditation script aloud in Hebrew, in a calm, warm, and soothing therapeutic voice. Speak slowly with gentle pauses:\n\n" + script
}
