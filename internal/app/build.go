package app

import (
	"context"
	"fmt"

	"github.com/lioravni/stillpoint/internal/config"
	"github.com/lioravni/stillpoint/internal/httpapi"
	"github.com/lioravni/stillpoint/internal/live"
	"github.com/lioravni/stillpoint/internal/meditation"
	"github.com/lioravni/stillpoint/internal/observability"
	"github.com/lioravni/stillpoint/internal/session"
	"github.com/lioravni/stillpoint/internal/store"
	"github.com/lioravni/stillpoint/internal/tts"
	"github.com/lioravni/stillpoint/internal/voice"
)

type BuildResult struct {
	Config      config.Config
	API         *httpapi.Server
	Sessions    *session.Manager
	Store       store.Store
	Metrics     *observability.Metrics
	Synthesizer tts.Synthesizer
	Meditations meditation.Generator

	// Cleanup should be called on shutdown to release external resources.
	Cleanup func() error
}

// Build wires the whole service: persistence, realtime transport, speech
// synthesis, the session registry and the HTTP surface.
func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	st, err := store.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("store init failed: %w", err)
	}

	client := live.NewGeminiClient(live.GeminiConfig{
		APIKey:            cfg.GeminiAPIKey,
		RESTBase:          cfg.GeminiRESTBase,
		WSBase:            cfg.GeminiWSBase,
		Model:             cfg.GeminiModel,
		Voice:             cfg.GeminiVoice,
		TokenTTL:          cfg.GeminiTokenTTL,
		StyleInstructions: cfg.StyleInstructions,
	})

	synth := tts.NewGeminiSynthesizer(tts.GeminiConfig{
		APIKey:   cfg.GeminiAPIKey,
		RESTBase: cfg.GeminiRESTBase,
		Model:    cfg.TTSModel,
		Voice:    cfg.GeminiVoice,
	})

	meditations := meditation.NewGeminiGenerator(meditation.GeminiConfig{
		APIKey:   cfg.GeminiAPIKey,
		RESTBase: cfg.GeminiRESTBase,
	}, synth)

	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	sessions.SetExpireHook(func(_ *session.Session) {
		metrics.SessionEvents.WithLabelValues("expired").Inc()
	})

	controllerCfg := voice.Config{
		FlushSettleMargin:       cfg.FlushSettleMargin,
		PollInterval:            cfg.BilateralPollInterval,
		ChunkGapThreshold:       cfg.ChunkGapThreshold,
		DrainMargin:             cfg.DrainMargin,
		BilateralDuration:       cfg.BilateralDuration,
		ReminderFirstOffset:     cfg.ReminderFirstOffset,
		ReminderSecondOffset:    cfg.ReminderSecondOffset,
		FallbackDelay:           cfg.BilateralFallbackDelay,
		TriggerPhrases:          cfg.BilateralTriggerPhrases,
		FallbackReminderFirst:   cfg.FallbackReminderFirst,
		FallbackReminderSecond:  cfg.FallbackReminderSecond,
		MeditationTrailingPause: cfg.MeditationTrailingPause,
	}
	deps := voice.Deps{
		Tokens:    client,
		Transport: client,
		Synth:     synth,
		Sessions:  sessions,
		Store:     st,
		Metrics:   metrics,
	}
	factory := func(sessionID string, emit func(any)) httpapi.Controller {
		return voice.NewController(controllerCfg, deps, sessionID, emit)
	}

	api := httpapi.New(cfg, sessions, st, metrics, factory, meditations)

	return &BuildResult{
		Config:      cfg,
		API:         api,
		Sessions:    sessions,
		Store:       st,
		Metrics:     metrics,
		Synthesizer: synth,
		Meditations: meditations,
		Cleanup: func() error {
			return st.Close()
		},
	}, nil
}
