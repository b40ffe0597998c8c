// Package app assembles the service: storage, collaborator clients, the
// session registry, and per-connection voice controllers.
package app

import (
	"context"
	"fmt"
	"log"

	"github.com/smartlyte-ai/voicekit/internal/audio"
	"github.com/smartlyte-ai/voicekit/internal/chat"
	"github.com/smartlyte-ai/voicekit/internal/config"
	"github.com/smartlyte-ai/voicekit/internal/observability"
	"github.com/smartlyte-ai/voicekit/internal/session"
	"github.com/smartlyte-ai/voicekit/internal/speech"
	"github.com/smartlyte-ai/voicekit/internal/store"
	"github.com/smartlyte-ai/voicekit/internal/voicesession"
)

// App owns the long-lived service components.
type App struct {
	Cfg      config.Config
	Sessions *session.Manager
	Store    store.Store
	Chat     chat.Client
	Metrics  *observability.Metrics

	transcriber *speech.TranscriptionClient
}

// Build constructs the app from configuration. The returned cleanup
// releases storage resources; call it on shutdown.
func Build(ctx context.Context, cfg config.Config) (*App, func(), error) {
	st, err := store.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("build store: %w", err)
	}
	if cfg.DatabaseURL == "" {
		log.Printf("no DATABASE_URL configured, using in-memory store")
	}

	chatClient, err := chat.New(chat.Config{URL: cfg.ChatURL, APIKey: cfg.SpeechAPIKey})
	if err != nil {
		st.Close()
		return nil, nil, fmt.Errorf("build chat client: %w", err)
	}

	a := &App{
		Cfg:         cfg,
		Sessions:    session.NewManager(cfg.SessionInactivityTimeout, cfg.SessionMaxDuration),
		Store:       st,
		Chat:        chatClient,
		Metrics:     observability.NewMetrics(cfg.MetricsNamespace),
		transcriber: speech.NewTranscriptionClient(cfg.TranscribeURL, cfg.SpeechAPIKey, cfg.SpeechTimeout),
	}

	a.Sessions.SetExpireHook(func(s *session.Session) {
		a.Metrics.SessionEvents.WithLabelValues("expired").Inc()
		a.Metrics.ActiveSessions.Set(float64(a.Sessions.ActiveCount()))
		log.Printf("session %s expired", s.ID)
	})

	cleanup := func() {
		if err := st.Close(); err != nil {
			log.Printf("close store: %v", err)
		}
	}
	return a, cleanup, nil
}

// DefaultVoice returns the voice configuration for users with no stored
// preferences.
func (a *App) DefaultVoice() config.VoiceConfig {
	return config.DefaultVoiceConfig(a.Cfg.DefaultProvider, a.Cfg.DefaultVoiceID, a.Cfg.DefaultLanguage)
}

// VoiceForUser loads stored preferences, falling back to the default.
func (a *App) VoiceForUser(ctx context.Context, userID string) config.VoiceConfig {
	if userID == "" {
		return a.DefaultVoice()
	}
	prefs, err := a.Store.GetPreferences(ctx, userID)
	if err != nil {
		return a.DefaultVoice()
	}
	if err := prefs.Validate(); err != nil {
		return a.DefaultVoice()
	}
	return prefs
}

// NewController assembles a voice controller for one connection. The sink
// and mic belong to the connection; the controller takes ownership of the
// device and capture managers built around them.
func (a *App) NewController(sess *session.Session, sink audio.OutputSink, mic audio.InputDevice, listener voicesession.Listener) (*voicesession.Controller, error) {
	devices := audio.NewDeviceManager(sink, audio.DeviceManagerOptions{
		MaxConcurrentSources: a.Cfg.MaxConcurrentAudio,
		Visualization:        sess.Voice.VisualizationEnabled,
	})
	if err := devices.Initialize(context.Background()); err != nil {
		return nil, err
	}

	var capture *audio.CaptureManager
	if mic != nil {
		capture = audio.NewCaptureManager(mic)
	}

	synth := speech.NewSynthesisClient(a.Cfg.SynthesizeURL, a.Cfg.SpeechAPIKey, a.Cfg.SpeechTimeout, a.Cfg.SynthesisRetries)

	return voicesession.NewController(voicesession.Options{
		SessionID:         sess.ID,
		UserID:            sess.UserID,
		Voice:             sess.Voice,
		AutoSendThreshold: a.Cfg.AutoSendThreshold,
		MaxDuration:       a.Cfg.SessionMaxDuration,
		Devices:           devices,
		Capture:           capture,
		Transcriber:       a.transcriber,
		Synthesizer:       synth,
		Chat:              a.Chat,
		Analytics:         voicesession.NewAnalytics(a.Store, sess.ID),
		Listener:          listener,
	})
}
