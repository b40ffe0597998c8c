// Package httpapi is the HTTP and websocket surface of the service.
package httpapi

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/smartlyte-ai/voicekit/internal/audio"
	"github.com/smartlyte-ai/voicekit/internal/chat"
	"github.com/smartlyte-ai/voicekit/internal/config"
	"github.com/smartlyte-ai/voicekit/internal/observability"
	"github.com/smartlyte-ai/voicekit/internal/reliability"
	"github.com/smartlyte-ai/voicekit/internal/session"
	"github.com/smartlyte-ai/voicekit/internal/store"
	"github.com/smartlyte-ai/voicekit/internal/voicesession"
)

// Engine builds a voice controller for one websocket connection.
type Engine interface {
	NewController(sess *session.Session, sink audio.OutputSink, mic audio.InputDevice, listener voicesession.Listener) (*voicesession.Controller, error)
}

type Server struct {
	cfg      config.Config
	sessions *session.Manager
	store    store.Store
	chat     chat.Client
	engine   Engine
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
}

func New(cfg config.Config, sessions *session.Manager, st store.Store, chatClient chat.Client, engine Engine, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		store:    st,
		chat:     chatClient,
		engine:   engine,
		metrics:  metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browsers may drive a mic session unless
				// explicitly opened up.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/voice/session", s.handleCreateSession)
	r.Post("/v1/voice/session/{id}/end", s.handleEndSession)
	r.Get("/v1/voice/session/{id}", s.handleGetSession)
	r.Get("/v1/voice/session/ws", s.handleSessionWS)
	r.Get("/v1/voice/preferences/{userID}", s.handleGetPreferences)
	r.Put("/v1/voice/preferences/{userID}", s.handlePutPreferences)
	r.Post("/v1/chat", s.handleChat)
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"store_mode": s.storeMode(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"store_mode":      s.storeMode(),
		"active_sessions": s.sessions.ActiveCount(),
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		req.UserID = "anonymous"
	}

	voice := s.voiceForUser(r, req.UserID)
	if req.Voice != nil {
		if err := req.Voice.Validate(); err != nil {
			respondError(w, http.StatusBadRequest, string(reliability.KindInvalidConfig), err.Error())
			return
		}
		voice = *req.Voice
	}

	sess := s.sessions.Create(req.UserID, voice)
	if err := s.store.CreateSession(r.Context(), store.SessionRecord{ID: sess.ID, UserID: sess.UserID, StartedAt: sess.StartedAt}); err != nil {
		log.Printf("persist session %s: %v", sess.ID, err)
	}
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	s.metrics.SessionEvents.WithLabelValues("created").Inc()

	respondJSON(w, http.StatusCreated, session.CreateResponse{
		SessionID:       sess.ID,
		UserID:          sess.UserID,
		Status:          sess.Status,
		Voice:           sess.Voice,
		StartedAt:       sess.StartedAt,
		LastActivityAt:  sess.LastActivityAt,
		InactivityTTLMS: s.cfg.SessionInactivityTimeout.Milliseconds(),
	})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if strings.TrimSpace(id) == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}

	sess, err := s.sessions.End(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	if err := s.store.EndSession(r.Context(), id, time.Now().UTC()); err != nil && !errors.Is(err, store.ErrNotFound) {
		log.Printf("end session record %s: %v", id, err)
	}
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	s.metrics.SessionEvents.WithLabelValues("ended").Inc()
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := s.sessions.Get(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleGetPreferences(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	prefs, err := s.store.GetPreferences(r.Context(), userID)
	if errors.Is(err, store.ErrNotFound) {
		respondJSON(w, http.StatusOK, s.defaultVoice())
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, prefs)
}

func (s *Server) handlePutPreferences(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	var prefs config.VoiceConfig
	if err := decodeJSON(r, &prefs); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := prefs.Validate(); err != nil {
		respondError(w, http.StatusBadRequest, string(reliability.KindInvalidConfig), err.Error())
		return
	}
	if err := s.store.SavePreferences(r.Context(), userID, prefs); err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, prefs)
}

type chatRequest struct {
	UserID  string              `json:"user_id"`
	Message string              `json:"message"`
	AgentID string              `json:"agent_id,omitempty"`
	History []chat.HistoryEntry `json:"history,omitempty"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "message is required")
		return
	}

	start := time.Now()
	resp, err := s.chat.Chat(r.Context(), chat.Request{
		UserID:  req.UserID,
		Message: req.Message,
		AgentID: req.AgentID,
		History: req.History,
	})
	if err != nil {
		verr := reliability.AsVoiceError(err, reliability.KindNetwork)
		s.metrics.CollaboratorErrors.WithLabelValues("chat", string(verr.Kind)).Inc()
		respondError(w, http.StatusBadGateway, string(verr.Kind), verr.Message)
		return
	}
	s.metrics.ObserveResponseLatency(time.Since(start))
	s.metrics.ObserveStage("send_to_reply", time.Since(start))
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	if s.metrics == nil {
		respondJSON(w, http.StatusOK, map[string]any{
			"generated_at": "",
			"window_size":  0,
			"stages":       []any{},
		})
		return
	}
	respondJSON(w, http.StatusOK, s.metrics.SnapshotStages())
}

func (s *Server) voiceForUser(r *http.Request, userID string) config.VoiceConfig {
	prefs, err := s.store.GetPreferences(r.Context(), userID)
	if err != nil {
		return s.defaultVoice()
	}
	if err := prefs.Validate(); err != nil {
		return s.defaultVoice()
	}
	return prefs
}

func (s *Server) defaultVoice() config.VoiceConfig {
	return config.DefaultVoiceConfig(s.cfg.DefaultProvider, s.cfg.DefaultVoiceID, s.cfg.DefaultLanguage)
}

func (s *Server) storeMode() string {
	if _, ok := s.store.(*store.InMemory); ok {
		return "in-memory"
	}
	return "postgres"
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
