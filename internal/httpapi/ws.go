package httpapi

import (
	"context"
	"encoding/base64"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/smartlyte-ai/voicekit/internal/audio"
	"github.com/smartlyte-ai/voicekit/internal/observability"
	"github.com/smartlyte-ai/voicekit/internal/protocol"
	"github.com/smartlyte-ai/voicekit/internal/voicesession"
)

const (
	wsWriteTimeout  = 10 * time.Second
	wsPongTimeout   = 60 * time.Second
	wsPingInterval  = 20 * time.Second
	wsMaxMessage    = 2 << 20
	wsOutboundDepth = 256
)

// wsSink forwards synthesized audio to the browser as base64 chunks
// instead of a local output device. StopSource is a no-op: the client
// learns about cancellation from the interrupted event.
type wsSink struct {
	sessionID string
	send      func(any)

	mu  sync.Mutex
	seq int
}

func (s *wsSink) StartSource(id string, pcm []byte, sampleRate int, _ float64) error {
	s.mu.Lock()
	s.seq++
	seq := s.seq
	s.mu.Unlock()

	s.send(protocol.AssistantAudioChunk{
		Type:        protocol.TypeAssistantAudio,
		SessionID:   s.sessionID,
		UtteranceID: id,
		Seq:         seq,
		Format:      "pcm16",
		AudioBase64: base64.StdEncoding.EncodeToString(pcm),
		SampleRate:  sampleRate,
	})
	return nil
}

func (s *wsSink) StopSource(string) error { return nil }

// Resume, SetMasterGain, and Close are no-ops: the remote graph has no
// suspended state to wake, gain is rendered client-side, and the
// connection teardown owns the transport.
func (s *wsSink) Resume(context.Context) error { return nil }

func (s *wsSink) SetMasterGain(float64) error { return nil }

func (s *wsSink) Close() error { return nil }

// wsGateway owns one websocket connection and its controller.
type wsGateway struct {
	sessionID string
	outbound  chan any
	metrics   *observability.Metrics

	mu             sync.Mutex
	closed         bool
	stoppedAt      time.Time
	transcriptSeen bool
	sentAt         time.Time
	replyAt        time.Time
}

// send enqueues one outbound message. The mutex is held across the
// channel operation so a concurrent close can never race a send onto a
// closed channel; the non-blocking select keeps the critical section
// bounded even with a stalled writer.
func (g *wsGateway) send(v any) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	select {
	case g.outbound <- v:
	default:
		// A stalled client must not block the session pipeline.
		g.metrics.SessionEvents.WithLabelValues("outbound_dropped").Inc()
	}
}

func (g *wsGateway) close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	g.closed = true
	close(g.outbound)
}

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	if s.engine == nil {
		respondError(w, http.StatusNotImplemented, "engine_unavailable", "voice engine is not configured")
		return
	}
	sessionID := r.URL.Query().Get("session_id")
	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the handshake error.
		return
	}

	g := &wsGateway{
		sessionID: sess.ID,
		outbound:  make(chan any, wsOutboundDepth),
		metrics:   s.metrics,
	}
	stream := audio.NewPushStream(16000)
	sink := &wsSink{sessionID: sess.ID, send: g.send}
	mic := &audio.StaticDevice{Stream: stream}

	ctrl, err := s.engine.NewController(sess, sink, mic, g.listener())
	if err != nil {
		_ = conn.WriteJSON(protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: sess.ID,
			Kind:      "engine_error",
			Message:   err.Error(),
		})
		_ = conn.Close()
		return
	}

	done := make(chan struct{})
	go s.writeLoop(conn, g, done)

	// Controls run on their own goroutine so a slow chat round-trip never
	// stalls inbound audio frames.
	controls := make(chan protocol.ClientControl, 64)
	go s.controlLoop(r.Context(), ctrl, g, controls)

	s.readLoop(conn, g, stream, controls)

	close(controls)
	_ = stream.Close()
	if !ctrl.Ended() {
		if err := ctrl.End(context.Background()); err != nil {
			log.Printf("ws session %s: end controller: %v", sess.ID, err)
		}
	}
	g.close()
	<-done
	_ = conn.Close()
}

func (s *Server) readLoop(conn *websocket.Conn, g *wsGateway, stream *audio.PushStream, controls chan<- protocol.ClientControl) {
	conn.SetReadLimit(wsMaxMessage)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsPongTimeout))

		msg, err := protocol.ParseClientMessage(raw)
		if err != nil {
			s.metrics.WSMessages.WithLabelValues("inbound", "invalid").Inc()
			g.send(protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: g.sessionID,
				Kind:      "invalid_message",
				Message:   err.Error(),
			})
			continue
		}

		switch m := msg.(type) {
		case protocol.ClientAudioChunk:
			s.metrics.WSMessages.WithLabelValues("inbound", string(protocol.TypeClientAudioChunk)).Inc()
			pcm, err := base64.StdEncoding.DecodeString(m.PCM16Base64)
			if err != nil {
				g.send(protocol.ErrorEvent{
					Type:      protocol.TypeErrorEvent,
					SessionID: g.sessionID,
					Kind:      "invalid_message",
					Message:   "audio chunk is not valid base64",
				})
				continue
			}
			stream.Push(pcm)
		case protocol.ClientControl:
			s.metrics.WSMessages.WithLabelValues("inbound", string(protocol.TypeClientControl)).Inc()
			select {
			case controls <- m:
			default:
				g.metrics.SessionEvents.WithLabelValues("control_dropped").Inc()
			}
		}
	}
}

func (s *Server) controlLoop(ctx context.Context, ctrl *voicesession.Controller, g *wsGateway, controls <-chan protocol.ClientControl) {
	for m := range controls {
		switch m.Action {
		case protocol.ActionStartListening:
			_ = ctrl.StartListening(ctx)
		case protocol.ActionStopListening:
			g.mu.Lock()
			g.stoppedAt = time.Now()
			g.transcriptSeen = false
			g.mu.Unlock()
			_ = ctrl.StopListening(ctx)
		case protocol.ActionSendText:
			_ = ctrl.SendText(ctx, m.Text)
		case protocol.ActionSendPending:
			_ = ctrl.SendPending(ctx)
		case protocol.ActionDiscardPending:
			ctrl.DiscardPending()
		case protocol.ActionInterrupt:
			ctrl.Interrupt()
		case protocol.ActionClearError:
			ctrl.ClearError()
		case protocol.ActionSetVolume:
			ctrl.SetVolume(*m.Volume)
		case protocol.ActionEndSession:
			if _, err := s.sessions.End(g.sessionID); err == nil {
				s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
				s.metrics.SessionEvents.WithLabelValues("ended").Inc()
			}
			_ = ctrl.End(ctx)
			continue
		}
		s.sessions.Touch(g.sessionID)
	}
}

func (s *Server) writeLoop(conn *websocket.Conn, g *wsGateway, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case v, ok := <-g.outbound:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(wsWriteTimeout))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(v); err != nil {
				return
			}
			s.metrics.WSMessages.WithLabelValues("outbound", outboundType(v)).Inc()
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		}
	}
}

// listener translates controller events into protocol messages and feeds
// the pipeline latency window.
func (g *wsGateway) listener() voicesession.Listener {
	return func(ev voicesession.Event) {
		now := time.Now()
		switch e := ev.(type) {
		case voicesession.StateChanged:
			g.send(protocol.SessionState{
				Type:      protocol.TypeSessionState,
				SessionID: g.sessionID,
				From:      string(e.From),
				To:        string(e.To),
			})
		case voicesession.PlaybackChanged:
			g.send(protocol.PlaybackState{
				Type:      protocol.TypePlaybackState,
				SessionID: g.sessionID,
				Playback:  e.Playback,
			})
		case voicesession.TranscriptPending:
			g.observeSinceStopped("stop_to_transcript", now)
			g.send(protocol.TranscriptPending{
				Type:       protocol.TypeTranscriptPending,
				SessionID:  g.sessionID,
				Text:       e.Transcript,
				Confidence: e.Confidence,
			})
		case voicesession.MessageSent:
			g.observeSinceStopped("stop_to_transcript", now)
			g.mu.Lock()
			g.sentAt = now
			g.mu.Unlock()
			g.send(protocol.UserMessage{
				Type:      protocol.TypeUserMessage,
				SessionID: g.sessionID,
				Content:   e.Message.Content,
				InputType: string(e.Message.InputType),
			})
		case voicesession.AssistantReply:
			g.mu.Lock()
			if !g.sentAt.IsZero() {
				g.metrics.ObserveStage("send_to_reply", now.Sub(g.sentAt))
				g.metrics.ObserveResponseLatency(now.Sub(g.sentAt))
				g.sentAt = time.Time{}
			}
			g.replyAt = now
			g.mu.Unlock()
			g.send(protocol.AssistantReply{
				Type:      protocol.TypeAssistantReply,
				SessionID: g.sessionID,
				Content:   e.Message.Content,
				Agent:     e.Agent,
			})
		case voicesession.SpeechStarted:
			g.mu.Lock()
			if !g.replyAt.IsZero() {
				g.metrics.ObserveStage("reply_to_first_audio", now.Sub(g.replyAt))
				g.replyAt = time.Time{}
			}
			g.mu.Unlock()
			g.send(protocol.SpeechStarted{
				Type:        protocol.TypeSpeechStarted,
				SessionID:   g.sessionID,
				UtteranceID: e.UtteranceID,
				Text:        e.Text,
			})
		case voicesession.SpeechEnded:
			g.observeSinceStopped("utterance_total", now)
			g.send(protocol.SpeechEnded{
				Type:        protocol.TypeSpeechEnded,
				SessionID:   g.sessionID,
				UtteranceID: e.UtteranceID,
			})
		case voicesession.Interrupted:
			g.send(protocol.Interrupted{
				Type:      protocol.TypeInterrupted,
				SessionID: g.sessionID,
				Reason:    e.Reason,
			})
		case voicesession.ErrorOccurred:
			g.metrics.CollaboratorErrors.WithLabelValues("session", string(e.Err.Kind)).Inc()
			g.send(protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: g.sessionID,
				Kind:      string(e.Err.Kind),
				Message:   e.Err.Message,
				Action:    e.Err.Action,
				Retryable: e.Err.Retryable(),
			})
		case voicesession.SessionEnded:
			g.send(protocol.SessionEnded{
				Type:      protocol.TypeSessionEnded,
				SessionID: g.sessionID,
				Reason:    e.Reason,
				Stats:     e.Stats,
			})
		}
	}
}

// observeSinceStopped records a stage measured from the last stop_listening
// control. stop_to_transcript is recorded once per mark; utterance_total
// consumes the mark so one utterance is only counted once.
func (g *wsGateway) observeSinceStopped(stage string, now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stoppedAt.IsZero() {
		return
	}
	if stage == "stop_to_transcript" {
		if g.transcriptSeen {
			return
		}
		g.transcriptSeen = true
	}
	g.metrics.ObserveStage(stage, now.Sub(g.stoppedAt))
	if stage == "utterance_total" {
		g.stoppedAt = time.Time{}
		g.transcriptSeen = false
	}
}

func outboundType(v any) string {
	switch m := v.(type) {
	case protocol.SessionState:
		return string(m.Type)
	case protocol.PlaybackState:
		return string(m.Type)
	case protocol.TranscriptPending:
		return string(m.Type)
	case protocol.UserMessage:
		return string(m.Type)
	case protocol.AssistantReply:
		return string(m.Type)
	case protocol.AssistantAudioChunk:
		return string(m.Type)
	case protocol.SpeechStarted:
		return string(m.Type)
	case protocol.SpeechEnded:
		return string(m.Type)
	case protocol.Interrupted:
		return string(m.Type)
	case protocol.ErrorEvent:
		return string(m.Type)
	case protocol.SessionEnded:
		return string(m.Type)
	default:
		return "unknown"
	}
}
