package voicesession

import (
	"time"

	"github.com/smartlyte-ai/voicekit/internal/reliability"
)

// EventType discriminates session events. Every event carries exactly one
// of these so consumers can switch exhaustively instead of probing fields.
type EventType string

const (
	EventStateChanged      EventType = "state_changed"
	EventPlaybackChanged   EventType = "playback_changed"
	EventTranscriptPending EventType = "transcript_pending"
	EventMessageSent       EventType = "message_sent"
	EventAssistantReply    EventType = "assistant_reply"
	EventSpeechStarted     EventType = "speech_started"
	EventSpeechEnded       EventType = "speech_ended"
	EventInterrupted       EventType = "interrupted"
	EventErrorOccurred     EventType = "error"
	EventSessionEnded      EventType = "session_ended"
)

// Event is one session notification. Each controller delivers events to
// its own injected listener; there is no process-wide emitter.
type Event interface {
	EventType() EventType
}

// Listener receives a controller's events. Callbacks run on the goroutine
// that triggered the transition and must not block.
type Listener func(Event)

// StateChanged reports a controller state transition.
type StateChanged struct {
	From State `json:"from"`
	To   State `json:"to"`
}

// PlaybackChanged carries the full playback snapshot after any change.
type PlaybackChanged struct {
	Playback PlaybackState `json:"playback"`
}

// TranscriptPending surfaces a low-confidence transcript for manual
// review. The transcript is preserved, never discarded.
type TranscriptPending struct {
	Transcript string  `json:"transcript"`
	Confidence float64 `json:"confidence"`
}

// MessageSent reports a user message accepted by the chat collaborator.
type MessageSent struct {
	Message Message `json:"message"`
}

// AssistantReply carries the routed agent's textual answer.
type AssistantReply struct {
	Message Message `json:"message"`
	Agent   string  `json:"agent"`
}

// SpeechStarted reports playback of an assistant utterance beginning.
type SpeechStarted struct {
	UtteranceID string `json:"utterance_id"`
	Text        string `json:"text"`
}

// SpeechEnded reports an utterance finishing naturally. Interrupted
// utterances emit Interrupted instead, never a second SpeechEnded.
type SpeechEnded struct {
	UtteranceID string `json:"utterance_id"`
}

// Interrupted reports a barge-in cancelling in-progress speech.
type Interrupted struct {
	Reason string `json:"reason"`
}

// ErrorOccurred surfaces one failure. Emitted exactly once per failure.
type ErrorOccurred struct {
	Err *reliability.VoiceError `json:"error"`
}

// SessionEnded carries the final stats snapshot.
type SessionEnded struct {
	Reason  string        `json:"reason"`
	Stats   StatsSnapshot `json:"stats"`
	EndedAt time.Time     `json:"ended_at"`
}

func (StateChanged) EventType() EventType      { return EventStateChanged }
func (PlaybackChanged) EventType() EventType   { return EventPlaybackChanged }
func (TranscriptPending) EventType() EventType { return EventTranscriptPending }
func (MessageSent) EventType() EventType       { return EventMessageSent }
func (AssistantReply) EventType() EventType    { return EventAssistantReply }
func (SpeechStarted) EventType() EventType     { return EventSpeechStarted }
func (SpeechEnded) EventType() EventType       { return EventSpeechEnded }
func (Interrupted) EventType() EventType       { return EventInterrupted }
func (ErrorOccurred) EventType() EventType     { return EventErrorOccurred }
func (SessionEnded) EventType() EventType      { return EventSessionEnded }
