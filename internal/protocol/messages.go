// Package protocol defines the websocket payloads exchanged with clients.
// Every message carries an explicit type discriminator; consumers switch on
// it instead of probing fields.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	// Client → server.
	TypeClientAudioChunk MessageType = "client_audio_chunk"
	TypeClientControl    MessageType = "client_control"

	// Server → client.
	TypeSessionState      MessageType = "session_state"
	TypePlaybackState     MessageType = "playback_state"
	TypeTranscriptPending MessageType = "transcript_pending"
	TypeUserMessage       MessageType = "user_message"
	TypeAssistantReply    MessageType = "assistant_reply"
	TypeAssistantAudio    MessageType = "assistant_audio_chunk"
	TypeSpeechStarted     MessageType = "speech_started"
	TypeSpeechEnded       MessageType = "speech_ended"
	TypeInterrupted       MessageType = "interrupted"
	TypeErrorEvent        MessageType = "error_event"
	TypeSessionEnded      MessageType = "session_ended"
)

// Control actions accepted from clients.
const (
	ActionStartListening = "start_listening"
	ActionStopListening  = "stop_listening"
	ActionSendText       = "send_text"
	ActionSendPending    = "send_pending"
	ActionDiscardPending = "discard_pending"
	ActionInterrupt      = "interrupt"
	ActionClearError     = "clear_error"
	ActionSetVolume      = "set_volume"
	ActionEndSession     = "end_session"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

type ClientAudioChunk struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	Seq         int         `json:"seq"`
	PCM16Base64 string      `json:"pcm16_base64"`
	SampleRate  int         `json:"sample_rate"`
	TSMs        int64       `json:"ts_ms"`
}

type ClientControl struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Action    string      `json:"action"`
	// Text accompanies send_text.
	Text string `json:"text,omitempty"`
	// Volume accompanies set_volume.
	Volume *float64 `json:"volume,omitempty"`
	TSMs   int64    `json:"ts_ms,omitempty"`
}

type SessionState struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	From      string      `json:"from"`
	To        string      `json:"to"`
}

type PlaybackState struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Playback  any         `json:"playback"`
}

type TranscriptPending struct {
	Type       MessageType `json:"type"`
	SessionID  string      `json:"session_id"`
	Text       string      `json:"text"`
	Confidence float64     `json:"confidence"`
}

type UserMessage struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Content   string      `json:"content"`
	InputType string      `json:"input_type"`
}

type AssistantReply struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Content   string      `json:"content"`
	Agent     string      `json:"agent"`
}

type AssistantAudioChunk struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	UtteranceID string      `json:"utterance_id"`
	Seq         int         `json:"seq"`
	Format      string      `json:"format"`
	AudioBase64 string      `json:"audio_base64"`
	SampleRate  int         `json:"sample_rate"`
}

type SpeechStarted struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	UtteranceID string      `json:"utterance_id"`
	Text        string      `json:"text"`
}

type SpeechEnded struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	UtteranceID string      `json:"utterance_id"`
}

type Interrupted struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Reason    string      `json:"reason"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Kind      string      `json:"kind"`
	Message   string      `json:"message"`
	Action    string      `json:"action,omitempty"`
	Retryable bool        `json:"retryable"`
}

type SessionEnded struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Reason    string      `json:"reason"`
	Stats     any         `json:"stats"`
}

var validActions = map[string]bool{
	ActionStartListening: true,
	ActionStopListening:  true,
	ActionSendText:       true,
	ActionSendPending:    true,
	ActionDiscardPending: true,
	ActionInterrupt:      true,
	ActionClearError:     true,
	ActionSetVolume:      true,
	ActionEndSession:     true,
}

// ParseClientMessage decodes and validates one inbound payload.
func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientAudioChunk:
		var msg ClientAudioChunk
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.PCM16Base64 == "" || msg.SampleRate <= 0 {
			return nil, errors.New("invalid client_audio_chunk")
		}
		return msg, nil
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || !validActions[msg.Action] {
			return nil, errors.New("invalid client_control")
		}
		if msg.Action == ActionSendText && msg.Text == "" {
			return nil, errors.New("send_text requires text")
		}
		if msg.Action == ActionSetVolume && msg.Volume == nil {
			return nil, errors.New("set_volume requires volume")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
