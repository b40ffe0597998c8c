package voicesession

import (
	"time"

	"github.com/smartlyte-ai/voicekit/internal/reliability"
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// InputType records how the user produced the triggering input.
type InputType string

const (
	InputText  InputType = "text"
	InputVoice InputType = "voice"
)

// Message is the chat-layer view of one turn, carrying the voice metadata
// the engine needs for playback policy.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	InputType InputType `json:"input_type"`
	// ShouldAutoPlay, when set, overrides the input-type gating.
	ShouldAutoPlay *bool                   `json:"should_auto_play,omitempty"`
	VoiceProcessed bool                    `json:"voice_processed"`
	VoiceError     *reliability.VoiceError `json:"voice_error,omitempty"`
	CreatedAt      time.Time               `json:"created_at"`
}

// EligibleForAutoPlay says whether this message may start playback without
// user action. Only assistant replies qualify, and only when the turn was
// spoken, unless the per-message override says otherwise.
func (m Message) EligibleForAutoPlay() bool {
	if m.Role != RoleAssistant {
		return false
	}
	if m.ShouldAutoPlay != nil {
		return *m.ShouldAutoPlay
	}
	return m.InputType == InputVoice
}
