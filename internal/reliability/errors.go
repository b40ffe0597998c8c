package reliability

import (
	"context"
	"errors"
	"fmt"
)

// Kind partitions voice engine failures for UI remediation and retry policy.
type Kind string

const (
	KindPermissionDenied Kind = "permission_denied"
	KindNetwork          Kind = "network_error"
	KindAPI              Kind = "api_error"
	KindTimeout          Kind = "timeout_error"
	KindAudioProcessing  Kind = "audio_processing_error"
	KindTranscription    Kind = "transcription_failed"
	KindInvalidConfig    Kind = "invalid_configuration"
)

// VoiceError is the single failure type surfaced by the voice engine.
// It is never dropped silently: every VoiceError reaches a callback or
// an error return at the boundary where the failing operation started.
type VoiceError struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
	// Action is a short remedial suggestion suitable for UI display.
	Action string `json:"action"`
	Cause  error  `json:"-"`
}

func (e *VoiceError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *VoiceError) Unwrap() error { return e.Cause }

// Retryable reports whether re-invoking the failed operation may succeed.
// Permission and configuration failures never are.
func (e *VoiceError) Retryable() bool {
	switch e.Kind {
	case KindNetwork, KindAPI, KindTimeout, KindTranscription:
		return true
	default:
		return false
	}
}

// NewError builds a VoiceError with the default remedial action for its kind.
func NewError(kind Kind, message string, cause error) *VoiceError {
	return &VoiceError{
		Kind:    kind,
		Message: message,
		Action:  defaultAction(kind),
		Cause:   cause,
	}
}

func defaultAction(kind Kind) string {
	switch kind {
	case KindPermissionDenied:
		return "Allow microphone access in your browser settings, then try again."
	case KindNetwork:
		return "Check your internet connection and retry."
	case KindAPI:
		return "The speech service had a problem. Please retry."
	case KindTimeout:
		return "The request took too long. Please retry."
	case KindAudioProcessing:
		return "Tap the page once to enable audio, then retry."
	case KindTranscription:
		return "We couldn't understand that. Please try speaking again."
	case KindInvalidConfig:
		return "Check your voice settings and save them again."
	default:
		return "Please try again."
	}
}

// AsVoiceError extracts a VoiceError from an error chain, wrapping unknown
// errors under the given fallback kind so callers always see the taxonomy.
func AsVoiceError(err error, fallback Kind) *VoiceError {
	if err == nil {
		return nil
	}
	var ve *VoiceError
	if errors.As(err, &ve) {
		return ve
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewError(KindTimeout, "operation timed out", err)
	}
	return NewError(fallback, err.Error(), err)
}
