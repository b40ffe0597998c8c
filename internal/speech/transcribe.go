package speech

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/smartlyte-ai/voicekit/internal/reliability"
)

// TranscriptionResult is the outcome of one transcription call.
// Confidence is always present; when the service omits it, it is
// reported as 0 rather than a flattering default.
type TranscriptionResult struct {
	Transcript string
	Confidence float64
}

// TranscriptionClient submits recorded audio to the external
// speech-to-text collaborator.
type TranscriptionClient struct {
	url    string
	apiKey string
	client *http.Client
}

func NewTranscriptionClient(url, apiKey string, timeout time.Duration) *TranscriptionClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &TranscriptionClient{
		url:    strings.TrimSpace(url),
		apiKey: strings.TrimSpace(apiKey),
		client: &http.Client{Timeout: timeout},
	}
}

type transcribeRequest struct {
	AudioBase64 string `json:"audioBase64"`
	Language    string `json:"language"`
}

type transcribeResponse struct {
	Success    bool     `json:"success"`
	Transcript string   `json:"transcript"`
	Confidence *float64 `json:"confidence"`
	Error      string   `json:"error,omitempty"`
}

// Transcribe base64-encodes the audio blob and calls the STT endpoint.
// Every transport or service failure is a transcription_failed VoiceError.
func (c *TranscriptionClient) Transcribe(ctx context.Context, audio []byte, language string) (TranscriptionResult, error) {
	if len(audio) == 0 {
		return TranscriptionResult{}, reliability.NewError(reliability.KindTranscription, "no audio to transcribe", nil)
	}

	payload, err := json.Marshal(transcribeRequest{
		AudioBase64: base64.StdEncoding.EncodeToString(audio),
		Language:    language,
	})
	if err != nil {
		return TranscriptionResult{}, reliability.NewError(reliability.KindTranscription, "marshal transcribe request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return TranscriptionResult{}, reliability.NewError(reliability.KindTranscription, "create transcribe request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	res, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return TranscriptionResult{}, reliability.NewError(reliability.KindTranscription, "transcription cancelled", ctx.Err())
		}
		return TranscriptionResult{}, reliability.NewError(reliability.KindTranscription, "transcription request failed", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return TranscriptionResult{}, reliability.NewError(
			reliability.KindTranscription,
			fmt.Sprintf("transcription service status %d: %s", res.StatusCode, strings.TrimSpace(string(body))),
			nil,
		)
	}

	var out transcribeResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return TranscriptionResult{}, reliability.NewError(reliability.KindTranscription, "decode transcription response", err)
	}
	if !out.Success {
		msg := strings.TrimSpace(out.Error)
		if msg == "" {
			msg = "transcription service reported failure"
		}
		return TranscriptionResult{}, reliability.NewError(reliability.KindTranscription, msg, nil)
	}

	result := TranscriptionResult{Transcript: out.Transcript}
	if out.Confidence != nil {
		result.Confidence = clampConfidence(*out.Confidence)
	}
	return result, nil
}

func clampConfidence(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
