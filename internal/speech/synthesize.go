package speech

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/smartlyte-ai/voicekit/internal/config"
	"github.com/smartlyte-ai/voicekit/internal/reliability"
)

// ErrSuperseded marks a synthesis result that lost to a newer interrupting
// request. Callers discard it silently; stale audio must never play.
var ErrSuperseded = errors.New("synthesis superseded by newer request")

// SynthesisRequest describes one text-to-speech call.
type SynthesisRequest struct {
	Text  string
	Voice config.VoiceConfig
	// Interrupt cancels any in-flight synthesis before this one starts.
	Interrupt bool
}

// SynthesisMetadata mirrors the collaborator's response metadata.
type SynthesisMetadata struct {
	Duration float64 `json:"duration"`
	Format   string  `json:"format"`
}

// SynthesisResult carries playable audio: either decoded PCM bytes or a
// URL the player can fetch, plus metadata.
type SynthesisResult struct {
	PCM      []byte
	AudioURL string
	Metadata SynthesisMetadata
}

// SynthesisClient submits text to the external text-to-speech
// collaborator. At most one request is authoritative at a time under
// interrupt semantics; superseded calls return ErrSuperseded.
type SynthesisClient struct {
	url     string
	apiKey  string
	retries int
	client  *http.Client

	mu         sync.Mutex
	generation int64
	cancel     context.CancelFunc
}

func NewSynthesisClient(url, apiKey string, timeout time.Duration, retries int) *SynthesisClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if retries < 0 {
		retries = 0
	}
	return &SynthesisClient{
		url:     strings.TrimSpace(url),
		apiKey:  strings.TrimSpace(apiKey),
		retries: retries,
		client:  &http.Client{Timeout: timeout},
	}
}

type synthesizeVoiceConfig struct {
	Provider string  `json:"provider"`
	VoiceID  string  `json:"voiceId"`
	Language string  `json:"language"`
	Speed    float64 `json:"speed"`
	Quality  string  `json:"quality"`
	Latency  string  `json:"latency"`
}

type synthesizeRequest struct {
	Text        string                `json:"text"`
	VoiceConfig synthesizeVoiceConfig `json:"voiceConfig"`
}

type synthesizeResponse struct {
	Success     bool              `json:"success"`
	AudioURL    string            `json:"audioUrl,omitempty"`
	AudioBase64 string            `json:"pcm,omitempty"`
	Metadata    SynthesisMetadata `json:"metadata"`
	Error       string            `json:"error,omitempty"`
}

// Synthesize converts text to audio. Empty text is a silent no-op (nil
// result, nil error). Out-of-range speed is clamped, not rejected.
func (c *SynthesisClient) Synthesize(ctx context.Context, req SynthesisRequest) (*SynthesisResult, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, nil
	}

	callCtx, gen, cancel := c.begin(ctx, req.Interrupt)
	defer c.finish(gen, cancel)

	payload, err := json.Marshal(synthesizeRequest{
		Text: req.Text,
		VoiceConfig: synthesizeVoiceConfig{
			Provider: req.Voice.Provider,
			VoiceID:  req.Voice.VoiceID,
			Language: req.Voice.Language,
			Speed:    config.ClampSpeed(req.Voice.Speed),
			Quality:  string(req.Voice.Quality),
			Latency:  string(req.Voice.Latency),
		},
	})
	if err != nil {
		return nil, reliability.NewError(reliability.KindInvalidConfig, "marshal synthesize request", err)
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		result, err := c.doOnce(callCtx, payload)
		if err == nil {
			if c.stale(gen) {
				return nil, ErrSuperseded
			}
			return result, nil
		}
		if callCtx.Err() != nil && c.stale(gen) {
			return nil, ErrSuperseded
		}
		lastErr = err
		verr := reliability.AsVoiceError(err, reliability.KindAPI)
		if !verr.Retryable() || attempt >= c.retries {
			break
		}
		backoff := reliability.ExponentialBackoff(attempt, 200*time.Millisecond, 2*time.Second)
		select {
		case <-callCtx.Done():
			if c.stale(gen) {
				return nil, ErrSuperseded
			}
			return nil, reliability.AsVoiceError(callCtx.Err(), reliability.KindTimeout)
		case <-time.After(backoff):
		}
	}
	return nil, lastErr
}

func (c *SynthesisClient) doOnce(ctx context.Context, payload []byte) (*SynthesisResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, reliability.NewError(reliability.KindAPI, "create synthesize request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	res, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, reliability.NewError(reliability.KindTimeout, "synthesis timed out", err)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// http.Client wraps its own timeout distinctly from ctx deadline.
		if isClientTimeout(err) {
			return nil, reliability.NewError(reliability.KindTimeout, "synthesis timed out", err)
		}
		return nil, reliability.NewError(reliability.KindNetwork, "synthesis request failed", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		kind := reliability.KindForHTTPStatus(res.StatusCode)
		return nil, reliability.NewError(
			kind,
			fmt.Sprintf("synthesis service status %d: %s", res.StatusCode, strings.TrimSpace(string(body))),
			nil,
		)
	}

	var out synthesizeResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return nil, reliability.NewError(reliability.KindAPI, "decode synthesis response", err)
	}
	if !out.Success {
		msg := strings.TrimSpace(out.Error)
		if msg == "" {
			msg = "synthesis service reported failure"
		}
		return nil, reliability.NewError(reliability.KindAPI, msg, nil)
	}

	result := &SynthesisResult{
		AudioURL: strings.TrimSpace(out.AudioURL),
		Metadata: out.Metadata,
	}
	if out.AudioBase64 != "" {
		pcm, err := base64.StdEncoding.DecodeString(out.AudioBase64)
		if err != nil {
			return nil, reliability.NewError(reliability.KindAPI, "decode synthesis audio", err)
		}
		result.PCM = pcm
	}
	if len(result.PCM) == 0 && result.AudioURL == "" {
		return nil, reliability.NewError(reliability.KindAPI, "synthesis response carried no audio", nil)
	}
	return result, nil
}

// begin registers a new request generation; with interrupt set it cancels
// whatever was in flight first.
func (c *SynthesisClient) begin(ctx context.Context, interrupt bool) (context.Context, int64, context.CancelFunc) {
	callCtx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	prior := c.cancel
	if !interrupt {
		prior = nil
	}
	c.generation++
	gen := c.generation
	c.cancel = cancel
	c.mu.Unlock()

	if prior != nil {
		prior()
	}
	return callCtx, gen, cancel
}

func (c *SynthesisClient) finish(gen int64, cancel context.CancelFunc) {
	cancel()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation == gen {
		c.cancel = nil
	}
}

func (c *SynthesisClient) stale(gen int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation != gen
}

// Abort cancels any in-flight synthesis without starting a new one.
func (c *SynthesisClient) Abort() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.generation++
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func isClientTimeout(err error) bool {
	type timeout interface{ Timeout() bool }
	var te timeout
	if errors.As(err, &te) {
		return te.Timeout()
	}
	return false
}
