// Package voicesession coordinates one user's real-time voice session:
// microphone capture, transcription, chat routing, synthesis, and playback,
// driven as an explicit state machine.
package voicesession

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/smartlyte-ai/voicekit/internal/audio"
	"github.com/smartlyte-ai/voicekit/internal/chat"
	"github.com/smartlyte-ai/voicekit/internal/config"
	"github.com/smartlyte-ai/voicekit/internal/reliability"
	"github.com/smartlyte-ai/voicekit/internal/speech"
)

// State is the controller's coarse lifecycle position.
type State string

const (
	StateIdle       State = "idle"
	StateListening  State = "listening"
	StateProcessing State = "processing"
	StateSpeaking   State = "speaking"
	StateError      State = "error"
)

// DefaultAutoSendThreshold gates auto-send of transcripts by confidence.
const DefaultAutoSendThreshold = 0.6

// Sample rate assumed for collaborator PCM that arrives without a container.
const synthesizedSampleRate = 16000

// PlaybackState is the single source of truth for playback rendering.
// IsPlaying and IsPaused are never both true.
type PlaybackState struct {
	IsPlaying   bool    `json:"is_playing"`
	IsPaused    bool    `json:"is_paused"`
	IsLoading   bool    `json:"is_loading"`
	CurrentText string  `json:"current_text,omitempty"`
	Duration    float64 `json:"duration"`
	CurrentTime float64 `json:"current_time"`
	Volume      float64 `json:"volume"`
	Speed       float64 `json:"speed"`
}

// Transcriber converts recorded audio into text plus confidence.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, language string) (speech.TranscriptionResult, error)
}

// Synthesizer converts text into playable audio with interrupt semantics.
type Synthesizer interface {
	Synthesize(ctx context.Context, req speech.SynthesisRequest) (*speech.SynthesisResult, error)
	Abort()
}

// SpeakOptions adjust one utterance.
type SpeakOptions struct {
	// Interrupt stops in-progress speech and cancels in-flight synthesis.
	Interrupt bool
	// Volume overrides the per-source gain.
	Volume *float64
}

// Options wire a Controller. Devices, Synthesizer, and Chat are required;
// Capture and Transcriber may be nil for output-only sessions.
type Options struct {
	SessionID string
	UserID    string
	Voice     config.VoiceConfig

	// AutoSendThreshold defaults to DefaultAutoSendThreshold when <= 0.
	AutoSendThreshold float64
	// SilentMode is a UI hint carried to listeners; it never bypasses
	// confidence gating.
	SilentMode bool
	// MaxDuration force-ends the session when exceeded; 0 means no cap.
	MaxDuration time.Duration

	Devices     *audio.DeviceManager
	Capture     *audio.CaptureManager
	Transcriber Transcriber
	Synthesizer Synthesizer
	Chat        chat.Client
	Analytics   *Analytics
	Listener    Listener
}

// Controller is the per-session state machine. All mutation is serialized
// by its mutex; listener callbacks run outside it.
type Controller struct {
	opts      Options
	threshold float64

	mu           sync.Mutex
	voice        config.VoiceConfig
	state        State
	playback     PlaybackState
	lastErr      *reliability.VoiceError
	pendingText  string
	pendingConf  float64
	havePending  bool
	utteranceGen int64
	activeSource string
	playStarted  time.Time
	history      []chat.HistoryEntry
	ended        bool
	timeout      *time.Timer
}

func NewController(opts Options) (*Controller, error) {
	if opts.Devices == nil || opts.Synthesizer == nil || opts.Chat == nil {
		return nil, errors.New("voicesession: devices, synthesizer, and chat are required")
	}
	if err := opts.Voice.Validate(); err != nil {
		return nil, reliability.NewError(reliability.KindInvalidConfig, err.Error(), err)
	}
	threshold := opts.AutoSendThreshold
	if threshold <= 0 {
		threshold = DefaultAutoSendThreshold
	}
	if threshold > 1 {
		return nil, reliability.NewError(reliability.KindInvalidConfig,
			fmt.Sprintf("auto-send threshold %v outside [0,1]", threshold), nil)
	}

	c := &Controller{
		opts:      opts,
		threshold: threshold,
		voice:     opts.Voice,
		state:     StateIdle,
		playback: PlaybackState{
			Volume: opts.Devices.Volume(),
			Speed:  opts.Voice.Speed,
		},
	}
	if opts.MaxDuration > 0 {
		c.timeout = time.AfterFunc(opts.MaxDuration, func() {
			_ = c.endWithReason(context.Background(), "timeout")
		})
	}
	return c, nil
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) Playback() PlaybackState {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := c.playback
	if snap.IsPlaying && !c.playStarted.IsZero() {
		snap.CurrentTime = time.Since(c.playStarted).Seconds()
		if snap.Duration > 0 && snap.CurrentTime > snap.Duration {
			snap.CurrentTime = snap.Duration
		}
	}
	return snap
}

func (c *Controller) LastError() *reliability.VoiceError {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Voice returns the session's current voice configuration snapshot.
func (c *Controller) Voice() config.VoiceConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.voice
}

// UpdateVoice revalidates and swaps the voice configuration. On error the
// current configuration stays in effect.
func (c *Controller) UpdateVoice(next config.VoiceConfig) error {
	c.mu.Lock()
	cur := c.voice
	c.mu.Unlock()

	updated, err := cur.Update(next)
	if err != nil {
		return reliability.NewError(reliability.KindInvalidConfig, err.Error(), err)
	}
	c.mu.Lock()
	c.voice = updated
	c.playback.Speed = updated.Speed
	snap := c.playback
	c.mu.Unlock()
	c.emit(PlaybackChanged{Playback: snap})
	return nil
}

// ClearError returns the controller from error to idle. A no-op in any
// other state; errors are never a dead end.
func (c *Controller) ClearError() {
	c.mu.Lock()
	if c.state != StateError {
		c.mu.Unlock()
		return
	}
	c.state = StateIdle
	c.lastErr = nil
	c.mu.Unlock()
	c.emit(StateChanged{From: StateError, To: StateIdle})
}

// StartListening begins a recording, stopping any in-progress agent speech
// first. Disabled voice input is a silent no-op.
func (c *Controller) StartListening(ctx context.Context) error {
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return nil
	}
	v := c.voice
	c.mu.Unlock()

	if !v.Enabled || !v.InputEnabled || c.opts.Capture == nil {
		return nil
	}

	// Barge-in: the user speaking always silences the agent. Overlapping
	// voices is the worst failure mode this engine can produce.
	c.interrupt("barge_in")

	if err := c.opts.Capture.StartRecording(ctx); err != nil {
		c.fail(reliability.KindAudioProcessing, err)
		return err
	}
	c.setState(StateListening)
	return nil
}

// StopListening finalizes the recording, transcribes it, and applies the
// auto-send policy. Calling it when not recording is a no-op.
func (c *Controller) StopListening(ctx context.Context) error {
	if c.opts.Capture == nil {
		return nil
	}
	rec := c.opts.Capture.StopRecording()
	if rec == nil {
		c.mu.Lock()
		if c.state == StateListening {
			c.state = StateIdle
			c.mu.Unlock()
			c.emit(StateChanged{From: StateListening, To: StateIdle})
			return nil
		}
		c.mu.Unlock()
		return nil
	}
	if c.opts.Transcriber == nil {
		return nil
	}

	c.setState(StateProcessing)

	wav, err := audio.EncodeWAVPCM16LE(rec.PCM, rec.SampleRate)
	if err != nil {
		verr := c.fail(reliability.KindAudioProcessing, err)
		return verr
	}
	c.mu.Lock()
	lang := c.voice.Language
	c.mu.Unlock()

	result, err := c.opts.Transcriber.Transcribe(ctx, wav, lang)
	if err != nil {
		verr := c.fail(reliability.KindTranscription, err)
		return verr
	}
	if c.opts.Analytics != nil {
		c.opts.Analytics.AddTranscription(rec.Duration)
	}

	transcript := strings.TrimSpace(result.Transcript)
	if transcript == "" {
		c.setState(StateIdle)
		return nil
	}

	if result.Confidence >= c.threshold {
		return c.sendUserMessage(ctx, transcript, InputVoice)
	}

	// Low confidence degrades to manual review. The transcript stays
	// available through PendingTranscript/SendPending.
	c.mu.Lock()
	c.pendingText = transcript
	c.pendingConf = result.Confidence
	c.havePending = true
	c.mu.Unlock()
	c.setState(StateIdle)
	c.emit(TranscriptPending{Transcript: transcript, Confidence: result.Confidence})
	return nil
}

// PendingTranscript returns the transcript awaiting manual review, if any.
func (c *Controller) PendingTranscript() (string, float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingText, c.pendingConf, c.havePending
}

// SendPending submits the reviewed transcript to the chat collaborator.
func (c *Controller) SendPending(ctx context.Context) error {
	c.mu.Lock()
	if !c.havePending {
		c.mu.Unlock()
		return nil
	}
	text := c.pendingText
	c.pendingText = ""
	c.pendingConf = 0
	c.havePending = false
	c.mu.Unlock()
	return c.sendUserMessage(ctx, text, InputVoice)
}

// DiscardPending drops the transcript awaiting review.
func (c *Controller) DiscardPending() {
	c.mu.Lock()
	c.pendingText = ""
	c.pendingConf = 0
	c.havePending = false
	c.mu.Unlock()
}

// SendText submits typed input. Typing interrupts in-progress speech when
// interruptions are enabled; the reply never auto-plays for typed input.
func (c *Controller) SendText(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	c.mu.Lock()
	interruptions := c.voice.InterruptionsEnabled
	ended := c.ended
	c.mu.Unlock()
	if ended {
		return nil
	}
	if interruptions {
		c.interrupt("typed_input")
	}
	return c.sendUserMessage(ctx, text, InputText)
}

func (c *Controller) sendUserMessage(ctx context.Context, text string, inputType InputType) error {
	c.setState(StateProcessing)

	start := time.Now()
	resp, err := c.opts.Chat.Chat(ctx, chat.Request{
		UserID:  c.opts.UserID,
		Message: text,
		History: c.historySnapshot(),
	})
	if err != nil {
		verr := c.fail(reliability.KindNetwork, err)
		return verr
	}

	if c.opts.Analytics != nil {
		c.opts.Analytics.ObserveLatency(time.Since(start))
		c.opts.Analytics.AddMessage()
	}

	now := time.Now().UTC()
	userMsg := Message{Role: RoleUser, Content: text, InputType: inputType, VoiceProcessed: inputType == InputVoice, CreatedAt: now}
	reply := Message{Role: RoleAssistant, Content: resp.Message, InputType: inputType, CreatedAt: now}

	c.mu.Lock()
	c.history = append(c.history,
		chat.HistoryEntry{Role: string(RoleUser), Content: text},
		chat.HistoryEntry{Role: string(RoleAssistant), Content: resp.Message},
	)
	c.mu.Unlock()

	c.emit(MessageSent{Message: userMsg})
	c.emit(AssistantReply{Message: reply, Agent: resp.Agent})

	if err := c.PlayMessage(ctx, reply); err != nil {
		return err
	}
	c.mu.Lock()
	stillProcessing := c.state == StateProcessing
	c.mu.Unlock()
	if stillProcessing {
		c.setState(StateIdle)
	}
	return nil
}

// PlayMessage plays an assistant message subject to the auto-play policy:
// only assistant replies to spoken input play unaided, unless the message
// carries an explicit override.
func (c *Controller) PlayMessage(ctx context.Context, msg Message) error {
	if !msg.EligibleForAutoPlay() {
		return nil
	}
	c.mu.Lock()
	autoPlay := c.voice.AutoPlay
	c.mu.Unlock()
	if !autoPlay && msg.ShouldAutoPlay == nil {
		return nil
	}
	return c.Speak(ctx, msg.Content, SpeakOptions{Interrupt: true})
}

// Speak synthesizes text and plays it. Disabled voice output and empty
// text are silent no-ops. With Interrupt set, in-progress speech stops and
// in-flight synthesis is cancelled first; a stale synthesis result arriving
// after a newer request is discarded, never played.
func (c *Controller) Speak(ctx context.Context, text string, opts SpeakOptions) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return nil
	}
	v := c.voice
	c.mu.Unlock()
	if !v.Enabled || !v.OutputEnabled {
		return nil
	}

	if opts.Interrupt {
		c.interrupt("new_utterance")
	}

	c.mu.Lock()
	c.utteranceGen++
	gen := c.utteranceGen
	c.mu.Unlock()

	c.setState(StateProcessing)
	c.setLoading(text)

	res, err := c.opts.Synthesizer.Synthesize(ctx, speech.SynthesisRequest{
		Text:      text,
		Voice:     v,
		Interrupt: opts.Interrupt,
	})
	if err != nil {
		if errors.Is(err, speech.ErrSuperseded) || errors.Is(err, context.Canceled) {
			return nil
		}
		verr := c.fail(reliability.KindAPI, err)
		return verr
	}
	if res == nil {
		c.settleIdle(gen)
		return nil
	}
	if c.stale(gen) {
		return nil
	}

	duration := res.Metadata.Duration
	if duration <= 0 && len(res.PCM) > 0 && !looksLikeWAV(res.PCM) {
		duration = audio.PCMDuration(res.PCM, synthesizedSampleRate)
	}

	if len(res.PCM) == 0 {
		// URL-only result: the embedding renders it; account for the
		// utterance and settle immediately.
		if c.opts.Analytics != nil {
			c.opts.Analytics.AddSynthesis(secondsToDuration(duration))
		}
		c.emit(SpeechStarted{UtteranceID: res.AudioURL, Text: text})
		c.settleIdle(gen)
		c.emit(SpeechEnded{UtteranceID: res.AudioURL})
		return nil
	}

	playOpts := audio.PlayOptions{
		Interrupt: opts.Interrupt,
		Volume:    opts.Volume,
		OnEnded:   func(id string) { c.onUtteranceEnded(gen, id) },
	}

	var id string
	if looksLikeWAV(res.PCM) {
		id, err = c.opts.Devices.PlayEncoded(res.PCM, playOpts)
	} else {
		id, err = c.opts.Devices.PlayPCM(res.PCM, synthesizedSampleRate, playOpts)
	}
	if err != nil {
		verr := c.fail(reliability.KindAudioProcessing, err)
		return verr
	}

	c.mu.Lock()
	if gen != c.utteranceGen || c.ended {
		c.mu.Unlock()
		c.opts.Devices.StopSource(id)
		return nil
	}
	from := c.state
	c.state = StateSpeaking
	c.activeSource = id
	c.playStarted = time.Now()
	c.playback.IsLoading = false
	c.playback.IsPlaying = true
	c.playback.IsPaused = false
	c.playback.CurrentText = text
	c.playback.CurrentTime = 0
	c.playback.Duration = duration
	snap := c.playback
	c.mu.Unlock()

	if c.opts.Analytics != nil {
		c.opts.Analytics.AddSynthesis(secondsToDuration(duration))
	}
	if from != StateSpeaking {
		c.emit(StateChanged{From: from, To: StateSpeaking})
	}
	c.emit(PlaybackChanged{Playback: snap})
	c.emit(SpeechStarted{UtteranceID: id, Text: text})
	return nil
}

// Interrupt stops in-progress speech and cancels in-flight synthesis.
func (c *Controller) Interrupt() {
	c.interrupt("requested")
}

// PauseSpeaking mutes output without discarding the current utterance.
func (c *Controller) PauseSpeaking() {
	c.mu.Lock()
	if !c.playback.IsPlaying {
		c.mu.Unlock()
		return
	}
	c.playback.IsPlaying = false
	c.playback.IsPaused = true
	snap := c.playback
	c.mu.Unlock()
	c.opts.Devices.SetMuted(true)
	c.emit(PlaybackChanged{Playback: snap})
}

// ResumeSpeaking unmutes output after PauseSpeaking.
func (c *Controller) ResumeSpeaking() {
	c.mu.Lock()
	if !c.playback.IsPaused {
		c.mu.Unlock()
		return
	}
	c.playback.IsPaused = false
	c.playback.IsPlaying = true
	snap := c.playback
	c.mu.Unlock()
	c.opts.Devices.SetMuted(false)
	c.emit(PlaybackChanged{Playback: snap})
}

// SetVolume clamps and applies the master volume.
func (c *Controller) SetVolume(v float64) {
	c.opts.Devices.SetVolume(v)
	c.mu.Lock()
	c.playback.Volume = c.opts.Devices.Volume()
	snap := c.playback
	c.mu.Unlock()
	c.emit(PlaybackChanged{Playback: snap})
}

// End force-ends the session: capture and playback torn down, in-flight
// calls cancelled, stats flushed. Safe to call more than once.
func (c *Controller) End(ctx context.Context) error {
	return c.endWithReason(ctx, "ended")
}

func (c *Controller) endWithReason(ctx context.Context, reason string) error {
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return nil
	}
	c.ended = true
	c.utteranceGen++
	if c.timeout != nil {
		c.timeout.Stop()
		c.timeout = nil
	}
	from := c.state
	c.state = StateIdle
	c.activeSource = ""
	c.playback = PlaybackState{Volume: c.playback.Volume, Speed: c.playback.Speed}
	c.mu.Unlock()

	c.opts.Synthesizer.Abort()
	if c.opts.Capture != nil {
		c.opts.Capture.StopRecording()
	}
	c.opts.Devices.StopAll()

	var snap StatsSnapshot
	var err error
	if c.opts.Analytics != nil {
		snap, err = c.opts.Analytics.EndSession(ctx)
	}

	if from != StateIdle {
		c.emit(StateChanged{From: from, To: StateIdle})
	}
	c.emit(SessionEnded{Reason: reason, Stats: snap, EndedAt: time.Now().UTC()})
	return err
}

// Ended reports whether the session has been torn down.
func (c *Controller) Ended() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ended
}

func (c *Controller) interrupt(reason string) {
	c.opts.Synthesizer.Abort()

	c.mu.Lock()
	wasSpeaking := c.state == StateSpeaking || c.playback.IsPlaying || c.playback.IsPaused
	c.utteranceGen++
	c.activeSource = ""
	var from State
	if c.state == StateSpeaking {
		from = c.state
		c.state = StateIdle
	}
	c.playback.IsPlaying = false
	c.playback.IsPaused = false
	c.playback.IsLoading = false
	c.playback.CurrentText = ""
	c.playback.CurrentTime = 0
	c.playback.Duration = 0
	snap := c.playback
	c.mu.Unlock()

	c.opts.Devices.StopAll()

	if wasSpeaking {
		if c.opts.Analytics != nil {
			c.opts.Analytics.AddInterruption()
		}
		if from == StateSpeaking {
			c.emit(StateChanged{From: from, To: StateIdle})
		}
		c.emit(PlaybackChanged{Playback: snap})
		c.emit(Interrupted{Reason: reason})
	}
}

// onUtteranceEnded runs when a source finishes naturally. Stale
// generations are ignored so an interrupted utterance never reports an end.
func (c *Controller) onUtteranceEnded(gen int64, id string) {
	c.mu.Lock()
	if gen != c.utteranceGen || c.ended || c.activeSource != id {
		c.mu.Unlock()
		return
	}
	c.activeSource = ""
	from := c.state
	c.state = StateIdle
	c.playback.IsPlaying = false
	c.playback.IsPaused = false
	c.playback.CurrentText = ""
	c.playback.CurrentTime = 0
	c.playback.Duration = 0
	snap := c.playback
	c.mu.Unlock()

	if from != StateIdle {
		c.emit(StateChanged{From: from, To: StateIdle})
	}
	c.emit(PlaybackChanged{Playback: snap})
	c.emit(SpeechEnded{UtteranceID: id})
}

func (c *Controller) fail(fallback reliability.Kind, err error) *reliability.VoiceError {
	verr := reliability.AsVoiceError(err, fallback)

	c.mu.Lock()
	from := c.state
	c.state = StateError
	c.lastErr = verr
	c.playback.IsLoading = false
	c.playback.IsPlaying = false
	c.playback.IsPaused = false
	c.playback.CurrentText = ""
	c.mu.Unlock()

	if c.opts.Analytics != nil {
		c.opts.Analytics.AddError()
	}
	if from != StateError {
		c.emit(StateChanged{From: from, To: StateError})
	}
	c.emit(ErrorOccurred{Err: verr})
	return verr
}

func (c *Controller) setState(to State) {
	c.mu.Lock()
	if c.state == to || c.ended {
		c.mu.Unlock()
		return
	}
	from := c.state
	c.state = to
	c.mu.Unlock()
	c.emit(StateChanged{From: from, To: to})
}

// settleIdle returns to idle only if gen is still the active utterance.
func (c *Controller) settleIdle(gen int64) {
	c.mu.Lock()
	if gen != c.utteranceGen || c.ended {
		c.mu.Unlock()
		return
	}
	from := c.state
	c.state = StateIdle
	c.playback.IsLoading = false
	c.playback.CurrentText = ""
	c.mu.Unlock()
	if from != StateIdle {
		c.emit(StateChanged{From: from, To: StateIdle})
	}
}

func (c *Controller) setLoading(text string) {
	c.mu.Lock()
	c.playback.IsLoading = true
	c.playback.IsPlaying = false
	c.playback.IsPaused = false
	c.playback.CurrentText = text
	snap := c.playback
	c.mu.Unlock()
	c.emit(PlaybackChanged{Playback: snap})
}

func (c *Controller) stale(gen int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen != c.utteranceGen || c.ended
}

func (c *Controller) historySnapshot() []chat.HistoryEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]chat.HistoryEntry(nil), c.history...)
}

func (c *Controller) emit(ev Event) {
	if c.opts.Listener != nil {
		c.opts.Listener(ev)
	}
}

func looksLikeWAV(b []byte) bool {
	return len(b) >= 4 && string(b[:4]) == "RIFF"
}

func secondsToDuration(s float64) time.Duration {
	if s <= 0 {
		return 0
	}
	return time.Duration(s * float64(time.Second))
}
