package voicesession

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/smartlyte-ai/voicekit/internal/audio"
	"github.com/smartlyte-ai/voicekit/internal/chat"
	"github.com/smartlyte-ai/voicekit/internal/config"
	"github.com/smartlyte-ai/voicekit/internal/reliability"
	"github.com/smartlyte-ai/voicekit/internal/speech"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) listen(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) count(typ EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.EventType() == typ {
			n++
		}
	}
	return n
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type fakeSynth struct {
	mu     sync.Mutex
	pcm    []byte
	err    error
	calls  int
	aborts int
}

func (s *fakeSynth) Synthesize(_ context.Context, req speech.SynthesisRequest) (*speech.SynthesisResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if req.Text == "" {
		return nil, nil
	}
	if s.err != nil {
		return nil, s.err
	}
	return &speech.SynthesisResult{
		PCM:      s.pcm,
		Metadata: speech.SynthesisMetadata{Duration: audio.PCMDuration(s.pcm, synthesizedSampleRate), Format: "pcm"},
	}, nil
}

func (s *fakeSynth) Abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aborts++
}

func (s *fakeSynth) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type fakeTranscriber struct {
	result speech.TranscriptionResult
	err    error
}

func (f *fakeTranscriber) Transcribe(context.Context, []byte, string) (speech.TranscriptionResult, error) {
	if f.err != nil {
		return speech.TranscriptionResult{}, f.err
	}
	return f.result, nil
}

// pcmTone returns n samples of a constant mid-amplitude PCM16LE signal.
func pcmTone(n int) []byte {
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(8000)))
	}
	return out
}

type testRig struct {
	controller *Controller
	events     *recorder
	sink       *audio.BufferSink
	synth      *fakeSynth
	analytics  *Analytics
	micStream  *audio.PushStream
	capture    *audio.CaptureManager
}

func newRig(t *testing.T, mutate func(*Options)) *testRig {
	t.Helper()
	sink := audio.NewBufferSink()
	dev := audio.NewDeviceManager(sink, audio.DeviceManagerOptions{MaxConcurrentSources: 2})
	if err := dev.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	stream := audio.NewPushStream(16000)
	capture := audio.NewCaptureManager(&audio.StaticDevice{Stream: stream})

	events := &recorder{}
	synth := &fakeSynth{pcm: pcmTone(800)} // 50ms at 16kHz
	analytics := NewAnalytics(nil, "s1")

	opts := Options{
		SessionID:   "s1",
		UserID:      "u1",
		Voice:       config.DefaultVoiceConfig("elevenlabs", "rachel", "en-GB"),
		Devices:     dev,
		Capture:     capture,
		Transcriber: &fakeTranscriber{result: speech.TranscriptionResult{Transcript: "hello", Confidence: 0.9}},
		Synthesizer: synth,
		Chat:        chat.NewMock(),
		Analytics:   analytics,
		Listener:    events.listen,
	}
	if mutate != nil {
		mutate(&opts)
	}

	c, err := NewController(opts)
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	t.Cleanup(func() { _ = c.End(context.Background()) })

	return &testRig{
		controller: c,
		events:     events,
		sink:       sink,
		synth:      synth,
		analytics:  analytics,
		micStream:  stream,
		capture:    capture,
	}
}

// record drives one complete spoken utterance through the capture path.
func (r *testRig) record(t *testing.T, ctx context.Context) error {
	t.Helper()
	if err := r.controller.StartListening(ctx); err != nil {
		return err
	}
	r.micStream.Push(pcmTone(1600))
	waitFor(t, "capture level", func() bool { return r.capture.Level() > 0 })
	return r.controller.StopListening(ctx)
}

func TestPlaybackNeverBothPlayingAndPaused(t *testing.T) {
	rig := newRig(t, nil)
	rig.synth.pcm = pcmTone(8000) // 500ms, long enough to pause mid-flight
	ctx := context.Background()

	if err := rig.controller.Speak(ctx, "hello there", SpeakOptions{}); err != nil {
		t.Fatalf("Speak: %v", err)
	}
	rig.controller.PauseSpeaking()
	snap := rig.controller.Playback()
	if !snap.IsPaused || snap.IsPlaying {
		t.Fatalf("after pause: %+v", snap)
	}
	rig.controller.ResumeSpeaking()
	snap = rig.controller.Playback()
	if snap.IsPaused || !snap.IsPlaying {
		t.Fatalf("after resume: %+v", snap)
	}

	for _, ev := range rig.events.all() {
		if pc, ok := ev.(PlaybackChanged); ok {
			if pc.Playback.IsPlaying && pc.Playback.IsPaused {
				t.Fatalf("playing and paused simultaneously: %+v", pc.Playback)
			}
		}
	}
}

func TestAutoPlayGating(t *testing.T) {
	rig := newRig(t, nil)
	ctx := context.Background()

	typed := Message{Role: RoleAssistant, Content: "reply", InputType: InputText}
	if err := rig.controller.PlayMessage(ctx, typed); err != nil {
		t.Fatalf("PlayMessage: %v", err)
	}
	if got := len(rig.sink.Started()); got != 0 {
		t.Fatalf("typed-input reply started %d sources, want 0", got)
	}

	spoken := typed
	spoken.InputType = InputVoice
	if err := rig.controller.PlayMessage(ctx, spoken); err != nil {
		t.Fatalf("PlayMessage: %v", err)
	}
	if got := len(rig.sink.Started()); got != 1 {
		t.Fatalf("voice-input reply started %d sources, want 1", got)
	}

	override := true
	forced := typed
	forced.ShouldAutoPlay = &override
	if err := rig.controller.PlayMessage(ctx, forced); err != nil {
		t.Fatalf("PlayMessage: %v", err)
	}
	if got := len(rig.sink.Started()); got != 2 {
		t.Fatalf("override reply started %d total sources, want 2", got)
	}

	userMsg := Message{Role: RoleUser, Content: "hi", InputType: InputVoice}
	if err := rig.controller.PlayMessage(ctx, userMsg); err != nil {
		t.Fatalf("PlayMessage: %v", err)
	}
	if got := len(rig.sink.Started()); got != 2 {
		t.Fatalf("user message triggered playback: %d sources", got)
	}
}

func TestConfidenceGating(t *testing.T) {
	ctx := context.Background()

	t.Run("below threshold routes to manual review", func(t *testing.T) {
		rig := newRig(t, func(o *Options) {
			o.Transcriber = &fakeTranscriber{result: speech.TranscriptionResult{Transcript: "pay my bill", Confidence: 0.59}}
		})
		if err := rig.record(t, ctx); err != nil {
			t.Fatalf("record: %v", err)
		}
		if got := rig.events.count(EventMessageSent); got != 0 {
			t.Fatalf("low confidence sent %d messages, want 0", got)
		}
		if got := rig.events.count(EventTranscriptPending); got != 1 {
			t.Fatalf("TranscriptPending events = %d, want 1", got)
		}
		text, conf, ok := rig.controller.PendingTranscript()
		if !ok || text != "pay my bill" || conf != 0.59 {
			t.Fatalf("pending = (%q, %v, %v)", text, conf, ok)
		}

		// Manual send preserves and submits the transcript.
		if err := rig.controller.SendPending(ctx); err != nil {
			t.Fatalf("SendPending: %v", err)
		}
		if got := rig.events.count(EventMessageSent); got != 1 {
			t.Fatalf("after manual send, MessageSent = %d, want 1", got)
		}
		if _, _, ok := rig.controller.PendingTranscript(); ok {
			t.Fatal("pending transcript not cleared after send")
		}
	})

	t.Run("at threshold auto-sends", func(t *testing.T) {
		rig := newRig(t, func(o *Options) {
			o.Transcriber = &fakeTranscriber{result: speech.TranscriptionResult{Transcript: "pay my bill", Confidence: 0.6}}
		})
		if err := rig.record(t, ctx); err != nil {
			t.Fatalf("record: %v", err)
		}
		if got := rig.events.count(EventMessageSent); got != 1 {
			t.Fatalf("MessageSent = %d, want 1", got)
		}
		if got := rig.events.count(EventTranscriptPending); got != 0 {
			t.Fatalf("TranscriptPending = %d, want 0", got)
		}
	})
}

func TestHighConfidenceAutoSendIncrementsMessageCount(t *testing.T) {
	rig := newRig(t, func(o *Options) {
		o.Transcriber = &fakeTranscriber{result: speech.TranscriptionResult{Transcript: "book my GP appointment", Confidence: 0.82}}
	})
	ctx := context.Background()

	if err := rig.record(t, ctx); err != nil {
		t.Fatalf("record: %v", err)
	}
	if got := rig.events.count(EventTranscriptPending); got != 0 {
		t.Fatalf("manual review surfaced for high confidence: %d events", got)
	}
	if got := rig.events.count(EventMessageSent); got != 1 {
		t.Fatalf("MessageSent = %d, want 1", got)
	}
	snap := rig.analytics.Snapshot()
	if snap.MessageCount != 1 {
		t.Fatalf("MessageCount = %d, want 1", snap.MessageCount)
	}
	if snap.TranscriptionCount != 1 {
		t.Fatalf("TranscriptionCount = %d, want 1", snap.TranscriptionCount)
	}
}

func TestBackToBackSpeakWithInterrupt(t *testing.T) {
	rig := newRig(t, nil)
	ctx := context.Background()

	if err := rig.controller.Speak(ctx, "Hello", SpeakOptions{}); err != nil {
		t.Fatalf("first Speak: %v", err)
	}
	if err := rig.controller.Speak(ctx, "Hello", SpeakOptions{Interrupt: true}); err != nil {
		t.Fatalf("second Speak: %v", err)
	}

	waitFor(t, "speech end", func() bool { return rig.events.count(EventSpeechEnded) >= 1 })
	// Give any stray first-utterance timer a chance to misfire.
	time.Sleep(100 * time.Millisecond)

	if got := rig.events.count(EventSpeechEnded); got != 1 {
		t.Fatalf("SpeechEnded events = %d, want exactly 1", got)
	}
	if got := rig.analytics.Snapshot().InterruptionCount; got != 1 {
		t.Fatalf("InterruptionCount = %d, want 1", got)
	}
	if got := rig.events.count(EventInterrupted); got != 1 {
		t.Fatalf("Interrupted events = %d, want 1", got)
	}
	if got := rig.controller.State(); got != StateIdle {
		t.Fatalf("state = %q, want idle", got)
	}
}

func TestSynthesisFailureEntersRetryableErrorState(t *testing.T) {
	rig := newRig(t, nil)
	rig.synth.err = reliability.NewError(reliability.KindAPI, "synthesis service returned 500", nil)
	ctx := context.Background()

	err := rig.controller.Speak(ctx, "hello", SpeakOptions{})
	if err == nil {
		t.Fatal("Speak should fail")
	}
	var verr *reliability.VoiceError
	if !errors.As(err, &verr) {
		t.Fatalf("want VoiceError, got %T", err)
	}
	if verr.Kind != reliability.KindAPI {
		t.Fatalf("kind = %q, want %q", verr.Kind, reliability.KindAPI)
	}
	if !verr.Retryable() {
		t.Fatal("api_error should be retryable")
	}
	if got := rig.controller.State(); got != StateError {
		t.Fatalf("state = %q, want error", got)
	}
	if got := rig.analytics.Snapshot().ErrorCount; got != 1 {
		t.Fatalf("ErrorCount = %d, want 1", got)
	}
	if got := rig.events.count(EventErrorOccurred); got != 1 {
		t.Fatalf("error events = %d, want exactly 1", got)
	}

	rig.controller.ClearError()
	if got := rig.controller.State(); got != StateIdle {
		t.Fatalf("state after ClearError = %q, want idle", got)
	}
	if rig.controller.LastError() != nil {
		t.Fatal("LastError should clear")
	}
}

func TestSpeakDisabledOutputIsNoop(t *testing.T) {
	rig := newRig(t, func(o *Options) {
		o.Voice.OutputEnabled = false
	})
	if err := rig.controller.Speak(context.Background(), "hello", SpeakOptions{}); err != nil {
		t.Fatalf("Speak: %v", err)
	}
	if got := rig.synth.callCount(); got != 0 {
		t.Fatalf("synthesizer called %d times for disabled output", got)
	}
	if got := rig.controller.State(); got != StateIdle {
		t.Fatalf("state = %q, want idle", got)
	}
}

func TestTypedInputInterruptsSpeech(t *testing.T) {
	rig := newRig(t, nil)
	rig.synth.pcm = pcmTone(8000)
	ctx := context.Background()

	if err := rig.controller.Speak(ctx, "long answer", SpeakOptions{}); err != nil {
		t.Fatalf("Speak: %v", err)
	}
	if err := rig.controller.SendText(ctx, "actually, stop"); err != nil {
		t.Fatalf("SendText: %v", err)
	}

	if got := rig.events.count(EventInterrupted); got != 1 {
		t.Fatalf("Interrupted events = %d, want 1", got)
	}
	// Typed input never auto-plays the reply.
	if got := len(rig.sink.Started()); got != 1 {
		t.Fatalf("sources started = %d, want 1 (no auto-play for typed input)", got)
	}
	if got := rig.events.count(EventAssistantReply); got != 1 {
		t.Fatalf("AssistantReply events = %d, want 1", got)
	}
}

func TestRecordingBargeInStopsSpeech(t *testing.T) {
	rig := newRig(t, nil)
	rig.synth.pcm = pcmTone(8000)
	ctx := context.Background()

	if err := rig.controller.Speak(ctx, "long answer", SpeakOptions{}); err != nil {
		t.Fatalf("Speak: %v", err)
	}
	if err := rig.controller.StartListening(ctx); err != nil {
		t.Fatalf("StartListening: %v", err)
	}

	if got := rig.events.count(EventInterrupted); got != 1 {
		t.Fatalf("Interrupted events = %d, want 1", got)
	}
	if got := len(rig.sink.Stopped()); got == 0 {
		t.Fatal("prior source was never stopped")
	}
	if got := rig.controller.State(); got != StateListening {
		t.Fatalf("state = %q, want listening", got)
	}
}

func TestPermissionDeniedDistinguished(t *testing.T) {
	rig := newRig(t, func(o *Options) {
		o.Capture = audio.NewCaptureManager(&audio.StaticDevice{Denied: true})
	})
	err := rig.controller.StartListening(context.Background())
	if err == nil {
		t.Fatal("StartListening should fail")
	}
	var verr *reliability.VoiceError
	if !errors.As(err, &verr) {
		t.Fatalf("want VoiceError, got %T", err)
	}
	if verr.Kind != reliability.KindPermissionDenied {
		t.Fatalf("kind = %q, want %q", verr.Kind, reliability.KindPermissionDenied)
	}
	if verr.Retryable() {
		t.Fatal("permission_denied must not be retryable")
	}
	if got := rig.controller.State(); got != StateError {
		t.Fatalf("state = %q, want error", got)
	}
}

func TestStopListeningWhenIdleIsNoop(t *testing.T) {
	rig := newRig(t, nil)
	if err := rig.controller.StopListening(context.Background()); err != nil {
		t.Fatalf("StopListening: %v", err)
	}
	if got := rig.controller.State(); got != StateIdle {
		t.Fatalf("state = %q, want idle", got)
	}
	if got := rig.events.count(EventErrorOccurred); got != 0 {
		t.Fatalf("error events = %d, want 0", got)
	}
}

func TestSessionTimeoutTearsDown(t *testing.T) {
	rig := newRig(t, func(o *Options) {
		o.MaxDuration = 50 * time.Millisecond
	})
	ctx := context.Background()

	waitFor(t, "session end", func() bool { return rig.events.count(EventSessionEnded) >= 1 })

	for _, ev := range rig.events.all() {
		if se, ok := ev.(SessionEnded); ok {
			if se.Reason != "timeout" {
				t.Fatalf("reason = %q, want timeout", se.Reason)
			}
		}
	}
	if !rig.controller.Ended() {
		t.Fatal("controller should report ended")
	}

	calls := rig.synth.callCount()
	if err := rig.controller.Speak(ctx, "too late", SpeakOptions{}); err != nil {
		t.Fatalf("Speak after end: %v", err)
	}
	if rig.synth.callCount() != calls {
		t.Fatal("speak after session end reached the synthesizer")
	}
}

func TestUpdateVoiceRejectsInvalid(t *testing.T) {
	rig := newRig(t, nil)

	bad := rig.controller.Voice()
	bad.Speed = 9.0
	err := rig.controller.UpdateVoice(bad)
	var verr *reliability.VoiceError
	if !errors.As(err, &verr) || verr.Kind != reliability.KindInvalidConfig {
		t.Fatalf("err = %v, want invalid_configuration", err)
	}
	if got := rig.controller.Voice().Speed; got != 1.0 {
		t.Fatalf("speed = %v, want unchanged 1.0", got)
	}

	good := rig.controller.Voice()
	good.Speed = 1.5
	if err := rig.controller.UpdateVoice(good); err != nil {
		t.Fatalf("UpdateVoice: %v", err)
	}
	if got := rig.controller.Voice().Speed; got != 1.5 {
		t.Fatalf("speed = %v, want 1.5", got)
	}
}

func TestSetVolumeClampReflectedInPlayback(t *testing.T) {
	rig := newRig(t, nil)
	rig.controller.SetVolume(5)
	if got := rig.controller.Playback().Volume; got != 1.0 {
		t.Fatalf("volume = %v, want clamped 1.0", got)
	}
	rig.controller.SetVolume(-5)
	if got := rig.controller.Playback().Volume; got != 0.0 {
		t.Fatalf("volume = %v, want clamped 0.0", got)
	}
}

func TestTranscriptionFailureSurfaces(t *testing.T) {
	rig := newRig(t, func(o *Options) {
		o.Transcriber = &fakeTranscriber{err: reliability.NewError(reliability.KindTranscription, "stt unavailable", nil)}
	})
	ctx := context.Background()

	err := rig.record(t, ctx)
	var verr *reliability.VoiceError
	if !errors.As(err, &verr) || verr.Kind != reliability.KindTranscription {
		t.Fatalf("err = %v, want transcription_failed", err)
	}
	if got := rig.analytics.Snapshot().ErrorCount; got != 1 {
		t.Fatalf("ErrorCount = %d, want 1", got)
	}
}
