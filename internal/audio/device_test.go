package audio

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/smartlyte-ai/voicekit/internal/reliability"
)

func asVoiceError(t *testing.T, err error) *reliability.VoiceError {
	t.Helper()
	verr := reliability.AsVoiceError(err, reliability.KindAPI)
	if verr == nil {
		t.Fatalf("expected VoiceError, got %v", err)
	}
	return verr
}

// pcmClip returns silence long enough to still be "playing" while a test
// inspects the pool.
func pcmClip(seconds float64) []byte {
	n := int(seconds * 16000)
	return make([]byte, n*2)
}

func newTestManager(t *testing.T, opts DeviceManagerOptions) (*DeviceManager, *BufferSink) {
	t.Helper()
	sink := NewBufferSink()
	m := NewDeviceManager(sink, opts)
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	t.Cleanup(m.Dispose)
	return m, sink
}

func TestInitializeIdempotent(t *testing.T) {
	m, _ := newTestManager(t, DeviceManagerOptions{})
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("second Initialize() error = %v", err)
	}
}

func TestInitializeResumeFailure(t *testing.T) {
	sink := NewBufferSink()
	sink.ResumeErr = errors.New("requires user gesture")
	m := NewDeviceManager(sink, DeviceManagerOptions{})
	err := m.Initialize(context.Background())
	if err == nil {
		t.Fatalf("Initialize() error = nil, want audio_processing_error")
	}
	verr := asVoiceError(t, err)
	if verr.Kind != "audio_processing_error" {
		t.Fatalf("Kind = %s, want audio_processing_error", verr.Kind)
	}
}

func TestSetVolumeClamps(t *testing.T) {
	m, sink := newTestManager(t, DeviceManagerOptions{})

	m.SetVolume(-5)
	if got := m.Volume(); got != 0 {
		t.Fatalf("Volume() after -5 = %v, want 0", got)
	}
	m.SetVolume(5)
	if got := m.Volume(); got != 1 {
		t.Fatalf("Volume() after 5 = %v, want 1", got)
	}
	m.SetVolume(0.4)
	if got := m.Volume(); got != 0.4 {
		t.Fatalf("Volume() after 0.4 = %v, want 0.4", got)
	}
	if got := sink.Gain(); got != 0.4 {
		t.Fatalf("sink gain = %v, want 0.4", got)
	}
}

func TestSetVolumeMonotonic(t *testing.T) {
	m, _ := newTestManager(t, DeviceManagerOptions{})
	prev := -1.0
	for _, v := range []float64{-2, 0, 0.1, 0.5, 0.9, 1, 3} {
		m.SetVolume(v)
		got := m.Volume()
		if got < prev {
			t.Fatalf("Volume() not monotonic: %v after %v", got, prev)
		}
		prev = got
	}
}

func TestMutePreservesVolume(t *testing.T) {
	m, sink := newTestManager(t, DeviceManagerOptions{})
	m.SetVolume(0.7)
	m.SetMuted(true)
	if got := sink.Gain(); got != 0 {
		t.Fatalf("sink gain while muted = %v, want 0", got)
	}
	if got := m.Volume(); got != 0.7 {
		t.Fatalf("Volume() while muted = %v, want 0.7", got)
	}
	m.SetMuted(false)
	if got := sink.Gain(); got != 0.7 {
		t.Fatalf("sink gain after unmute = %v, want 0.7", got)
	}
}

func TestInterruptStopsPriorSource(t *testing.T) {
	m, sink := newTestManager(t, DeviceManagerOptions{})

	first, err := m.PlayPCM(pcmClip(10), 16000, PlayOptions{})
	if err != nil {
		t.Fatalf("first PlayPCM() error = %v", err)
	}
	second, err := m.PlayPCM(pcmClip(10), 16000, PlayOptions{Interrupt: true})
	if err != nil {
		t.Fatalf("second PlayPCM() error = %v", err)
	}

	active := m.ActiveSourceIDs()
	if len(active) != 1 || active[0] != second {
		t.Fatalf("active sources = %v, want exactly [%s]", active, second)
	}
	stopped := sink.Stopped()
	if len(stopped) != 1 || stopped[0] != first {
		t.Fatalf("stopped = %v, want [%s]", stopped, first)
	}
}

func TestFIFOEviction(t *testing.T) {
	m, sink := newTestManager(t, DeviceManagerOptions{MaxConcurrentSources: 2})

	s1, _ := m.PlayPCM(pcmClip(10), 16000, PlayOptions{})
	s2, _ := m.PlayPCM(pcmClip(10), 16000, PlayOptions{})
	s3, err := m.PlayPCM(pcmClip(10), 16000, PlayOptions{})
	if err != nil {
		t.Fatalf("third PlayPCM() error = %v", err)
	}

	active := m.ActiveSourceIDs()
	if len(active) != 2 || active[0] != s2 || active[1] != s3 {
		t.Fatalf("active = %v, want [%s %s]", active, s2, s3)
	}
	stopped := sink.Stopped()
	if len(stopped) != 1 || stopped[0] != s1 {
		t.Fatalf("stopped = %v, want oldest [%s]", stopped, s1)
	}
}

func TestStopAllIdempotent(t *testing.T) {
	m, _ := newTestManager(t, DeviceManagerOptions{})
	_, _ = m.PlayPCM(pcmClip(10), 16000, PlayOptions{})
	m.StopAll()
	if got := len(m.ActiveSourceIDs()); got != 0 {
		t.Fatalf("active after StopAll = %d, want 0", got)
	}
	// Second call must not panic or change state.
	m.StopAll()
	if got := len(m.ActiveSourceIDs()); got != 0 {
		t.Fatalf("active after second StopAll = %d, want 0", got)
	}
}

func TestPlaybackEndsAndReportsOnEnded(t *testing.T) {
	m, _ := newTestManager(t, DeviceManagerOptions{})

	ended := make(chan string, 1)
	_, err := m.PlayPCM(pcmClip(0.01), 16000, PlayOptions{
		OnEnded: func(id string) { ended <- id },
	})
	if err != nil {
		t.Fatalf("PlayPCM() error = %v", err)
	}

	select {
	case <-ended:
	case <-time.After(2 * time.Second):
		t.Fatalf("OnEnded not called")
	}
	if got := len(m.ActiveSourceIDs()); got != 0 {
		t.Fatalf("active after natural end = %d, want 0", got)
	}
}

func TestPlayStartFailureDoesNotAffectOthers(t *testing.T) {
	m, sink := newTestManager(t, DeviceManagerOptions{})

	ok, err := m.PlayPCM(pcmClip(10), 16000, PlayOptions{})
	if err != nil {
		t.Fatalf("PlayPCM() error = %v", err)
	}

	sink.StartErr = errors.New("node allocation failed")
	var reported bool
	_, err = m.PlayPCM(pcmClip(10), 16000, PlayOptions{
		OnError: func(_ *reliability.VoiceError) { reported = true },
	})
	if err == nil {
		t.Fatalf("PlayPCM() with failing sink error = nil, want error")
	}
	if !reported {
		t.Fatalf("OnError not invoked")
	}

	active := m.ActiveSourceIDs()
	if len(active) != 1 || active[0] != ok {
		t.Fatalf("active = %v, want prior source [%s] untouched", active, ok)
	}
}

func TestPlayEncodedRoundTrip(t *testing.T) {
	m, sink := newTestManager(t, DeviceManagerOptions{})

	wav, err := EncodeWAVPCM16LE(pcmClip(10), 16000)
	if err != nil {
		t.Fatalf("EncodeWAVPCM16LE() error = %v", err)
	}
	if _, err := m.PlayEncoded(wav, PlayOptions{}); err != nil {
		t.Fatalf("PlayEncoded() error = %v", err)
	}
	if got := len(sink.Started()); got != 1 {
		t.Fatalf("started = %d, want 1", got)
	}

	if _, err := m.PlayEncoded([]byte("not audio"), PlayOptions{}); err == nil {
		t.Fatalf("PlayEncoded(garbage) error = nil, want decode error")
	}
}

func TestDisposeMakesManagerUnusable(t *testing.T) {
	sink := NewBufferSink()
	m := NewDeviceManager(sink, DeviceManagerOptions{Visualization: true, VisualizationInterval: 5 * time.Millisecond})
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	_, _ = m.PlayPCM(pcmClip(10), 16000, PlayOptions{})

	m.Dispose()

	if _, err := m.PlayPCM(pcmClip(1), 16000, PlayOptions{}); err == nil {
		t.Fatalf("PlayPCM() after Dispose error = nil, want error")
	}
	if err := m.Initialize(context.Background()); err == nil {
		t.Fatalf("Initialize() after Dispose error = nil, want error")
	}
	// Dispose again is a no-op.
	m.Dispose()
}
