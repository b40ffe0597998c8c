package audio

import (
	"context"
	"encoding/binary"
	"testing"
	"time"
)

func loudFrame(n int) []byte {
	frame := make([]byte, n*2)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(frame[2*i:], uint16(int16(16000)))
	}
	return frame
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestStartStopRecording(t *testing.T) {
	stream := NewPushStream(16000)
	m := NewCaptureManager(&StaticDevice{Stream: stream})

	if err := m.StartRecording(context.Background()); err != nil {
		t.Fatalf("StartRecording() error = %v", err)
	}
	if !m.Recording() {
		t.Fatalf("Recording() = false, want true")
	}

	stream.Push(loudFrame(160))
	waitFor(t, time.Second, func() bool { return m.Level() > 0 })
	stream.Push(make([]byte, 160*2)) // silence drops the meter back to zero once consumed
	waitFor(t, time.Second, func() bool { return m.Level() == 0 })

	rec := m.StopRecording()
	if rec == nil {
		t.Fatalf("StopRecording() = nil, want recording")
	}
	if len(rec.PCM) != 2*160*2 {
		t.Fatalf("recorded %d bytes, want %d", len(rec.PCM), 2*160*2)
	}
	if rec.SampleRate != 16000 {
		t.Fatalf("SampleRate = %d, want 16000", rec.SampleRate)
	}
	if m.Recording() {
		t.Fatalf("Recording() after stop = true, want false")
	}
	if m.Level() != 0 {
		t.Fatalf("Level() after stop = %v, want 0", m.Level())
	}
}

func TestStopWhenNotRecordingIsNoop(t *testing.T) {
	m := NewCaptureManager(&StaticDevice{})
	if rec := m.StopRecording(); rec != nil {
		t.Fatalf("StopRecording() while idle = %+v, want nil", rec)
	}
	// And again, to make sure nothing latched.
	if rec := m.StopRecording(); rec != nil {
		t.Fatalf("second StopRecording() while idle = %+v, want nil", rec)
	}
}

func TestPermissionDeniedDistinguished(t *testing.T) {
	m := NewCaptureManager(&StaticDevice{Denied: true})
	err := m.StartRecording(context.Background())
	if err == nil {
		t.Fatalf("StartRecording() error = nil, want permission_denied")
	}
	verr := asVoiceError(t, err)
	if verr.Kind != "permission_denied" {
		t.Fatalf("Kind = %s, want permission_denied", verr.Kind)
	}
	if verr.Retryable() {
		t.Fatalf("Retryable() = true, want false for permission_denied")
	}
}

func TestRestartDiscardsPreviousRecording(t *testing.T) {
	first := NewPushStream(16000)
	device := &StaticDevice{Stream: first}
	m := NewCaptureManager(device)

	if err := m.StartRecording(context.Background()); err != nil {
		t.Fatalf("first StartRecording() error = %v", err)
	}
	first.Push(loudFrame(160))
	waitFor(t, time.Second, func() bool { return m.Level() > 0 })

	second := NewPushStream(16000)
	device.Stream = second
	if err := m.StartRecording(context.Background()); err != nil {
		t.Fatalf("second StartRecording() error = %v", err)
	}

	second.Push(loudFrame(80))
	waitFor(t, time.Second, func() bool { return m.Level() > 0 })

	rec := m.StopRecording()
	if rec == nil {
		t.Fatalf("StopRecording() = nil, want recording")
	}
	if len(rec.PCM) != 80*2 {
		t.Fatalf("recorded %d bytes, want only second recording's %d", len(rec.PCM), 80*2)
	}
}

func TestDurationSecondsTicks(t *testing.T) {
	stream := NewPushStream(16000)
	m := NewCaptureManager(&StaticDevice{Stream: stream})
	if err := m.StartRecording(context.Background()); err != nil {
		t.Fatalf("StartRecording() error = %v", err)
	}
	if got := m.DurationSeconds(); got != 0 {
		t.Fatalf("DurationSeconds() at start = %d, want 0", got)
	}
	waitFor(t, 3*time.Second, func() bool { return m.DurationSeconds() >= 1 })
	m.StopRecording()
}

func TestLevelPCM16(t *testing.T) {
	if got := LevelPCM16(nil); got != 0 {
		t.Fatalf("LevelPCM16(nil) = %v, want 0", got)
	}
	silent := make([]byte, 320)
	if got := LevelPCM16(silent); got != 0 {
		t.Fatalf("LevelPCM16(silence) = %v, want 0", got)
	}
	loud := loudFrame(160)
	got := LevelPCM16(loud)
	if got <= 0 || got > 1 {
		t.Fatalf("LevelPCM16(loud) = %v, want in (0,1]", got)
	}
}

func TestWaveformPCM16(t *testing.T) {
	wave := WaveformPCM16(loudFrame(160), 8)
	if len(wave) != 8 {
		t.Fatalf("len(waveform) = %d, want 8", len(wave))
	}
	for i, v := range wave {
		if v <= 0 || v > 1 {
			t.Fatalf("waveform[%d] = %v, want in (0,1]", i, v)
		}
	}
}

func TestWAVRoundTrip(t *testing.T) {
	pcm := loudFrame(160)
	wav, err := EncodeWAVPCM16LE(pcm, 16000)
	if err != nil {
		t.Fatalf("EncodeWAVPCM16LE() error = %v", err)
	}
	got, rate, err := DecodeWAVPCM16LE(wav)
	if err != nil {
		t.Fatalf("DecodeWAVPCM16LE() error = %v", err)
	}
	if rate != 16000 {
		t.Fatalf("rate = %d, want 16000", rate)
	}
	if len(got) != len(pcm) {
		t.Fatalf("decoded %d bytes, want %d", len(got), len(pcm))
	}
}
