package audio

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/smartlyte-ai/voicekit/internal/reliability"
)

// ErrPermissionDenied is returned by an InputDevice when the platform
// refuses microphone access. Callers must be able to tell this apart from
// every other capture failure.
var ErrPermissionDenied = errors.New("microphone permission denied")

// InputDevice opens microphone streams. The browser getUserMedia call, a
// transport feeding client audio chunks, or a test fake.
type InputDevice interface {
	Open(ctx context.Context) (InputStream, error)
}

// InputStream delivers PCM16LE frames until closed. Closing releases the
// underlying tracks; a stream is owned by exactly one recording.
type InputStream interface {
	Frames() <-chan []byte
	SampleRate() int
	Close() error
}

// Recording is the buffered result of one capture.
type Recording struct {
	PCM        []byte
	SampleRate int
	Duration   time.Duration
}

// CaptureManager owns microphone acquisition, recording, and level
// metering. At most one recording is active; starting a new one stops and
// discards the previous recording first.
type CaptureManager struct {
	device InputDevice

	mu        sync.Mutex
	stream    InputStream
	cancel    context.CancelFunc
	buf       []byte
	level     float64
	startedAt time.Time
	seconds   int
	done      chan struct{}
}

func NewCaptureManager(device InputDevice) *CaptureManager {
	return &CaptureManager{device: device}
}

// StartRecording acquires the input stream and begins buffering frames.
// Permission refusals surface as permission_denied; every other open
// failure is an audio_processing_error.
func (m *CaptureManager) StartRecording(ctx context.Context) error {
	// An active recording is stopped (and its audio discarded) before the
	// new one begins; two recordings never overlap.
	m.discardActive()

	recCtx, cancel := context.WithCancel(ctx)
	stream, err := m.device.Open(recCtx)
	if err != nil {
		cancel()
		if errors.Is(err, ErrPermissionDenied) {
			return reliability.NewError(reliability.KindPermissionDenied, "microphone access was denied", err)
		}
		return reliability.NewError(reliability.KindAudioProcessing, "could not open microphone", err)
	}

	m.mu.Lock()
	m.stream = stream
	m.cancel = cancel
	m.buf = m.buf[:0]
	m.level = 0
	m.seconds = 0
	m.startedAt = time.Now()
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	go m.consume(recCtx, stream, done)
	return nil
}

func (m *CaptureManager) consume(ctx context.Context, stream InputStream, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			if m.stream == stream {
				m.seconds++
			}
			m.mu.Unlock()
		case frame, ok := <-stream.Frames():
			if !ok {
				return
			}
			m.mu.Lock()
			if m.stream == stream {
				m.buf = append(m.buf, frame...)
				m.level = LevelPCM16(frame)
			}
			m.mu.Unlock()
		}
	}
}

// StopRecording finalizes and returns the recording. Calling it when no
// recording is active is a no-op returning nil.
func (m *CaptureManager) StopRecording() *Recording {
	m.mu.Lock()
	stream := m.stream
	cancel := m.cancel
	done := m.done
	if stream == nil {
		m.mu.Unlock()
		return nil
	}
	rec := &Recording{
		PCM:        append([]byte(nil), m.buf...),
		SampleRate: stream.SampleRate(),
		Duration:   time.Since(m.startedAt),
	}
	m.stream = nil
	m.cancel = nil
	m.done = nil
	m.buf = m.buf[:0]
	m.level = 0
	m.mu.Unlock()

	cancel()
	_ = stream.Close()
	if done != nil {
		<-done
	}
	return rec
}

// Recording reports whether a capture is in progress.
func (m *CaptureManager) Recording() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stream != nil
}

// Level is the latest normalized [0,1] input amplitude; 0 when idle.
func (m *CaptureManager) Level() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.level
}

// DurationSeconds is the whole-second duration of the active recording.
func (m *CaptureManager) DurationSeconds() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seconds
}

func (m *CaptureManager) discardActive() {
	m.mu.Lock()
	stream := m.stream
	cancel := m.cancel
	done := m.done
	m.stream = nil
	m.cancel = nil
	m.done = nil
	m.buf = m.buf[:0]
	m.level = 0
	m.seconds = 0
	m.mu.Unlock()

	if stream == nil {
		return
	}
	cancel()
	_ = stream.Close()
	if done != nil {
		<-done
	}
}

// PushStream is an InputStream fed by its producer: the websocket gateway
// pushes decoded client audio chunks, tests push fixtures.
type PushStream struct {
	frames     chan []byte
	sampleRate int
	closeOnce  sync.Once
}

func NewPushStream(sampleRate int) *PushStream {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	return &PushStream{
		frames:     make(chan []byte, 64),
		sampleRate: sampleRate,
	}
}

// Push queues one PCM frame; drops when the consumer lags far behind.
func (s *PushStream) Push(frame []byte) {
	defer func() {
		// Tolerate a racing Close; a dropped trailing frame is acceptable.
		_ = recover()
	}()
	select {
	case s.frames <- frame:
	default:
	}
}

func (s *PushStream) Frames() <-chan []byte { return s.frames }
func (s *PushStream) SampleRate() int       { return s.sampleRate }

func (s *PushStream) Close() error {
	s.closeOnce.Do(func() { close(s.frames) })
	return nil
}

// StaticDevice is an InputDevice returning a prepared stream, or a
// permission failure when Denied is set.
type StaticDevice struct {
	Stream *PushStream
	Denied bool
	// SampleRate used when Stream is nil and a fresh stream must be made.
	SampleRate int
}

func (d *StaticDevice) Open(context.Context) (InputStream, error) {
	if d.Denied {
		return nil, ErrPermissionDenied
	}
	if d.Stream != nil {
		return d.Stream, nil
	}
	return NewPushStream(d.SampleRate), nil
}
