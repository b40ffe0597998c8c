package audio

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/smartlyte-ai/voicekit/internal/reliability"
)

// OutputSink is the audio output graph the engine plays into. In a browser
// embedding this is the WebAudio context; in the service it forwards audio
// to the client transport; in tests it is a fake. Only the DeviceManager
// may drive a sink.
type OutputSink interface {
	// Resume wakes a suspended output graph. Autoplay policies may require
	// a user gesture before this succeeds.
	Resume(ctx context.Context) error
	// StartSource begins playback of one source at the given gain.
	StartSource(id string, pcm []byte, sampleRate int, gain float64) error
	// StopSource halts a source. Must tolerate ids that already stopped.
	StopSource(id string) error
	// SetMasterGain applies a [0,1] gain to all current and future sources.
	SetMasterGain(gain float64) error
	Close() error
}

// PlayOptions adjust a single playback request.
type PlayOptions struct {
	// Volume overrides the per-source gain, clamped to [0,1].
	Volume *float64
	// Interrupt stops all currently playing sources first.
	Interrupt bool
	OnEnded   func(sourceID string)
	OnError   func(err *reliability.VoiceError)
}

// VisualizationSnapshot is the latest sampled output state for UI rendering.
type VisualizationSnapshot struct {
	Level         float64   `json:"level"`
	Waveform      []float64 `json:"waveform"`
	ActiveSources int       `json:"active_sources"`
	CapturedAt    time.Time `json:"captured_at"`
}

// DeviceManagerOptions configure a DeviceManager at construction.
type DeviceManagerOptions struct {
	// MaxConcurrentSources bounds the source pool; the oldest source is
	// stopped when a new one would exceed it. Defaults to 3.
	MaxConcurrentSources int
	// Visualization enables the sampling loop.
	Visualization bool
	// VisualizationInterval defaults to 33ms (roughly one animation frame).
	VisualizationInterval time.Duration
}

// DeviceManager owns the single audio output graph: master gain, the
// bounded pool of playing sources, and the visualization sampling loop.
type DeviceManager struct {
	mu   sync.Mutex
	sink OutputSink
	opts DeviceManagerOptions

	initialized bool
	disposed    bool
	volume      float64
	muted       bool
	sources     []*playingSource

	visCancel context.CancelFunc
	visSnap   VisualizationSnapshot
}

type playingSource struct {
	id         string
	pcm        []byte
	sampleRate int
	startedAt  time.Time
	timer      *time.Timer
	onEnded    func(string)
}

func NewDeviceManager(sink OutputSink, opts DeviceManagerOptions) *DeviceManager {
	if opts.MaxConcurrentSources <= 0 {
		opts.MaxConcurrentSources = 3
	}
	if opts.VisualizationInterval <= 0 {
		opts.VisualizationInterval = 33 * time.Millisecond
	}
	return &DeviceManager{
		sink:   sink,
		opts:   opts,
		volume: 1.0,
	}
}

// Initialize prepares the output graph. It is idempotent; a second call is
// a no-op. A sink that cannot resume surfaces as audio_processing_error.
func (m *DeviceManager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return reliability.NewError(reliability.KindAudioProcessing, "device manager disposed", nil)
	}
	if m.initialized {
		m.mu.Unlock()
		return nil
	}
	sink := m.sink
	m.mu.Unlock()

	if err := sink.Resume(ctx); err != nil {
		return reliability.NewError(reliability.KindAudioProcessing, "audio output could not resume", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed {
		return reliability.NewError(reliability.KindAudioProcessing, "device manager disposed", nil)
	}
	if m.initialized {
		return nil
	}
	m.initialized = true
	_ = m.sink.SetMasterGain(m.effectiveGainLocked())

	if m.opts.Visualization {
		visCtx, cancel := context.WithCancel(context.Background())
		m.visCancel = cancel
		go m.visualizationLoop(visCtx)
	}
	return nil
}

// PlayPCM schedules raw PCM16LE mono audio for playback and returns the
// new source id. With Interrupt set, all current sources stop first. At
// pool capacity the oldest source is evicted; the new request always plays.
func (m *DeviceManager) PlayPCM(pcm []byte, sampleRate int, opts PlayOptions) (string, error) {
	if len(pcm) == 0 {
		return "", nil
	}
	if sampleRate <= 0 {
		sampleRate = 16000
	}

	m.mu.Lock()
	if m.disposed || !m.initialized {
		m.mu.Unlock()
		err := reliability.NewError(reliability.KindAudioProcessing, "device manager not initialized", nil)
		if opts.OnError != nil {
			opts.OnError(err)
		}
		return "", err
	}

	if opts.Interrupt {
		m.stopAllLocked()
	}
	for len(m.sources) >= m.opts.MaxConcurrentSources {
		m.evictOldestLocked()
	}

	gain := 1.0
	if opts.Volume != nil {
		gain = clampUnit(*opts.Volume)
	}

	src := &playingSource{
		id:         uuid.NewString(),
		pcm:        pcm,
		sampleRate: sampleRate,
		startedAt:  time.Now(),
		onEnded:    opts.OnEnded,
	}

	if err := m.sink.StartSource(src.id, pcm, sampleRate, gain); err != nil {
		m.mu.Unlock()
		verr := reliability.NewError(reliability.KindAudioProcessing, "playback failed to start", err)
		if opts.OnError != nil {
			opts.OnError(verr)
		}
		return "", verr
	}

	duration := time.Duration(PCMDuration(pcm, sampleRate) * float64(time.Second))
	src.timer = time.AfterFunc(duration, func() {
		m.finishSource(src.id)
	})
	m.sources = append(m.sources, src)
	m.mu.Unlock()
	return src.id, nil
}

// PlayEncoded decodes a WAV blob and plays it. Unsupported containers are
// audio_processing errors.
func (m *DeviceManager) PlayEncoded(blob []byte, opts PlayOptions) (string, error) {
	pcm, sampleRate, err := DecodeWAVPCM16LE(blob)
	if err != nil {
		verr := reliability.NewError(reliability.KindAudioProcessing, "could not decode audio", err)
		if opts.OnError != nil {
			opts.OnError(verr)
		}
		return "", verr
	}
	return m.PlayPCM(pcm, sampleRate, opts)
}

// StopAll stops and forgets every active source. Safe to call repeatedly
// and with sources that already finished.
func (m *DeviceManager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopAllLocked()
}

// StopSource stops one source if it is still active.
func (m *DeviceManager) StopSource(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, src := range m.sources {
		if src.id == id {
			src.timer.Stop()
			_ = m.sink.StopSource(src.id)
			m.sources = append(m.sources[:i], m.sources[i+1:]...)
			return
		}
	}
}

// SetVolume clamps v to [0,1] and applies it to the master gain.
func (m *DeviceManager) SetVolume(v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.volume = clampUnit(v)
	if m.initialized && !m.disposed {
		_ = m.sink.SetMasterGain(m.effectiveGainLocked())
	}
}

// SetMuted toggles output without losing the stored volume.
func (m *DeviceManager) SetMuted(muted bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.muted = muted
	if m.initialized && !m.disposed {
		_ = m.sink.SetMasterGain(m.effectiveGainLocked())
	}
}

func (m *DeviceManager) Volume() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.volume
}

func (m *DeviceManager) Muted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.muted
}

// ActiveSourceIDs returns ids of playing sources in start order.
func (m *DeviceManager) ActiveSourceIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.sources))
	for _, src := range m.sources {
		out = append(out, src.id)
	}
	return out
}

// Snapshot returns the most recent visualization sample.
func (m *DeviceManager) Snapshot() VisualizationSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.visSnap
}

// Dispose tears the manager down: visualization loop cancelled, sources
// stopped, sink closed. The manager is unusable afterward.
func (m *DeviceManager) Dispose() {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return
	}
	m.disposed = true
	if m.visCancel != nil {
		m.visCancel()
		m.visCancel = nil
	}
	m.stopAllLocked()
	sink := m.sink
	m.sink = nil
	m.initialized = false
	m.mu.Unlock()

	if sink != nil {
		_ = sink.Close()
	}
}

func (m *DeviceManager) stopAllLocked() {
	for _, src := range m.sources {
		src.timer.Stop()
		if m.sink != nil {
			// Already-stopped sources are fine; the sink swallows those.
			_ = m.sink.StopSource(src.id)
		}
	}
	m.sources = m.sources[:0]
}

func (m *DeviceManager) evictOldestLocked() {
	if len(m.sources) == 0 {
		return
	}
	oldest := m.sources[0]
	oldest.timer.Stop()
	_ = m.sink.StopSource(oldest.id)
	m.sources = m.sources[1:]
}

func (m *DeviceManager) finishSource(id string) {
	m.mu.Lock()
	var ended *playingSource
	for i, src := range m.sources {
		if src.id == id {
			ended = src
			m.sources = append(m.sources[:i], m.sources[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	if ended != nil && ended.onEnded != nil {
		ended.onEnded(id)
	}
}

func (m *DeviceManager) visualizationLoop(ctx context.Context) {
	ticker := time.NewTicker(m.opts.VisualizationInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.sampleVisualization(now)
		}
	}
}

func (m *DeviceManager) sampleVisualization(now time.Time) {
	const window = 1024 // samples per snapshot, like an analyser fft window

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed {
		return
	}

	snap := VisualizationSnapshot{CapturedAt: now, ActiveSources: len(m.sources)}
	for _, src := range m.sources {
		elapsed := now.Sub(src.startedAt).Seconds()
		pos := int(elapsed*float64(src.sampleRate)) * 2
		if pos < 0 || pos >= len(src.pcm) {
			continue
		}
		end := pos + window*2
		if end > len(src.pcm) {
			end = len(src.pcm)
		}
		frame := src.pcm[pos:end]
		level := LevelPCM16(frame) * m.effectiveGainLocked()
		if level > snap.Level {
			snap.Level = level
			snap.Waveform = WaveformPCM16(frame, 32)
		}
	}
	m.visSnap = snap
}

func (m *DeviceManager) effectiveGainLocked() float64 {
	if m.muted {
		return 0
	}
	return m.volume
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// BufferSink is an in-process OutputSink that records playback commands.
// It backs tests and any embedding that only needs to observe, not render.
type BufferSink struct {
	mu      sync.Mutex
	started []string
	stopped []string
	gain    float64
	closed  bool

	// ResumeErr, when set, makes Resume fail (exercise autoplay-block paths).
	ResumeErr error
	// StartErr, when set, makes the next StartSource fail once.
	StartErr error
}

func NewBufferSink() *BufferSink {
	return &BufferSink{gain: 1.0}
}

func (s *BufferSink) Resume(context.Context) error {
	if s.ResumeErr != nil {
		return s.ResumeErr
	}
	return nil
}

func (s *BufferSink) StartSource(id string, _ []byte, _ int, _ float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("sink closed")
	}
	if s.StartErr != nil {
		err := s.StartErr
		s.StartErr = nil
		return err
	}
	s.started = append(s.started, id)
	return nil
}

func (s *BufferSink) StopSource(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = append(s.stopped, id)
	return nil
}

func (s *BufferSink) SetMasterGain(gain float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gain = gain
	return nil
}

func (s *BufferSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *BufferSink) Started() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.started...)
}

func (s *BufferSink) Stopped() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.stopped...)
}

func (s *BufferSink) Gain() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gain
}
