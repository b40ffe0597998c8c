package voicesession

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/smartlyte-ai/voicekit/internal/store"
)

// StatsSnapshot is the read-only view of a session's accumulators.
type StatsSnapshot struct {
	SessionID          string        `json:"session_id"`
	StartedAt          time.Time     `json:"started_at"`
	TotalDuration      time.Duration `json:"total_duration"`
	MessageCount       int64         `json:"message_count"`
	TranscriptionCount int64         `json:"transcription_count"`
	SynthesisCount     int64         `json:"synthesis_count"`
	InterruptionCount  int64         `json:"interruption_count"`
	ErrorCount         int64         `json:"error_count"`
	UserSpeech         time.Duration `json:"user_speech"`
	AgentSpeech        time.Duration `json:"agent_speech"`
	AvgLatencyMs       float64       `json:"avg_latency_ms"`
	SuccessRate        float64       `json:"success_rate"`
}

// Analytics accumulates per-session statistics. Counters only grow during
// a session; EndSession flushes the snapshot to the store and resets the
// accumulators even when the flush fails.
type Analytics struct {
	store store.Store

	mu                 sync.Mutex
	sessionID          string
	startedAt          time.Time
	messageCount       int64
	transcriptionCount int64
	synthesisCount     int64
	interruptionCount  int64
	errorCount         int64
	userSpeech         time.Duration
	agentSpeech        time.Duration
	latencySamples     int64
	latencyMeanMs      float64
}

func NewAnalytics(st store.Store, sessionID string) *Analytics {
	return &Analytics{
		store:     st,
		sessionID: sessionID,
		startedAt: time.Now().UTC(),
	}
}

func (a *Analytics) AddMessage() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.messageCount++
}

func (a *Analytics) AddTranscription(userSpeech time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.transcriptionCount++
	if userSpeech > 0 {
		a.userSpeech += userSpeech
	}
}

func (a *Analytics) AddSynthesis(agentSpeech time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.synthesisCount++
	if agentSpeech > 0 {
		a.agentSpeech += agentSpeech
	}
}

func (a *Analytics) AddInterruption() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.interruptionCount++
}

func (a *Analytics) AddError() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.errorCount++
}

// ObserveLatency folds one request round-trip into the running mean.
func (a *Analytics) ObserveLatency(d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.latencySamples++
	a.latencyMeanMs += (float64(d.Milliseconds()) - a.latencyMeanMs) / float64(a.latencySamples)
}

func (a *Analytics) Snapshot() StatsSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

func (a *Analytics) snapshotLocked() StatsSnapshot {
	snap := StatsSnapshot{
		SessionID:          a.sessionID,
		StartedAt:          a.startedAt,
		TotalDuration:      time.Since(a.startedAt),
		MessageCount:       a.messageCount,
		TranscriptionCount: a.transcriptionCount,
		SynthesisCount:     a.synthesisCount,
		InterruptionCount:  a.interruptionCount,
		ErrorCount:         a.errorCount,
		UserSpeech:         a.userSpeech,
		AgentSpeech:        a.agentSpeech,
		AvgLatencyMs:       a.latencyMeanMs,
	}
	if snap.MessageCount > 0 {
		snap.SuccessRate = float64(snap.MessageCount-snap.ErrorCount) / float64(snap.MessageCount)
		if snap.SuccessRate < 0 {
			snap.SuccessRate = 0
		}
	}
	return snap
}

// EndSession pushes the final snapshot to the store and zeroes the local
// accumulators. The reset happens even if the remote push fails; the
// returned snapshot is what was (or would have been) persisted.
func (a *Analytics) EndSession(ctx context.Context) (StatsSnapshot, error) {
	a.mu.Lock()
	snap := a.snapshotLocked()
	a.messageCount = 0
	a.transcriptionCount = 0
	a.synthesisCount = 0
	a.interruptionCount = 0
	a.errorCount = 0
	a.userSpeech = 0
	a.agentSpeech = 0
	a.latencySamples = 0
	a.latencyMeanMs = 0
	a.startedAt = time.Now().UTC()
	a.mu.Unlock()

	if a.store == nil {
		return snap, nil
	}
	if err := a.store.UpdateSessionStats(ctx, snap.SessionID, store.SessionStats{
		MessageCount:     snap.MessageCount,
		TranscriptionCnt: snap.TranscriptionCount,
		SynthesisCnt:     snap.SynthesisCount,
		InterruptionCnt:  snap.InterruptionCount,
		ErrorCount:       snap.ErrorCount,
		AvgResponseMs:    snap.AvgLatencyMs,
	}); err != nil {
		return snap, fmt.Errorf("flush session stats: %w", err)
	}
	if err := a.store.EndSession(ctx, snap.SessionID, time.Now().UTC()); err != nil {
		return snap, fmt.Errorf("end session record: %w", err)
	}
	return snap, nil
}
