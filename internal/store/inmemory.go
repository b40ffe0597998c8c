package store

import (
	"context"
	"sync"
	"time"

	"github.com/smartlyte-ai/voicekit/internal/config"
)

// InMemory is a simple in-process store for local/dev use.
type InMemory struct {
	mu       sync.RWMutex
	sessions map[string]SessionRecord
	prefs    map[string]config.VoiceConfig
}

func NewInMemory() *InMemory {
	return &InMemory{
		sessions: make(map[string]SessionRecord),
		prefs:    make(map[string]config.VoiceConfig),
	}
}

func (s *InMemory) CreateSession(_ context.Context, rec SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}
	s.sessions[rec.ID] = rec
	return nil
}

func (s *InMemory) UpdateSessionStats(_ context.Context, sessionID string, stats SessionStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	rec.MessageCount += stats.MessageCount
	rec.TranscriptionCnt += stats.TranscriptionCnt
	rec.SynthesisCnt += stats.SynthesisCnt
	rec.InterruptionCnt += stats.InterruptionCnt
	rec.ErrorCount += stats.ErrorCount
	rec.AvgResponseMs = stats.AvgResponseMs
	s.sessions[sessionID] = rec
	return nil
}

func (s *InMemory) EndSession(_ context.Context, sessionID string, endedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[sessionID]
	if !ok || !rec.EndedAt.IsZero() {
		return ErrNotFound
	}
	rec.EndedAt = endedAt
	s.sessions[sessionID] = rec
	return nil
}

func (s *InMemory) GetSession(_ context.Context, sessionID string) (SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.sessions[sessionID]
	if !ok {
		return SessionRecord{}, ErrNotFound
	}
	return rec, nil
}

func (s *InMemory) GetPreferences(_ context.Context, userID string) (config.VoiceConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.prefs[userID]
	if !ok {
		return config.VoiceConfig{}, ErrNotFound
	}
	return cfg, nil
}

func (s *InMemory) SavePreferences(_ context.Context, userID string, cfg config.VoiceConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prefs[userID] = cfg
	return nil
}

func (s *InMemory) Close() error { return nil }
