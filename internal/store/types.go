// Package store persists voice session records and per-user voice
// preferences. Postgres backs production; an in-process map backs
// local development and tests.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/smartlyte-ai/voicekit/internal/config"
)

// ErrNotFound is returned when a session or preference row is missing.
var ErrNotFound = errors.New("store: not found")

// SessionRecord is the durable view of one voice session.
type SessionRecord struct {
	ID               string    `json:"id"`
	UserID           string    `json:"user_id"`
	StartedAt        time.Time `json:"started_at"`
	EndedAt          time.Time `json:"ended_at"`
	MessageCount     int64     `json:"message_count"`
	TranscriptionCnt int64     `json:"transcription_count"`
	SynthesisCnt     int64     `json:"synthesis_count"`
	InterruptionCnt  int64     `json:"interruption_count"`
	ErrorCount       int64     `json:"error_count"`
	AvgResponseMs    float64   `json:"avg_response_ms"`
}

// SessionStats carries the counter deltas written on each analytics flush.
type SessionStats struct {
	MessageCount     int64
	TranscriptionCnt int64
	SynthesisCnt     int64
	InterruptionCnt  int64
	ErrorCount       int64
	AvgResponseMs    float64
}

// Store persists sessions and voice preferences.
type Store interface {
	CreateSession(ctx context.Context, rec SessionRecord) error
	UpdateSessionStats(ctx context.Context, sessionID string, stats SessionStats) error
	EndSession(ctx context.Context, sessionID string, endedAt time.Time) error
	GetSession(ctx context.Context, sessionID string) (SessionRecord, error)

	GetPreferences(ctx context.Context, userID string) (config.VoiceConfig, error)
	SavePreferences(ctx context.Context, userID string, cfg config.VoiceConfig) error

	Close() error
}
