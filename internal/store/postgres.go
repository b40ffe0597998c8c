package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/smartlyte-ai/voicekit/internal/config"
)

// Postgres persists sessions and preferences in PostgreSQL.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &Postgres{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS voice_sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ,
			message_count BIGINT NOT NULL DEFAULT 0,
			transcription_count BIGINT NOT NULL DEFAULT 0,
			synthesis_count BIGINT NOT NULL DEFAULT 0,
			interruption_count BIGINT NOT NULL DEFAULT 0,
			error_count BIGINT NOT NULL DEFAULT 0,
			avg_response_ms DOUBLE PRECISION NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_voice_sessions_user_started ON voice_sessions (user_id, started_at);`,
		`CREATE TABLE IF NOT EXISTS voice_preferences (
			user_id TEXT PRIMARY KEY,
			settings JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *Postgres) CreateSession(ctx context.Context, rec SessionRecord) error {
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO voice_sessions (id, user_id, started_at) VALUES ($1, $2, $3)`,
		rec.ID, rec.UserID, rec.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *Postgres) UpdateSessionStats(ctx context.Context, sessionID string, stats SessionStats) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE voice_sessions SET
			message_count = message_count + $2,
			transcription_count = transcription_count + $3,
			synthesis_count = synthesis_count + $4,
			interruption_count = interruption_count + $5,
			error_count = error_count + $6,
			avg_response_ms = $7
		 WHERE id = $1`,
		sessionID,
		stats.MessageCount,
		stats.TranscriptionCnt,
		stats.SynthesisCnt,
		stats.InterruptionCnt,
		stats.ErrorCount,
		stats.AvgResponseMs,
	)
	if err != nil {
		return fmt.Errorf("update session stats: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) EndSession(ctx context.Context, sessionID string, endedAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE voice_sessions SET ended_at = $2 WHERE id = $1 AND ended_at IS NULL`,
		sessionID, endedAt,
	)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) GetSession(ctx context.Context, sessionID string) (SessionRecord, error) {
	var rec SessionRecord
	var endedAt *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, started_at, ended_at, message_count, transcription_count,
			synthesis_count, interruption_count, error_count, avg_response_ms
		 FROM voice_sessions WHERE id = $1`,
		sessionID,
	).Scan(&rec.ID, &rec.UserID, &rec.StartedAt, &endedAt, &rec.MessageCount,
		&rec.TranscriptionCnt, &rec.SynthesisCnt, &rec.InterruptionCnt,
		&rec.ErrorCount, &rec.AvgResponseMs)
	if errors.Is(err, pgx.ErrNoRows) {
		return SessionRecord{}, ErrNotFound
	}
	if err != nil {
		return SessionRecord{}, fmt.Errorf("get session: %w", err)
	}
	if endedAt != nil {
		rec.EndedAt = *endedAt
	}
	return rec, nil
}

func (s *Postgres) GetPreferences(ctx context.Context, userID string) (config.VoiceConfig, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT settings FROM voice_preferences WHERE user_id = $1`, userID,
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return config.VoiceConfig{}, ErrNotFound
	}
	if err != nil {
		return config.VoiceConfig{}, fmt.Errorf("get preferences: %w", err)
	}
	var cfg config.VoiceConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return config.VoiceConfig{}, fmt.Errorf("decode preferences: %w", err)
	}
	return cfg, nil
}

func (s *Postgres) SavePreferences(ctx context.Context, userID string, cfg config.VoiceConfig) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode preferences: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO voice_preferences (user_id, settings, updated_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (user_id) DO UPDATE SET settings = EXCLUDED.settings, updated_at = now()`,
		userID, raw,
	)
	if err != nil {
		return fmt.Errorf("save preferences: %w", err)
	}
	return nil
}

func (s *Postgres) Close() error {
	s.pool.Close()
	return nil
}
