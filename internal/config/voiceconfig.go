package config

import (
	"fmt"
	"strings"
)

// Quality selects the synthesis quality tier.
type Quality string

const (
	QualityStandard Quality = "standard"
	QualityHD       Quality = "hd"
)

// LatencyMode trades synthesis latency against output quality.
type LatencyMode string

const (
	LatencyLow      LatencyMode = "low"
	LatencyBalanced LatencyMode = "balanced"
	LatencyQuality  LatencyMode = "quality"
)

const (
	SpeedMin = 0.25
	SpeedMax = 4.0
)

// VoiceConfig is the per-session voice configuration snapshot. It is
// immutable once handed to a controller; changes go through Update, which
// revalidates every field.
type VoiceConfig struct {
	Provider             string      `json:"provider"`
	VoiceID              string      `json:"voice_id"`
	Language             string      `json:"language"`
	Speed                float64     `json:"speed"`
	Quality              Quality     `json:"quality"`
	Latency              LatencyMode `json:"latency"`
	Enabled              bool        `json:"enabled"`
	AutoPlay             bool        `json:"auto_play"`
	InputEnabled         bool        `json:"input_enabled"`
	OutputEnabled        bool        `json:"output_enabled"`
	InterruptionsEnabled bool        `json:"interruptions_enabled"`
	VisualizationEnabled bool        `json:"visualization_enabled"`
}

// DefaultVoiceConfig returns the configuration applied to sessions whose
// user has no stored preferences.
func DefaultVoiceConfig(provider, voiceID, language string) VoiceConfig {
	return VoiceConfig{
		Provider:             provider,
		VoiceID:              voiceID,
		Language:             language,
		Speed:                1.0,
		Quality:              QualityStandard,
		Latency:              LatencyBalanced,
		Enabled:              true,
		AutoPlay:             true,
		InputEnabled:         true,
		OutputEnabled:        true,
		InterruptionsEnabled: true,
		VisualizationEnabled: false,
	}
}

// Validate checks every field and returns the first violation found.
func (c VoiceConfig) Validate() error {
	if strings.TrimSpace(c.Provider) == "" {
		return fmt.Errorf("provider is required")
	}
	if strings.TrimSpace(c.VoiceID) == "" {
		return fmt.Errorf("voice_id is required")
	}
	if strings.TrimSpace(c.Language) == "" {
		return fmt.Errorf("language is required")
	}
	if c.Speed < SpeedMin || c.Speed > SpeedMax {
		return fmt.Errorf("speed %.2f out of range [%.2f,%.2f]", c.Speed, SpeedMin, SpeedMax)
	}
	switch c.Quality {
	case QualityStandard, QualityHD:
	default:
		return fmt.Errorf("unknown quality tier %q", c.Quality)
	}
	switch c.Latency {
	case LatencyLow, LatencyBalanced, LatencyQuality:
	default:
		return fmt.Errorf("unknown latency mode %q", c.Latency)
	}
	return nil
}

// Update applies a replacement configuration, revalidating all fields.
// The receiver is untouched on error.
func (c VoiceConfig) Update(next VoiceConfig) (VoiceConfig, error) {
	if err := next.Validate(); err != nil {
		return c, err
	}
	return next, nil
}

// ClampSpeed forces a speed multiplier into the supported range.
func ClampSpeed(speed float64) float64 {
	if speed < SpeedMin {
		return SpeedMin
	}
	if speed > SpeedMax {
		return SpeedMax
	}
	return speed
}
