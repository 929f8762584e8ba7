package config

import (
	"fmt"
	"sync"
	"time"
)

// Settings are the runtime-adjustable detection parameters. They are read as
// a snapshot on every detection/schedule call so updates apply without a
// restart.
type Settings struct {
	HighConfidence       int           `json:"high_confidence"`
	MediumConfidence     int           `json:"medium_confidence"`
	LowConfidence        int           `json:"low_confidence"`
	AcceptThreshold      int           `json:"accept_threshold"`
	RejectThreshold      int           `json:"reject_threshold"`
	RetryOnLowConfidence bool          `json:"retry_on_low_confidence"`
	ProximityThresholdCm float64       `json:"proximity_threshold_cm"`
	ComparisonEnabled    bool          `json:"comparison_enabled"`
	VerifyBeforeBaseline bool          `json:"verify_before_baseline"`
	BaselineMaxAge       time.Duration `json:"baseline_max_age"`
	BaselineRetention    int           `json:"baseline_retention"`
	IdleInterval         time.Duration `json:"idle_interval"`
	ActiveInterval       time.Duration `json:"active_interval"`
	CooldownInterval     time.Duration `json:"cooldown_interval"`
	BoostInterval        time.Duration `json:"boost_interval"`
	ActivityWindow       time.Duration `json:"activity_window"`
	PickupCooldownWindow time.Duration `json:"pickup_cooldown_window"`
}

// DefaultSettings returns the stock detection parameters.
func DefaultSettings() Settings {
	return Settings{
		HighConfidence:       85,
		MediumConfidence:     70,
		LowConfidence:        60,
		AcceptThreshold:      70,
		RejectThreshold:      40,
		RetryOnLowConfidence: true,
		ProximityThresholdCm: 15,
		ComparisonEnabled:    true,
		VerifyBeforeBaseline: true,
		BaselineMaxAge:       24 * time.Hour,
		BaselineRetention:    3,
		IdleInterval:         30 * time.Second,
		ActiveInterval:       15 * time.Second,
		CooldownInterval:     60 * time.Second,
		BoostInterval:        5 * time.Second,
		ActivityWindow:       2 * time.Minute,
		PickupCooldownWindow: 5 * time.Minute,
	}
}

// Patch is a partial settings update. Only non-nil fields are applied, and
// the whole patch is validated against the resulting settings before any
// field takes effect.
type Patch struct {
	HighConfidence       *int           `json:"high_confidence,omitempty"`
	MediumConfidence     *int           `json:"medium_confidence,omitempty"`
	LowConfidence        *int           `json:"low_confidence,omitempty"`
	AcceptThreshold      *int           `json:"accept_threshold,omitempty"`
	RejectThreshold      *int           `json:"reject_threshold,omitempty"`
	RetryOnLowConfidence *bool          `json:"retry_on_low_confidence,omitempty"`
	ProximityThresholdCm *float64       `json:"proximity_threshold_cm,omitempty"`
	ComparisonEnabled    *bool          `json:"comparison_enabled,omitempty"`
	VerifyBeforeBaseline *bool          `json:"verify_before_baseline,omitempty"`
	BaselineMaxAge       *time.Duration `json:"baseline_max_age,omitempty"`
	BaselineRetention    *int           `json:"baseline_retention,omitempty"`
	IdleInterval         *time.Duration `json:"idle_interval,omitempty"`
	ActiveInterval       *time.Duration `json:"active_interval,omitempty"`
	CooldownInterval     *time.Duration `json:"cooldown_interval,omitempty"`
	BoostInterval        *time.Duration `json:"boost_interval,omitempty"`
	ActivityWindow       *time.Duration `json:"activity_window,omitempty"`
	PickupCooldownWindow *time.Duration `json:"pickup_cooldown_window,omitempty"`
}

func (p Patch) apply(s Settings) Settings {
	if p.HighConfidence != nil {
		s.HighConfidence = *p.HighConfidence
	}
	if p.MediumConfidence != nil {
		s.MediumConfidence = *p.MediumConfidence
	}
	if p.LowConfidence != nil {
		s.LowConfidence = *p.LowConfidence
	}
	if p.AcceptThreshold != nil {
		s.AcceptThreshold = *p.AcceptThreshold
	}
	if p.RejectThreshold != nil {
		s.RejectThreshold = *p.RejectThreshold
	}
	if p.RetryOnLowConfidence != nil {
		s.RetryOnLowConfidence = *p.RetryOnLowConfidence
	}
	if p.ProximityThresholdCm != nil {
		s.ProximityThresholdCm = *p.ProximityThresholdCm
	}
	if p.ComparisonEnabled != nil {
		s.ComparisonEnabled = *p.ComparisonEnabled
	}
	if p.VerifyBeforeBaseline != nil {
		s.VerifyBeforeBaseline = *p.VerifyBeforeBaseline
	}
	if p.BaselineMaxAge != nil {
		s.BaselineMaxAge = *p.BaselineMaxAge
	}
	if p.BaselineRetention != nil {
		s.BaselineRetention = *p.BaselineRetention
	}
	if p.IdleInterval != nil {
		s.IdleInterval = *p.IdleInterval
	}
	if p.ActiveInterval != nil {
		s.ActiveInterval = *p.ActiveInterval
	}
	if p.CooldownInterval != nil {
		s.CooldownInterval = *p.CooldownInterval
	}
	if p.BoostInterval != nil {
		s.BoostInterval = *p.BoostInterval
	}
	if p.ActivityWindow != nil {
		s.ActivityWindow = *p.ActivityWindow
	}
	if p.PickupCooldownWindow != nil {
		s.PickupCooldownWindow = *p.PickupCooldownWindow
	}
	return s
}

// Validate checks the internal consistency of a full settings value.
func (s Settings) Validate() error {
	for name, v := range map[string]int{
		"high_confidence":   s.HighConfidence,
		"medium_confidence": s.MediumConfidence,
		"low_confidence":    s.LowConfidence,
		"accept_threshold":  s.AcceptThreshold,
		"reject_threshold":  s.RejectThreshold,
	} {
		if v < 0 || v > 100 {
			return fmt.Errorf("%s must be between 0 and 100, got %d", name, v)
		}
	}
	if s.HighConfidence < s.MediumConfidence || s.MediumConfidence < s.LowConfidence {
		return fmt.Errorf("confidence ladder must be ordered high >= medium >= low, got %d/%d/%d",
			s.HighConfidence, s.MediumConfidence, s.LowConfidence)
	}
	if s.RejectThreshold >= s.AcceptThreshold {
		return fmt.Errorf("reject_threshold %d must be below accept_threshold %d",
			s.RejectThreshold, s.AcceptThreshold)
	}
	if s.ProximityThresholdCm <= 0 {
		return fmt.Errorf("proximity_threshold_cm must be positive, got %.1f", s.ProximityThresholdCm)
	}
	if s.BaselineMaxAge <= 0 {
		return fmt.Errorf("baseline_max_age must be positive, got %s", s.BaselineMaxAge)
	}
	if s.BaselineRetention < 1 {
		return fmt.Errorf("baseline_retention must be at least 1, got %d", s.BaselineRetention)
	}
	for name, d := range map[string]time.Duration{
		"idle_interval":          s.IdleInterval,
		"active_interval":        s.ActiveInterval,
		"cooldown_interval":      s.CooldownInterval,
		"boost_interval":         s.BoostInterval,
		"activity_window":        s.ActivityWindow,
		"pickup_cooldown_window": s.PickupCooldownWindow,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	return nil
}

// SettingsStore holds the current settings and applies validated patches
// atomically.
type SettingsStore struct {
	mu      sync.RWMutex
	current Settings
}

// NewSettingsStore creates a store seeded with the given settings.
func NewSettingsStore(initial Settings) (*SettingsStore, error) {
	if err := initial.Validate(); err != nil {
		return nil, fmt.Errorf("invalid initial settings: %w", err)
	}
	return &SettingsStore{current: initial}, nil
}

// Snapshot returns the current settings by value.
func (st *SettingsStore) Snapshot() Settings {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.current
}

// Apply validates the patch against the current settings and installs the
// result. On validation failure nothing changes.
func (st *SettingsStore) Apply(p Patch) (Settings, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	next := p.apply(st.current)
	if err := next.Validate(); err != nil {
		return st.current, fmt.Errorf("settings patch rejected: %w", err)
	}
	st.current = next
	return next, nil
}
