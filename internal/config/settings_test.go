package config_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/boxguard/parcel-detection-worker/internal/config"
)

func intPtr(v int) *int { return &v }

func TestDefaultSettings_Valid(t *testing.T) {
	if err := config.DefaultSettings().Validate(); err != nil {
		t.Fatalf("Default settings must validate: %v", err)
	}
}

func TestSettingsStore_ApplyPatch(t *testing.T) {
	store, err := config.NewSettingsStore(config.DefaultSettings())
	if err != nil {
		t.Fatalf("NewSettingsStore failed: %v", err)
	}

	updated, err := store.Apply(config.Patch{HighConfidence: intPtr(90)})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if updated.HighConfidence != 90 {
		t.Errorf("Expected high confidence 90, got %d", updated.HighConfidence)
	}
	if got := store.Snapshot().HighConfidence; got != 90 {
		t.Errorf("Expected snapshot to reflect patch, got %d", got)
	}

	// Untouched fields keep their values.
	if updated.MediumConfidence != 70 || updated.RejectThreshold != 40 {
		t.Errorf("Patch must not disturb other fields: %+v", updated)
	}
}

func TestSettingsStore_RejectsInvalidPatchAtomically(t *testing.T) {
	store, err := config.NewSettingsStore(config.DefaultSettings())
	if err != nil {
		t.Fatalf("NewSettingsStore failed: %v", err)
	}

	// Valid field and invalid field in one patch: neither may apply.
	_, err = store.Apply(config.Patch{
		LowConfidence:  intPtr(50),
		HighConfidence: intPtr(140),
	})
	if err == nil {
		t.Fatal("Expected out-of-range patch rejected")
	}
	snap := store.Snapshot()
	if snap.LowConfidence != 60 || snap.HighConfidence != 85 {
		t.Errorf("Rejected patch must leave settings untouched: %+v", snap)
	}
}

func TestSettings_ValidateOrdering(t *testing.T) {
	s := config.DefaultSettings()
	s.MediumConfidence = 90
	if err := s.Validate(); err == nil {
		t.Error("Expected error for medium above high")
	}

	s = config.DefaultSettings()
	s.RejectThreshold = 70
	if err := s.Validate(); err == nil {
		t.Error("Expected error for reject threshold at accept threshold")
	}

	s = config.DefaultSettings()
	s.BaselineRetention = 0
	if err := s.Validate(); err == nil {
		t.Error("Expected error for zero baseline retention")
	}

	s = config.DefaultSettings()
	s.BoostInterval = 0
	if err := s.Validate(); err == nil {
		t.Error("Expected error for zero interval")
	}
}

func TestPatch_JSONDecoding(t *testing.T) {
	raw := `{"high_confidence": 88, "comparison_enabled": false, "active_interval": 10000000000}`
	var p config.Patch
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if p.HighConfidence == nil || *p.HighConfidence != 88 {
		t.Error("Expected high_confidence decoded")
	}
	if p.ComparisonEnabled == nil || *p.ComparisonEnabled {
		t.Error("Expected comparison_enabled decoded as false")
	}
	if p.ActiveInterval == nil || *p.ActiveInterval != 10*time.Second {
		t.Error("Expected active_interval decoded as nanoseconds")
	}
	if p.LowConfidence != nil {
		t.Error("Absent fields must stay nil")
	}
}
