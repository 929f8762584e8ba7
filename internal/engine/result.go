package engine

import (
	"fmt"
	"time"

	"github.com/boxguard/parcel-detection-worker/internal/vision"
)

// Tier is the confidence-banded classification of a detection result.
type Tier string

const (
	TierHigh      Tier = "HIGH"
	TierMedium    Tier = "MEDIUM"
	TierLow       Tier = "LOW"
	TierUncertain Tier = "UNCERTAIN"
	TierError     Tier = "ERROR"
)

// Mode is how the detection was performed.
type Mode string

const (
	ModeSingle     Mode = "single"
	ModeComparison Mode = "comparison"
)

// Correction is an operator-feedback annotation on a recorded result.
type Correction string

const (
	CorrectionFalsePositive Correction = "false_positive"
	CorrectionFalseNegative Correction = "false_negative"
)

// Request is one inbound detection request. It is transient and never
// persisted.
type Request struct {
	DeviceID   string
	Image      []byte
	Reason     vision.Reason
	DistanceCm *float64
}

// Result is the structured outcome of one detection. Every detect call
// produces one, including total failures; callers never see an error.
type Result struct {
	ID           string        `json:"id"`
	Timestamp    time.Time     `json:"timestamp"`
	DeviceID     string        `json:"device_id"`
	HasPackage   bool          `json:"has_package"`
	Confidence   int           `json:"confidence"`
	Tier         Tier          `json:"tier"`
	Mode         Mode          `json:"mode"`
	Reason       vision.Reason `json:"reason"`
	Description  string        `json:"description,omitempty"`
	Reasoning    string        `json:"reasoning,omitempty"`
	CredentialID string        `json:"credential_id,omitempty"`
	ResponseTime time.Duration `json:"response_time"`

	// Comparison-mode extras.
	ChangeDetected bool          `json:"change_detected,omitempty"`
	BaselineAge    time.Duration `json:"baseline_age,omitempty"`

	// Error cause for ERROR-tier results.
	Error string `json:"error,omitempty"`

	// Operator feedback, set after the fact by id.
	Correction Correction `json:"correction,omitempty"`
}

// Stats are the engine's running totals. Averages use incremental-average
// updates over non-error results.
type Stats struct {
	TotalChecks      int       `json:"total_checks"`
	PackagesDetected int       `json:"packages_detected"`
	Retries          int       `json:"retries"`
	SingleMode       int       `json:"single_mode"`
	ComparisonMode   int       `json:"comparison_mode"`
	Errors           int       `json:"errors"`
	Corrections      int       `json:"corrections"`
	AvgConfidence    float64   `json:"avg_confidence"`
	AvgResponseMs    float64   `json:"avg_response_ms"`
	LastCheckAt      time.Time `json:"last_check_at"`
}

// BaselineRejectedError reports a contaminated baseline capture: the
// pre-store verification saw a package on the plate.
type BaselineRejectedError struct {
	Confidence  int
	Description string
}

func (e *BaselineRejectedError) Error() string {
	return fmt.Sprintf("baseline rejected: verification reports a package (confidence %d): %s",
		e.Confidence, e.Description)
}
