package validator

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/boxguard/parcel-detection-worker/tools/timeparser"
)

// Photo messages claiming a distance beyond this are sensor glitches.
const maxDistanceCm = 500

// ValidationResult holds validation outcome
type ValidationResult struct {
	IsValid bool
	Reason  string
}

// PhotoData is the device-reported content of a photo message.
type PhotoData struct {
	ImageB64   string
	DistanceCm *float64
	CapturedAt string
}

// Validator checks device photo messages before they reach the detection
// engine.
type Validator struct {
	timestampToleranceMinutes int
}

// NewValidator creates a new validator with the specified tolerance
func NewValidator(timestampToleranceMinutes int) *Validator {
	return &Validator{
		timestampToleranceMinutes: timestampToleranceMinutes,
	}
}

// ValidatePhoto decodes and sanity-checks a photo message. The returned
// capture time falls back to receivedAt when the device sent none.
func (v *Validator) ValidatePhoto(data PhotoData, receivedAt time.Time) ([]byte, time.Time, ValidationResult) {
	result := ValidationResult{IsValid: true}

	if data.ImageB64 == "" {
		result.IsValid = false
		result.Reason = "empty image payload"
		return nil, receivedAt, result
	}
	image, err := base64.StdEncoding.DecodeString(data.ImageB64)
	if err != nil {
		result.IsValid = false
		result.Reason = fmt.Sprintf("invalid image encoding: %v", err)
		return nil, receivedAt, result
	}
	if len(image) == 0 {
		result.IsValid = false
		result.Reason = "empty image payload"
		return nil, receivedAt, result
	}

	if data.DistanceCm != nil {
		if *data.DistanceCm < 0 || *data.DistanceCm > maxDistanceCm {
			result.IsValid = false
			result.Reason = fmt.Sprintf("distance reading %.1f cm out of range", *data.DistanceCm)
			return image, receivedAt, result
		}
	}

	capturedAt := receivedAt
	if data.CapturedAt != "" {
		parsed, err := timeparser.ParseDeviceTimestamp(data.CapturedAt)
		if err != nil {
			result.IsValid = false
			result.Reason = fmt.Sprintf("invalid capture timestamp: %v", err)
			return image, receivedAt, result
		}
		if !timeparser.IsWithinTolerance(parsed, receivedAt, v.timestampToleranceMinutes) {
			result.IsValid = false
			result.Reason = fmt.Sprintf("capture timestamp outside tolerance window (±%d minutes)", v.timestampToleranceMinutes)
			return image, parsed, result
		}
		capturedAt = parsed
	}

	return image, capturedAt, result
}
