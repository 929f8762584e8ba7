package vision

import (
	"fmt"
	"strings"
)

// Reason is why a detection request was issued. It shapes the prompt and is
// recorded with the result.
type Reason string

const (
	ReasonPeriodic             Reason = "periodic"
	ReasonManual               Reason = "manual"
	ReasonLowConfidenceRetry   Reason = "low_confidence_retry"
	ReasonBaselineVerification Reason = "baseline_verification"
	ReasonUserRequest          Reason = "user_request"
)

const outputFormat = `Respond with a single JSON object and nothing else:
{"hasPackage": <true|false>, "confidence": <integer 0-100>, "description": "<what is visible on the plate>", "reasoning": "<why you decided>"}`

const comparisonOutputFormat = `Respond with a single JSON object and nothing else:
{"hasPackage": <true|false>, "changeDetected": <true|false>, "confidence": <integer 0-100>, "description": "<what changed>", "reasoning": "<why you decided>"}`

// buildSinglePrompt produces the fixed-structure prompt for one-image
// detection.
func buildSinglePrompt(req VerifyRequest) string {
	var b strings.Builder
	b.WriteString("You are inspecting a top-down photo of a package-holder plate mounted outside a door.\n")
	if req.DistanceCm != nil {
		fmt.Fprintf(&b, "An ultrasonic sensor above the plate measures %.1f cm to the nearest surface.\n", *req.DistanceCm)
	}
	if req.Reason == ReasonBaselineVerification {
		b.WriteString("This photo should show an EMPTY plate; confirm whether that is the case.\n")
	}
	b.WriteString("Decide whether a real parcel or package is sitting on the plate. ")
	b.WriteString("Shadows, rain, leaves, hands, pets and camera artifacts are NOT packages.\n")
	b.WriteString(outputFormat)
	return b.String()
}

// buildComparisonPrompt produces the two-image differential prompt. The first
// image is the empty-plate baseline, the second is the current view.
func buildComparisonPrompt(req VerifyRequest) string {
	var b strings.Builder
	b.WriteString("You are comparing two top-down photos of the same package-holder plate.\n")
	b.WriteString("Image 1 is a reference photo of the plate known to be empty. Image 2 is the current view.\n")
	if req.DistanceCm != nil {
		fmt.Fprintf(&b, "An ultrasonic sensor above the plate currently measures %.1f cm to the nearest surface.\n", *req.DistanceCm)
	}
	b.WriteString("Decide whether a NEW parcel or package has appeared on the plate relative to the reference. ")
	b.WriteString("Lighting changes, shadows, moisture and debris are NOT packages.\n")
	b.WriteString(comparisonOutputFormat)
	return b.String()
}
