package validator_test

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/boxguard/parcel-detection-worker/internal/validator"
)

var receivedAt = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func floatPtr(v float64) *float64 { return &v }

func TestValidatePhoto_Valid(t *testing.T) {
	v := validator.NewValidator(5)
	data := validator.PhotoData{
		ImageB64:   base64.StdEncoding.EncodeToString([]byte("jpeg-bytes")),
		DistanceCm: floatPtr(12.5),
		CapturedAt: receivedAt.Add(-time.Minute).Format(time.RFC3339),
	}

	image, capturedAt, result := v.ValidatePhoto(data, receivedAt)
	if !result.IsValid {
		t.Fatalf("Expected valid photo, got: %s", result.Reason)
	}
	if string(image) != "jpeg-bytes" {
		t.Errorf("Unexpected decoded image: %q", image)
	}
	if !capturedAt.Equal(receivedAt.Add(-time.Minute)) {
		t.Errorf("Unexpected capture time: %s", capturedAt)
	}
}

func TestValidatePhoto_EmptyImage(t *testing.T) {
	v := validator.NewValidator(5)

	if _, _, result := v.ValidatePhoto(validator.PhotoData{}, receivedAt); result.IsValid {
		t.Error("Expected empty payload rejected")
	}
	data := validator.PhotoData{ImageB64: "not!!!base64"}
	if _, _, result := v.ValidatePhoto(data, receivedAt); result.IsValid {
		t.Error("Expected undecodable payload rejected")
	}
}

func TestValidatePhoto_DistanceRange(t *testing.T) {
	v := validator.NewValidator(5)
	img := base64.StdEncoding.EncodeToString([]byte("jpeg-bytes"))

	for _, distance := range []float64{-1, 500.1, 9999} {
		data := validator.PhotoData{ImageB64: img, DistanceCm: floatPtr(distance)}
		if _, _, result := v.ValidatePhoto(data, receivedAt); result.IsValid {
			t.Errorf("Expected distance %.1f rejected", distance)
		}
	}

	// Boundary values pass.
	for _, distance := range []float64{0, 500} {
		data := validator.PhotoData{ImageB64: img, DistanceCm: floatPtr(distance)}
		if _, _, result := v.ValidatePhoto(data, receivedAt); !result.IsValid {
			t.Errorf("Expected distance %.1f accepted, got: %s", distance, result.Reason)
		}
	}
}

func TestValidatePhoto_TimestampTolerance(t *testing.T) {
	v := validator.NewValidator(5)
	img := base64.StdEncoding.EncodeToString([]byte("jpeg-bytes"))

	data := validator.PhotoData{
		ImageB64:   img,
		CapturedAt: receivedAt.Add(-10 * time.Minute).Format(time.RFC3339),
	}
	if _, _, result := v.ValidatePhoto(data, receivedAt); result.IsValid {
		t.Error("Expected stale timestamp rejected")
	}

	data.CapturedAt = "not-a-timestamp"
	if _, _, result := v.ValidatePhoto(data, receivedAt); result.IsValid {
		t.Error("Expected unparsable timestamp rejected")
	}
}

func TestValidatePhoto_MissingTimestampFallsBack(t *testing.T) {
	v := validator.NewValidator(5)
	data := validator.PhotoData{ImageB64: base64.StdEncoding.EncodeToString([]byte("jpeg-bytes"))}

	_, capturedAt, result := v.ValidatePhoto(data, receivedAt)
	if !result.IsValid {
		t.Fatalf("Expected valid photo, got: %s", result.Reason)
	}
	if !capturedAt.Equal(receivedAt) {
		t.Errorf("Expected fallback to received time, got %s", capturedAt)
	}
}
