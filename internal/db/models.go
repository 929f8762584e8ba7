package db

import (
	"time"

	"github.com/google/uuid"
)

// DetectionRecord is a persisted detection result row
type DetectionRecord struct {
	ID             uuid.UUID
	DeviceID       string
	HasPackage     bool
	Confidence     int
	Tier           string
	Mode           string
	Reason         string
	Description    string
	CredentialID   string
	ResponseTimeMs int64
	ChangeDetected bool
	ErrorCause     *string
	Correction     *string
	DetectedAt     time.Time
	CreatedAt      time.Time
}
