package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/boxguard/parcel-detection-worker/internal/db"
	"github.com/boxguard/parcel-detection-worker/internal/engine"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists detection records. Persistence is best-effort: the
// detection path logs failures and moves on, it never blocks on the
// database.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new repository
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// RecordFromResult converts an engine result into a database row.
func RecordFromResult(res *engine.Result) (*db.DetectionRecord, error) {
	id, err := uuid.Parse(res.ID)
	if err != nil {
		return nil, fmt.Errorf("invalid result id %q: %w", res.ID, err)
	}
	rec := &db.DetectionRecord{
		ID:             id,
		DeviceID:       res.DeviceID,
		HasPackage:     res.HasPackage,
		Confidence:     res.Confidence,
		Tier:           string(res.Tier),
		Mode:           string(res.Mode),
		Reason:         string(res.Reason),
		Description:    res.Description,
		CredentialID:   res.CredentialID,
		ResponseTimeMs: res.ResponseTime.Milliseconds(),
		ChangeDetected: res.ChangeDetected,
		DetectedAt:     res.Timestamp,
	}
	if res.Error != "" {
		cause := res.Error
		rec.ErrorCause = &cause
	}
	return rec, nil
}

// InsertDetection inserts a detection record
func (r *Repository) InsertDetection(ctx context.Context, rec *db.DetectionRecord) error {
	query := `
		INSERT INTO detection_records (
			id, device_id, has_package, confidence, tier, mode, reason,
			description, credential_id, response_time_ms, change_detected,
			error_cause, detected_at, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, now())
	`

	_, err := r.pool.Exec(ctx, query,
		rec.ID,
		rec.DeviceID,
		rec.HasPackage,
		rec.Confidence,
		rec.Tier,
		rec.Mode,
		rec.Reason,
		rec.Description,
		rec.CredentialID,
		rec.ResponseTimeMs,
		rec.ChangeDetected,
		rec.ErrorCause,
		rec.DetectedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to insert detection record: %w", err)
	}

	return nil
}

// ApplyCorrection stores an operator correction on a persisted record
func (r *Repository) ApplyCorrection(ctx context.Context, id uuid.UUID, correction string) error {
	query := `
		UPDATE detection_records
		SET correction = $1
		WHERE id = $2
	`

	tag, err := r.pool.Exec(ctx, query, correction, id)
	if err != nil {
		return fmt.Errorf("failed to apply correction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("detection record %s not found", id)
	}

	return nil
}

// CountDetectionsSince counts persisted detections after the given time
func (r *Repository) CountDetectionsSince(ctx context.Context, since time.Time) (int64, error) {
	query := `
		SELECT count(*)
		FROM detection_records
		WHERE detected_at >= $1
	`

	var count int64
	if err := r.pool.QueryRow(ctx, query, since).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count detections: %w", err)
	}

	return count, nil
}
