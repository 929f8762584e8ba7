package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/boxguard/parcel-detection-worker/internal/config"
	"github.com/boxguard/parcel-detection-worker/internal/engine"
	"github.com/boxguard/parcel-detection-worker/internal/logging"
	"github.com/boxguard/parcel-detection-worker/internal/mq"
	"github.com/boxguard/parcel-detection-worker/internal/repository"
	"github.com/boxguard/parcel-detection-worker/internal/scheduler"
	"github.com/boxguard/parcel-detection-worker/internal/validator"
	"github.com/boxguard/parcel-detection-worker/internal/vision"
	"go.uber.org/zap"
)

// PhotoMessage is the device relay's photo event payload.
type PhotoMessage struct {
	Trigger             string   `json:"trigger"`
	Image               string   `json:"image"`
	DistanceCm          *float64 `json:"distance_cm,omitempty"`
	UltrasonicTriggered bool     `json:"ultrasonic_triggered,omitempty"`
	CapturedAt          string   `json:"captured_at,omitempty"`
}

// SensorMessage is an ultrasonic trigger event without a photo.
type SensorMessage struct {
	DistanceCm *float64 `json:"distance_cm,omitempty"`
}

// ProcessorService wires device events through the detection engine and out
// to persistence, the event exchange, and the interval scheduler.
type ProcessorService struct {
	engine    *engine.Engine
	sched     *scheduler.Scheduler
	repo      *repository.Repository
	publisher *mq.Publisher
	validator *validator.Validator
	settings  *config.SettingsStore
	cfg       *config.Config
	logger    *zap.Logger
}

// NewProcessorService creates a new processor service
func NewProcessorService(
	eng *engine.Engine,
	sched *scheduler.Scheduler,
	repo *repository.Repository,
	publisher *mq.Publisher,
	val *validator.Validator,
	settings *config.SettingsStore,
	cfg *config.Config,
	logger *zap.Logger,
) *ProcessorService {
	return &ProcessorService{
		engine:    eng,
		sched:     sched,
		repo:      repo,
		publisher: publisher,
		validator: val,
		settings:  settings,
		cfg:       cfg,
		logger:    logger,
	}
}

// HandlePhoto runs the full detection pipeline for one device photo. The
// engine converts its own failures into ERROR-tier results, so only an
// undecodable message fails here.
func (s *ProcessorService) HandlePhoto(ctx context.Context, deviceID string, body []byte) error {
	var msg PhotoMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return fmt.Errorf("failed to unmarshal photo message: %w", err)
	}

	log := logging.WithDevice(s.logger, deviceID)

	image, _, res := s.validatePhoto(msg, log)
	if !res.IsValid {
		return fmt.Errorf("photo message rejected: %s", res.Reason)
	}

	result := s.engine.Detect(ctx, engine.Request{
		DeviceID:   deviceID,
		Image:      image,
		Reason:     reasonFromTrigger(msg.Trigger),
		DistanceCm: msg.DistanceCm,
	})

	s.persist(ctx, result, log)

	if result.HasPackage {
		s.sched.RecordActivity(scheduler.EventPackageDetected)
	}
	decision := s.sched.ComputeInterval(scheduler.Context{
		SensorTriggered: msg.UltrasonicTriggered,
		PackagePresent:  result.HasPackage,
	})

	s.publishResult(ctx, result, log)
	s.publishSchedule(ctx, deviceID, decision, log)

	log.Info("photo processed",
		zap.String("result_id", result.ID),
		zap.String("tier", string(result.Tier)),
		zap.Bool("has_package", result.HasPackage),
		zap.String("next_mode", string(decision.Mode)))
	return nil
}

// HandleRelease captures a fresh baseline after the holder reports being
// emptied. A contaminated capture is logged, not retried.
func (s *ProcessorService) HandleRelease(ctx context.Context, deviceID string, body []byte) error {
	var msg PhotoMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return fmt.Errorf("failed to unmarshal release message: %w", err)
	}

	log := logging.WithDevice(s.logger, deviceID)

	image, _, res := s.validatePhoto(msg, log)
	if !res.IsValid {
		return fmt.Errorf("release photo rejected: %s", res.Reason)
	}

	id, err := s.engine.CaptureBaseline(ctx, deviceID, image, "holder_release")
	if err != nil {
		var rejected *engine.BaselineRejectedError
		if errors.As(err, &rejected) {
			log.Warn("baseline capture rejected",
				zap.Int("confidence", rejected.Confidence),
				zap.String("description", rejected.Description))
			return nil
		}
		return fmt.Errorf("failed to capture baseline: %w", err)
	}

	log.Info("baseline captured after release", zap.String("baseline_id", id))
	return nil
}

// HandleSensor reacts to an ultrasonic trigger without a photo: it only
// feeds the scheduler so the next check comes sooner.
func (s *ProcessorService) HandleSensor(ctx context.Context, deviceID string, body []byte) error {
	var msg SensorMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return fmt.Errorf("failed to unmarshal sensor message: %w", err)
	}

	log := logging.WithDevice(s.logger, deviceID)
	s.sched.RecordActivity(scheduler.EventSensorTriggered)
	decision := s.sched.ComputeInterval(scheduler.Context{SensorTriggered: true})
	s.publishSchedule(ctx, deviceID, decision, log)
	return nil
}

// HandlePickup processes a completed pickup: the holder state changed, so
// the baseline is no longer trustworthy.
func (s *ProcessorService) HandlePickup(ctx context.Context, deviceID string, body []byte) error {
	log := logging.WithDevice(s.logger, deviceID)

	s.sched.RecordActivity(scheduler.EventPickupCompleted)
	s.engine.InvalidateBaseline(deviceID)
	decision := s.sched.ComputeInterval(scheduler.Context{PickupDetected: true})
	s.publishSchedule(ctx, deviceID, decision, log)

	log.Info("pickup processed", zap.String("next_mode", string(decision.Mode)))
	return nil
}

// ApplySettingsPatch applies a runtime settings patch pushed by the external
// settings store. Invalid patches are rejected whole.
func (s *ProcessorService) ApplySettingsPatch(ctx context.Context, body []byte) error {
	var patch config.Patch
	if err := json.Unmarshal(body, &patch); err != nil {
		return fmt.Errorf("failed to unmarshal settings patch: %w", err)
	}

	applied, err := s.settings.Apply(patch)
	if err != nil {
		return err
	}
	s.logger.Info("runtime settings updated",
		zap.Int("high_confidence", applied.HighConfidence),
		zap.Int("medium_confidence", applied.MediumConfidence),
		zap.Int("low_confidence", applied.LowConfidence),
		zap.Bool("comparison_enabled", applied.ComparisonEnabled))
	return nil
}

func (s *ProcessorService) validatePhoto(msg PhotoMessage, log *zap.Logger) ([]byte, time.Time, validator.ValidationResult) {
	image, capturedAt, res := s.validator.ValidatePhoto(validator.PhotoData{
		ImageB64:   msg.Image,
		DistanceCm: msg.DistanceCm,
		CapturedAt: msg.CapturedAt,
	}, time.Now())
	if !res.IsValid {
		log.Warn("device photo failed validation", zap.String("reason", res.Reason))
	}
	return image, capturedAt, res
}

func (s *ProcessorService) persist(ctx context.Context, result *engine.Result, log *zap.Logger) {
	rec, err := repository.RecordFromResult(result)
	if err != nil {
		log.Error("failed to build detection record", zap.Error(err))
		return
	}
	if err := s.repo.InsertDetection(ctx, rec); err != nil {
		// Best effort only; detection output must not depend on the database.
		log.Error("failed to persist detection record",
			zap.String("result_id", result.ID), zap.Error(err))
	}
}

func (s *ProcessorService) publishResult(ctx context.Context, result *engine.Result, log *zap.Logger) {
	event := mq.DetectionEvent{
		ResultID:       result.ID,
		DeviceID:       result.DeviceID,
		HasPackage:     result.HasPackage,
		Confidence:     result.Confidence,
		Tier:           string(result.Tier),
		Mode:           string(result.Mode),
		Reason:         string(result.Reason),
		Description:    result.Description,
		ChangeDetected: result.ChangeDetected,
		Error:          result.Error,
		DetectedAt:     result.Timestamp.Format(time.RFC3339),
	}
	if err := s.publisher.PublishDetection(ctx, event, s.cfg.RabbitMQ.ResultRoutingKey); err != nil {
		log.Error("failed to publish detection event",
			zap.String("result_id", result.ID), zap.Error(err))
	}
}

func (s *ProcessorService) publishSchedule(ctx context.Context, deviceID string, decision scheduler.Decision, log *zap.Logger) {
	event := mq.ScheduleEvent{
		DeviceID:        deviceID,
		Mode:            string(decision.Mode),
		IntervalSeconds: int(decision.Interval.Seconds()),
		Reason:          decision.Reason,
		NextCheckAt:     decision.NextCheckAt.Format(time.RFC3339),
	}
	if err := s.publisher.PublishSchedule(ctx, event, s.cfg.RabbitMQ.ScheduleRoutingKey); err != nil {
		log.Error("failed to publish schedule event", zap.Error(err))
	}
}

func reasonFromTrigger(trigger string) vision.Reason {
	switch trigger {
	case "manual":
		return vision.ReasonManual
	case "user_request":
		return vision.ReasonUserRequest
	default:
		return vision.ReasonPeriodic
	}
}
